package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimFillsWithSlippage(t *testing.T) {
	s := NewSim(5)
	ctx := context.Background()

	buy, err := s.Execute(ctx, Intent{Symbol: "BTCUSDT", Side: Buy, Quantity: 10, RefPrice: 100, Timestamp: 42})
	require.NoError(t, err)
	assert.InDelta(t, 100.05, buy.Price, 1e-12)
	assert.Equal(t, int64(10), buy.Quantity)
	assert.Equal(t, int64(42), buy.Timestamp)

	sell, err := s.Execute(ctx, Intent{Symbol: "BTCUSDT", Side: Sell, Quantity: 10, RefPrice: 100})
	require.NoError(t, err)
	assert.InDelta(t, 99.95, sell.Price, 1e-12)
}

func TestSimRejectsBadIntents(t *testing.T) {
	s := NewSim(0)
	ctx := context.Background()

	_, err := s.Execute(ctx, Intent{Side: Buy, Quantity: 0, RefPrice: 100})
	re, ok := AsReject(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRejected, re.Reason)

	_, err = s.Execute(ctx, Intent{Side: Buy, Quantity: 1, RefPrice: 0})
	_, ok = AsReject(err)
	assert.True(t, ok)
}

// failBroker fails the first n executions, then delegates to a Sim.
type failBroker struct {
	sim  *Sim
	fail int
}

func (f *failBroker) Execute(ctx context.Context, i Intent) (Fill, error) {
	if f.fail > 0 {
		f.fail--
		return Fill{}, &RejectError{Reason: ReasonTimeout, Msg: "venue down"}
	}
	return f.sim.Execute(ctx, i)
}

func guardedAt(inner Broker, start time.Time) (*Guarded, *time.Time) {
	g := NewGuarded(inner, time.Minute, 3, 5*time.Minute)
	now := start
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGuardedSuppressesDuplicates(t *testing.T) {
	g, now := guardedAt(NewSim(0), time.Unix(1000, 0))
	ctx := context.Background()
	intent := Intent{Symbol: "BTCUSDT", Side: Buy, Quantity: 5, RefPrice: 100}

	_, err := g.Execute(ctx, intent)
	require.NoError(t, err)

	_, err = g.Execute(ctx, intent)
	re, ok := AsReject(err)
	require.True(t, ok)
	assert.Contains(t, re.Msg, "duplicate")

	// A different quantity is a different order.
	other := intent
	other.Quantity = 6
	_, err = g.Execute(ctx, other)
	assert.NoError(t, err)

	// The original clears once the window passes.
	*now = now.Add(2 * time.Minute)
	_, err = g.Execute(ctx, intent)
	assert.NoError(t, err)
}

func TestGuardedBreakerOpensAndRecovers(t *testing.T) {
	inner := &failBroker{sim: NewSim(0), fail: 4}
	g, now := guardedAt(inner, time.Unix(1000, 0))
	ctx := context.Background()

	intent := func(q int64) Intent {
		return Intent{Symbol: "BTCUSDT", Side: Buy, Quantity: q, RefPrice: 100}
	}

	// Three straight failures trip the breaker.
	for q := int64(1); q <= 3; q++ {
		_, err := g.Execute(ctx, intent(q))
		require.Error(t, err)
	}

	// While open, orders are rejected without reaching the venue.
	_, err := g.Execute(ctx, intent(4))
	re, ok := AsReject(err)
	require.True(t, ok)
	assert.Contains(t, re.Msg, "circuit breaker")
	assert.Equal(t, 4, inner.fail+3, "inner must not have been called while open")

	// After the cooldown one probe goes through; it fails and reopens.
	*now = now.Add(5 * time.Minute)
	_, err = g.Execute(ctx, intent(5))
	require.Error(t, err)
	_, err = g.Execute(ctx, intent(6))
	re, ok = AsReject(err)
	require.True(t, ok)
	assert.Contains(t, re.Msg, "circuit breaker")

	// Next cooldown the probe succeeds and the breaker closes.
	*now = now.Add(5 * time.Minute)
	_, err = g.Execute(ctx, intent(7))
	require.NoError(t, err)
	_, err = g.Execute(ctx, intent(8))
	assert.NoError(t, err)
}

func TestGuardedNeverRetries(t *testing.T) {
	inner := &failBroker{sim: NewSim(0), fail: 1}
	g, _ := guardedAt(inner, time.Unix(1000, 0))

	_, err := g.Execute(context.Background(), Intent{Symbol: "X", Side: Sell, Quantity: 1, RefPrice: 10})
	require.Error(t, err)
	assert.Equal(t, 0, inner.fail, "exactly one attempt")

	var re *RejectError
	assert.True(t, errors.As(err, &re))
	assert.Equal(t, ReasonTimeout, re.Reason)
}
