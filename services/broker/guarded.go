package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"confluxtrader/services/monitoring"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// Guarded wraps a live broker with duplicate-order suppression and a
// failure circuit breaker. It never retries: a suppressed or failed
// order is a terminal outcome for the cycle, same as the inner broker.
type Guarded struct {
	inner Broker

	dupWindow    time.Duration
	mu           sync.Mutex
	lastOrderKey string
	lastOrderAt  time.Time

	bState     breakerState
	failStreak int
	threshold  int
	cooldown   time.Duration
	openedAt   time.Time

	now func() time.Time
}

func NewGuarded(inner Broker, dupWindow time.Duration, breakerThreshold int, breakerCooldown time.Duration) *Guarded {
	if breakerThreshold < 1 {
		breakerThreshold = 3
	}
	return &Guarded{
		inner:     inner,
		dupWindow: dupWindow,
		threshold: breakerThreshold,
		cooldown:  breakerCooldown,
		now:       time.Now,
	}
}

func (g *Guarded) Execute(ctx context.Context, intent Intent) (Fill, error) {
	now := g.now()
	monitoring.OrdersAttempted.Inc()

	g.mu.Lock()
	if !g.breakerAllows(now) {
		g.mu.Unlock()
		monitoring.OrdersSuppressed.Inc()
		return Fill{}, &RejectError{Reason: ReasonRejected, Msg: "circuit breaker open"}
	}
	key := orderKey(intent)
	if key == g.lastOrderKey && now.Sub(g.lastOrderAt) < g.dupWindow {
		g.mu.Unlock()
		monitoring.OrdersSuppressed.Inc()
		return Fill{}, &RejectError{Reason: ReasonRejected, Msg: "duplicate order suppressed"}
	}
	g.mu.Unlock()

	fill, err := g.inner.Execute(ctx, intent)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.noteFailure(g.now())
		monitoring.OrdersFailed.Inc()
		return Fill{}, err
	}
	g.noteSuccess(g.now(), key)
	monitoring.OrdersFilled.Inc()
	return fill, nil
}

func orderKey(i Intent) string {
	h := sha256.Sum256([]byte(i.Symbol + string(i.Side) + strconv.FormatInt(i.Quantity, 10)))
	return hex.EncodeToString(h[:8])
}

func (g *Guarded) breakerAllows(now time.Time) bool {
	switch g.bState {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if now.Sub(g.openedAt) >= g.cooldown {
			g.bState = breakerHalfOpen
			monitoring.BreakerState.Set(1)
			return true // single probe
		}
		return false
	default:
		return false
	}
}

func (g *Guarded) noteSuccess(now time.Time, key string) {
	g.lastOrderKey, g.lastOrderAt = key, now
	g.failStreak = 0
	if g.bState != breakerClosed {
		g.bState = breakerClosed
	}
	monitoring.BreakerState.Set(0)
}

func (g *Guarded) noteFailure(now time.Time) {
	switch g.bState {
	case breakerClosed:
		g.failStreak++
		if g.failStreak >= g.threshold {
			g.bState = breakerOpen
			g.openedAt = now
			monitoring.BreakerState.Set(2)
		}
	case breakerHalfOpen:
		// failed probe reopens immediately
		g.bState = breakerOpen
		g.openedAt = now
		g.failStreak = g.threshold
		monitoring.BreakerState.Set(2)
	case breakerOpen:
		g.openedAt = now
	}
}
