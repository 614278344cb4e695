package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluxtrader/services/config"
)

func newManager(t *testing.T, mutate func(*config.RiskConfig, *config.StopConfig)) *Manager {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Risk, &cfg.Stops)
	}
	return NewManager(cfg.Risk, cfg.Stops, nil)
}

func TestSizePositionHalvesWithMultiplier(t *testing.T) {
	m := newManager(t, func(r *config.RiskConfig, _ *config.StopConfig) {
		r.PerTradeFraction = 0.01
		r.MaxPositionFraction = 1.0 // keep the cap out of the way
	})

	full, err := m.SizePosition(100, 98, 100_000, 1.0)
	require.NoError(t, err)
	half, err := m.SizePosition(100, 98, 100_000, 0.5)
	require.NoError(t, err)

	assert.Equal(t, int64(500), full)
	assert.Equal(t, full/2, half)
}

func TestSizePositionCapsNotional(t *testing.T) {
	m := newManager(t, nil) // 2% risk, 10% max position

	// Uncapped sizing would be 0.02*100000/2 = 1000 shares; the 10%
	// notional cap allows only 100.
	qty, err := m.SizePosition(100, 98, 100_000, 1.0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), qty)
}

func TestSizePositionRejectsBadStop(t *testing.T) {
	m := newManager(t, nil)

	_, err := m.SizePosition(100, 100, 100_000, 1.0)
	assert.ErrorIs(t, err, ErrInvalidStopDistance)

	_, err = m.SizePosition(100, 101, 100_000, 1.0)
	assert.ErrorIs(t, err, ErrInvalidStopDistance)
}

func TestStopPolicySelection(t *testing.T) {
	t.Run("percent tightens under volatility shock", func(t *testing.T) {
		m := newManager(t, nil)
		calm := m.StopPolicy(false).Initial(100, 3)
		shocked := m.StopPolicy(true).Initial(100, 3)
		assert.InDelta(t, 98.0, calm, 1e-12)
		assert.InDelta(t, 98.5, shocked, 1e-12)
	})
	t.Run("atr ignores the shock flag", func(t *testing.T) {
		m := newManager(t, func(_ *config.RiskConfig, s *config.StopConfig) {
			s.Type = config.StopATR
		})
		calm := m.StopPolicy(false).Initial(100, 1.5)
		shocked := m.StopPolicy(true).Initial(100, 1.5)
		assert.InDelta(t, 97.0, calm, 1e-12)
		assert.Equal(t, calm, shocked)
	})
}

func TestTakeProfitMirrorsRisk(t *testing.T) {
	m := newManager(t, nil) // reward ratio 2.0
	assert.InDelta(t, 104.0, m.TakeProfit(100, 98), 1e-12)
}

func TestTrailActivatesThenOnlyRises(t *testing.T) {
	const (
		entry      = 100.0
		activation = 0.03
		trail      = 0.015
	)

	// Below the activation gain the stop must not move.
	stop, active := Trail(entry, 98, 102, false, activation, trail)
	assert.False(t, active)
	assert.Equal(t, 98.0, stop)

	// At +3% it activates and lifts the stop to price*(1-trail).
	stop, active = Trail(entry, 98, 103, false, activation, trail)
	assert.True(t, active)
	assert.InDelta(t, 103*(1-trail), stop, 1e-12)

	// Rising price keeps ratcheting.
	prev := stop
	stop, active = Trail(entry, stop, 106, active, activation, trail)
	assert.True(t, active)
	assert.Greater(t, stop, prev)

	// A pullback never lowers it.
	prev = stop
	stop, active = Trail(entry, stop, 101, active, activation, trail)
	assert.True(t, active)
	assert.Equal(t, prev, stop)
}

func TestCanOpen(t *testing.T) {
	m := newManager(t, nil) // max 5 positions

	assert.NoError(t, m.CanOpen(0, false))
	assert.NoError(t, m.CanOpen(4, false))
	assert.ErrorIs(t, m.CanOpen(5, false), ErrMaxPositions)
	assert.ErrorIs(t, m.CanOpen(0, true), ErrPositionExists)
}

func TestDailyHalted(t *testing.T) {
	m := newManager(t, nil) // 5% daily loss limit

	assert.False(t, m.DailyHalted(-4_999, 100_000))
	assert.True(t, m.DailyHalted(-5_000, 100_000), "the limit itself halts")
	assert.True(t, m.DailyHalted(-12_000, 100_000))
	assert.False(t, m.DailyHalted(3_000, 100_000))
	assert.False(t, m.DailyHalted(-5_000, 0), "no baseline equity, no halt")
}
