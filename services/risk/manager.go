// Package risk sizes positions, derives protective stops, and enforces
// the portfolio-level ceilings: concurrent position count and the
// daily loss halt.
package risk

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"confluxtrader/services/config"
)

var (
	// ErrInvalidStopDistance rejects entries whose stop is at or above
	// the entry price.
	ErrInvalidStopDistance = errors.New("risk: invalid stop distance")
	// ErrMaxPositions rejects entries that would exceed the ceiling.
	ErrMaxPositions = errors.New("risk: max concurrent positions reached")
	// ErrPositionExists rejects a second position for one symbol.
	ErrPositionExists = errors.New("risk: position already open for symbol")
	// ErrDailyHalt blocks trading for the remainder of the day.
	ErrDailyHalt = errors.New("risk: daily loss limit reached")
)

type Manager struct {
	risk  config.RiskConfig
	stops config.StopConfig
	log   *zap.Logger
}

func NewManager(risk config.RiskConfig, stops config.StopConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{risk: risk, stops: stops, log: log}
}

// SizePosition converts a signal into an integer quantity:
// floor(mult × riskPerTradeFraction × equity / |entry − stop|), capped
// so the notional stays within maxPositionFraction of equity. A stop
// distance of zero or less is a sizing rejection, not a zero order.
func (m *Manager) SizePosition(entry, stop, equity, mult float64) (int64, error) {
	dist := entry - stop
	if dist <= 0 {
		m.log.Warn("sizing rejected",
			zap.Float64("entry", entry),
			zap.Float64("stop", stop),
			zap.String("reason", "invalid stop distance"))
		return 0, fmt.Errorf("%w: entry %.8f stop %.8f", ErrInvalidStopDistance, entry, stop)
	}
	riskAmount := mult * m.risk.PerTradeFraction * equity
	qty := int64(math.Floor(riskAmount / dist))

	if entry > 0 {
		maxQty := int64(math.Floor(m.risk.MaxPositionFraction * equity / entry))
		if qty > maxQty {
			qty = maxQty
		}
	}
	if qty < 0 {
		qty = 0
	}
	return qty, nil
}

// StopPolicy returns the active policy with the shock adjustment
// already applied: a volatility shock tightens the percentage stop for
// the cycle it is evaluated in.
func (m *Manager) StopPolicy(volatilityShock bool) StopPolicy {
	if m.stops.Type == config.StopATR {
		return ATRStop{Multiplier: m.stops.ATRMultiplier}
	}
	pct := m.stops.LossPct
	if volatilityShock {
		pct = m.stops.ShockLossPct
	}
	return PercentStop{Pct: pct}
}

// TakeProfit mirrors the stop distance by the configured reward ratio.
func (m *Manager) TakeProfit(entry, stop float64) float64 {
	return entry + m.risk.RiskRewardRatio*(entry-stop)
}

// UpdateTrailing applies the trailing configuration to a long position.
func (m *Manager) UpdateTrailing(entry, currentStop, price float64, active bool) (float64, bool) {
	return Trail(entry, currentStop, price, active,
		m.stops.TrailingActivationPct, m.stops.TrailingPct)
}

// CanOpen enforces the concurrency ceilings before sizing runs.
func (m *Manager) CanOpen(openPositions int, symbolHasPosition bool) error {
	if symbolHasPosition {
		return ErrPositionExists
	}
	if openPositions >= m.risk.MaxPositions {
		return fmt.Errorf("%w (%d)", ErrMaxPositions, m.risk.MaxPositions)
	}
	return nil
}

// DailyHalted reports whether realized losses for the current trading
// day have reached the kill-switch threshold.
func (m *Manager) DailyHalted(dayRealizedPnL, dayOpenEquity float64) bool {
	if dayOpenEquity <= 0 {
		return false
	}
	return dayRealizedPnL <= -m.risk.MaxDailyLossFraction*dayOpenEquity
}
