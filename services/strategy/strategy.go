// Package strategy turns indicator snapshots and the shock assessment
// into ENTER/EXIT/HOLD signals. It is a Flat/Long state machine with
// named predicates; sizing is the risk manager's concern.
package strategy

import (
	"math"

	"confluxtrader/services/config"
	"confluxtrader/services/indicator"
	"confluxtrader/services/shock"
)

type Action string

const (
	Enter Action = "ENTER"
	Exit  Action = "EXIT"
	Hold  Action = "HOLD"
)

// Signal carries no sizing.
type Signal struct {
	Action   Action
	Symbol   string
	Strength float64
	Reason   string
}

// AdvisoryInput is external context attached to one decision cycle,
// typically event- or news-driven. It can only veto entries; exits and
// shock handling never consult it.
type AdvisoryInput struct {
	Avoid  bool
	Score  float64
	Reason string
}

// Advisory supplies per-cycle advisory input for a symbol. A nil
// Advisory means no external veto.
type Advisory interface {
	Advise(symbol string) AdvisoryInput
}

type Generator struct {
	ind config.IndicatorConfig
	cfg config.StrategyConfig
}

func NewGenerator(ind config.IndicatorConfig, cfg config.StrategyConfig) *Generator {
	return &Generator{ind: ind, cfg: cfg}
}

// Evaluate decides the transition for one symbol at one bar. inPosition
// selects the Flat or Long half of the state machine. Emergency exits
// are handled upstream by the execution engine and never reach here.
func (g *Generator) Evaluate(symbol string, snap indicator.Snapshot, shocks shock.Assessment, close float64, inPosition bool) Signal {
	if inPosition {
		if reason, exit := g.exitReason(snap, close); exit {
			return Signal{Action: Exit, Symbol: symbol, Reason: reason}
		}
		return Signal{Action: Hold, Symbol: symbol}
	}

	// Trend filter hardens during uncertainty: any active shock below
	// the trend EMA suppresses entries outright.
	if shocks.Active() && close < snap.EMATrend {
		return Signal{Action: Hold, Symbol: symbol, Reason: "shock below trend"}
	}

	if !g.entryConfluence(snap, shocks, close) {
		return Signal{Action: Hold, Symbol: symbol}
	}

	strength := g.Strength(snap, close)
	min := g.cfg.MinStrength
	if shocks.Active() {
		min = g.cfg.ShockMinStrength
	}
	if strength < min {
		return Signal{Action: Hold, Symbol: symbol, Reason: "strength below threshold"}
	}
	return Signal{Action: Enter, Symbol: symbol, Strength: strength, Reason: "confluence entry"}
}

// --- entry predicates ---

func (g *Generator) entryConfluence(snap indicator.Snapshot, shocks shock.Assessment, close float64) bool {
	return g.rsiOversold(snap, shocks.Active()) &&
		macdBullishCross(snap) &&
		snap.SupertrendDir == 1 &&
		close > snap.EMATrend
}

func (g *Generator) rsiOversold(snap indicator.Snapshot, shockActive bool) bool {
	threshold := g.ind.RSIOversold
	if shockActive {
		threshold = g.ind.RSIShockOversold
	}
	return snap.RSI < threshold
}

func macdBullishCross(snap indicator.Snapshot) bool {
	return snap.MACDLine > snap.MACDSignal && snap.PrevMACDLine <= snap.PrevMACDSignal
}

// --- exit predicates ---

func (g *Generator) exitReason(snap indicator.Snapshot, close float64) (string, bool) {
	switch {
	case snap.RSI > g.ind.RSIOverbought:
		return "rsi overbought", true
	case macdBearishCross(snap):
		return "macd bearish cross", true
	case supertrendFlippedDown(snap):
		return "supertrend flip", true
	case close < snap.EMATrend:
		return "below trend ema", true
	}
	return "", false
}

func macdBearishCross(snap indicator.Snapshot) bool {
	return snap.MACDLine < snap.MACDSignal && snap.PrevMACDLine >= snap.PrevMACDSignal
}

func supertrendFlippedDown(snap indicator.Snapshot) bool {
	return snap.SupertrendDir == -1 && snap.PrevSupertrendDir == 1
}

// Strength scores entry quality in [0,1]: equal-weight contributions
// from RSI depth past the oversold threshold, MACD histogram size,
// distance above the Supertrend band, and distance above the trend EMA.
func (g *Generator) Strength(snap indicator.Snapshot, close float64) float64 {
	var strength float64

	if g.ind.RSIOversold > 0 {
		rsiScore := (g.ind.RSIOversold - snap.RSI) / g.ind.RSIOversold
		strength += clamp01(rsiScore) * 0.25
	}

	if snap.MACDLine > snap.MACDSignal && snap.MACDSignal != 0 {
		diff := (snap.MACDLine - snap.MACDSignal) / math.Abs(snap.MACDSignal)
		strength += clamp01(diff*10) * 0.25
	}

	if snap.SupertrendValue > 0 && close > snap.SupertrendValue {
		diff := (close - snap.SupertrendValue) / snap.SupertrendValue
		strength += clamp01(diff*10) * 0.25
	}

	if snap.EMATrend > 0 && close > snap.EMATrend {
		diff := (close - snap.EMATrend) / snap.EMATrend
		strength += clamp01(diff*5) * 0.25
	}

	return clamp01(strength)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
