// Package indicator computes RSI, MACD, ATR, Supertrend and a long
// trend EMA from an ordered bar window. Two providers implement the
// same contract: a vectorized full-window recompute and an incremental
// per-bar updater. Both are pure functions of the trailing window.
package indicator

import (
	"errors"
	"fmt"

	"confluxtrader/services/marketdata"
)

// ErrInsufficientData is returned until the warm-up window is filled.
var ErrInsufficientData = errors.New("indicator: insufficient data for warm-up")

// Params holds the indicator lookbacks and the Supertrend multiplier.
type Params struct {
	RSIPeriod            int
	MACDFast             int
	MACDSlow             int
	MACDSignal           int
	ATRPeriod            int
	SupertrendPeriod     int
	SupertrendMultiplier float64
	EMAPeriod            int
}

func DefaultParams() Params {
	return Params{
		RSIPeriod:            14,
		MACDFast:             12,
		MACDSlow:             26,
		MACDSignal:           9,
		ATRPeriod:            14,
		SupertrendPeriod:     10,
		SupertrendMultiplier: 3.0,
		EMAPeriod:            200,
	}
}

func (p Params) validate() error {
	for _, n := range []int{p.RSIPeriod, p.MACDFast, p.MACDSlow, p.MACDSignal,
		p.ATRPeriod, p.SupertrendPeriod, p.EMAPeriod} {
		if n < 1 {
			return fmt.Errorf("indicator: non-positive period in %+v", p)
		}
	}
	if p.MACDFast >= p.MACDSlow {
		return fmt.Errorf("indicator: macd fast %d >= slow %d", p.MACDFast, p.MACDSlow)
	}
	return nil
}

// Warmup is the number of bars required before the first valid snapshot.
func (p Params) Warmup() int {
	warm := p.EMAPeriod
	for _, n := range []int{p.RSIPeriod + 1, p.MACDSlow + p.MACDSignal,
		p.ATRPeriod + 1, p.SupertrendPeriod + 1} {
		if n > warm {
			warm = n
		}
	}
	return warm
}

// Snapshot carries the indicator values for the newest bar. Prev*
// fields hold the previous bar's values so crossovers can be detected
// without reaching back into the series.
type Snapshot struct {
	Timestamp int64

	RSI        float64
	MACDLine   float64
	MACDSignal float64
	MACDHist   float64
	ATR        float64

	SupertrendValue float64
	SupertrendDir   int // +1 up, -1 down

	EMATrend float64

	PrevMACDLine      float64
	PrevMACDSignal    float64
	PrevSupertrendDir int
}

// Provider produces a Snapshot for the newest bar of an ordered series.
// Implementations must yield identical snapshots for identical input.
type Provider interface {
	// Compute evaluates the series ending at bars[len-1]. It returns
	// ErrInsufficientData until the warm-up window is filled.
	Compute(bars []marketdata.Bar) (Snapshot, error)
	Warmup() int
}

// New selects a provider implementation by name.
func New(kind string, p Params) (Provider, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	switch kind {
	case "series":
		return NewSeriesProvider(p), nil
	case "stream", "":
		return NewStreamProvider(p), nil
	default:
		return nil, fmt.Errorf("indicator: unknown provider %q", kind)
	}
}
