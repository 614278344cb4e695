// Package shock classifies each bar into zero or more shock events and
// derives the adaptive risk multiplier applied to position sizing.
package shock

import (
	"math"

	"confluxtrader/services/marketdata"
)

type Kind string

const (
	KindPrice      Kind = "price"
	KindVolume     Kind = "volume"
	KindVolatility Kind = "volatility"
	KindGap        Kind = "gap"
)

// Event is one detected shock. Magnitude keeps the sign of the move
// for price and gap shocks; volume and volatility magnitudes are the
// measured ratio and std-dev respectively.
type Event struct {
	Kind       Kind
	Magnitude  float64
	DetectedAt int64
}

// Assessment is the detector output for one bar.
type Assessment struct {
	Events     []Event
	Multiplier float64

	// ReduceSize asks the risk manager for a smaller position without
	// touching open ones; ExitAll forces closure of every open
	// position before signal generation runs.
	ReduceSize bool
	ExitAll    bool
}

// Active reports whether any shock fired.
func (a Assessment) Active() bool { return len(a.Events) > 0 }

// Has reports whether a shock of the given kind fired.
func (a Assessment) Has(k Kind) bool {
	_, ok := a.has(k)
	return ok
}

func (a Assessment) has(k Kind) (Event, bool) {
	for _, e := range a.Events {
		if e.Kind == k {
			return e, true
		}
	}
	return Event{}, false
}

// Config carries the detection thresholds; all comparisons are strict.
type Config struct {
	PriceWindow         int     // bars for price change and gap context
	StatsWindow         int     // bars for volume mean and return std-dev
	PriceThreshold      float64 // fraction, e.g. 0.05
	VolumeMultiplier    float64 // e.g. 3.0 x mean volume
	VolatilityThreshold float64 // return std-dev, e.g. 0.05
	GapThreshold        float64 // fraction, e.g. 0.02
}

func DefaultConfig() Config {
	return Config{
		PriceWindow:         5,
		StatsWindow:         20,
		PriceThreshold:      0.05,
		VolumeMultiplier:    3.0,
		VolatilityThreshold: 0.05,
		GapThreshold:        0.02,
	}
}

// Per-shock sizing factors; the combined multiplier is their product,
// floored at MinMultiplier.
const (
	factorPrice      = 0.7
	factorVolume     = 0.8
	factorVolatility = 0.6
	factorGap        = 0.5

	MinMultiplier = 0.2
)

// Escalation thresholds, independent of the multiplier.
const (
	reducePriceMagnitude = 0.10
	reduceVolatility     = 0.08
	exitPriceMagnitude   = 0.15
	exitVolatility       = 0.10
	exitGapMagnitude     = 0.05
)

type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector { return &Detector{cfg: cfg} }

// Assess inspects the series ending at bars[len-1] (the bar being
// decided on) and returns the shock set for that bar. Windows that are
// not yet filled simply yield no event of that kind.
func (d *Detector) Assess(bars []marketdata.Bar) Assessment {
	out := Assessment{Multiplier: 1.0}
	n := len(bars)
	if n == 0 {
		return out
	}
	cur := bars[n-1]

	if e, ok := d.priceShock(bars); ok {
		out.Events = append(out.Events, e)
		out.Multiplier *= factorPrice
	}
	if e, ok := d.volumeShock(bars); ok {
		out.Events = append(out.Events, e)
		out.Multiplier *= factorVolume
	}
	if e, ok := d.volatilityShock(bars); ok {
		out.Events = append(out.Events, e)
		out.Multiplier *= factorVolatility
	}
	if n >= 2 {
		if e, ok := d.gapShock(cur, bars[n-2]); ok {
			out.Events = append(out.Events, e)
			out.Multiplier *= factorGap
		}
	}
	if out.Multiplier < MinMultiplier {
		out.Multiplier = MinMultiplier
	}

	out.ReduceSize = d.shouldReduce(out)
	out.ExitAll = d.shouldExit(out)
	return out
}

func (d *Detector) priceShock(bars []marketdata.Bar) (Event, bool) {
	w := d.cfg.PriceWindow
	n := len(bars)
	if n < w+1 {
		return Event{}, false
	}
	ref := bars[n-1-w].Close
	if ref == 0 {
		return Event{}, false
	}
	change := (bars[n-1].Close - ref) / ref
	if math.Abs(change) > d.cfg.PriceThreshold {
		return Event{Kind: KindPrice, Magnitude: change, DetectedAt: bars[n-1].Timestamp}, true
	}
	return Event{}, false
}

func (d *Detector) volumeShock(bars []marketdata.Bar) (Event, bool) {
	w := d.cfg.StatsWindow
	n := len(bars)
	if n < w+1 {
		return Event{}, false
	}
	var sum float64
	for _, b := range bars[n-1-w : n-1] {
		sum += b.Volume
	}
	mean := sum / float64(w)
	if mean <= 0 {
		return Event{}, false
	}
	ratio := bars[n-1].Volume / mean
	if bars[n-1].Volume > d.cfg.VolumeMultiplier*mean {
		return Event{Kind: KindVolume, Magnitude: ratio, DetectedAt: bars[n-1].Timestamp}, true
	}
	return Event{}, false
}

func (d *Detector) volatilityShock(bars []marketdata.Bar) (Event, bool) {
	w := d.cfg.StatsWindow
	n := len(bars)
	if n < w+1 {
		return Event{}, false
	}
	vol := returnStdDev(bars[n-1-w:])
	if vol > d.cfg.VolatilityThreshold {
		return Event{Kind: KindVolatility, Magnitude: vol, DetectedAt: bars[n-1].Timestamp}, true
	}
	return Event{}, false
}

func (d *Detector) gapShock(cur, prev marketdata.Bar) (Event, bool) {
	if prev.Close == 0 {
		return Event{}, false
	}
	gap := (cur.Open - prev.Close) / prev.Close
	if math.Abs(gap) > d.cfg.GapThreshold {
		return Event{Kind: KindGap, Magnitude: gap, DetectedAt: cur.Timestamp}, true
	}
	return Event{}, false
}

func (d *Detector) shouldReduce(a Assessment) bool {
	if len(a.Events) >= 2 {
		return true
	}
	if e, ok := a.has(KindPrice); ok && math.Abs(e.Magnitude) > reducePriceMagnitude {
		return true
	}
	if e, ok := a.has(KindVolatility); ok && e.Magnitude > reduceVolatility {
		return true
	}
	return false
}

func (d *Detector) shouldExit(a Assessment) bool {
	if e, ok := a.has(KindPrice); ok && math.Abs(e.Magnitude) > exitPriceMagnitude {
		return true
	}
	if e, ok := a.has(KindVolatility); ok && e.Magnitude > exitVolatility {
		return true
	}
	if e, ok := a.has(KindGap); ok && math.Abs(e.Magnitude) > exitGapMagnitude {
		return true
	}
	return false
}

// returnStdDev is the sample-free (population) standard deviation of
// simple close-to-close returns over the slice.
func returnStdDev(bars []marketdata.Bar) float64 {
	var rets []float64
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev == 0 {
			continue
		}
		rets = append(rets, (bars[i].Close-prev)/prev)
	}
	if len(rets) == 0 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var varsum float64
	for _, r := range rets {
		d := r - mean
		varsum += d * d
	}
	return math.Sqrt(varsum / float64(len(rets)))
}
