package risk

// StopPolicy computes the initial protective stop for a long entry.
// Both implementations sit behind the same interface so the active
// policy is a construction-time choice, not a runtime type check.
type StopPolicy interface {
	Initial(entry, atr float64) float64
}

// PercentStop places the stop a fixed fraction below entry.
type PercentStop struct {
	Pct float64
}

func (p PercentStop) Initial(entry, _ float64) float64 { return entry * (1 - p.Pct) }

// ATRStop places the stop a volatility multiple below entry.
type ATRStop struct {
	Multiplier float64
}

func (a ATRStop) Initial(entry, atr float64) float64 { return entry - a.Multiplier*atr }

// Trail ratchets a trailing stop for a long position. It activates
// once unrealized gain reaches activationPct and afterwards only ever
// raises the stop to price*(1-trailPct).
func Trail(entry, currentStop, price float64, active bool, activationPct, trailPct float64) (stop float64, nowActive bool) {
	stop = currentStop
	nowActive = active
	if entry <= 0 {
		return stop, nowActive
	}
	if !nowActive {
		if (price-entry)/entry >= activationPct {
			nowActive = true
		} else {
			return stop, nowActive
		}
	}
	if candidate := price * (1 - trailPct); candidate > stop {
		stop = candidate
	}
	return stop, nowActive
}
