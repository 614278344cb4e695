package indicator

import (
	"math"

	"confluxtrader/services/marketdata"
)

// SeriesProvider recomputes every indicator over the full window on
// each call. Slower than the streaming provider but stateless, which
// makes it the reference implementation for parity checks.
type SeriesProvider struct {
	p Params
}

func NewSeriesProvider(p Params) *SeriesProvider { return &SeriesProvider{p: p} }

func (s *SeriesProvider) Warmup() int { return s.p.Warmup() }

func (s *SeriesProvider) Compute(bars []marketdata.Bar) (Snapshot, error) {
	n := len(bars)
	if n < s.p.Warmup() {
		return Snapshot{}, ErrInsufficientData
	}

	closes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
	}

	rsi := wilderRSI(closes, s.p.RSIPeriod)
	line, sig, hist := macdSeries(closes, s.p.MACDFast, s.p.MACDSlow, s.p.MACDSignal)
	atr := wilderATR(bars, s.p.ATRPeriod)
	stVal, stDir := supertrendSeries(bars, s.p.SupertrendPeriod, s.p.SupertrendMultiplier)
	trend := emaSeries(closes, s.p.EMAPeriod)

	last := n - 1
	return Snapshot{
		Timestamp:         bars[last].Timestamp,
		RSI:               rsi[last],
		MACDLine:          line[last],
		MACDSignal:        sig[last],
		MACDHist:          hist[last],
		ATR:               atr[last],
		SupertrendValue:   stVal[last],
		SupertrendDir:     stDir[last],
		EMATrend:          trend[last],
		PrevMACDLine:      line[last-1],
		PrevMACDSignal:    sig[last-1],
		PrevSupertrendDir: stDir[last-1],
	}, nil
}

// emaSeries seeds with the first value, alpha = 2/(n+1).
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// wilderRSI seeds average gain/loss with a simple mean over the first
// period, then applies avg = (avg_prev*(n-1) + v) / n.
func wilderRSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) < period+1 {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func macdSeries(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	emaFast := emaSeries(closes, fast)
	emaSlow := emaSeries(closes, slow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = emaFast[i] - emaSlow[i]
	}
	sig = emaSeries(line, signal)
	hist = make([]float64, len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// wilderATR smooths the true range the same way wilderRSI smooths
// gains: SMA seed over the first period, then Wilder recursion.
func wilderATR(bars []marketdata.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if len(bars) < period+1 {
		return out
	}
	tr := make([]float64, len(bars))
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		tr[i] = trueRange(bars[i], bars[i-1].Close)
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

func trueRange(b marketdata.Bar, prevClose float64) float64 {
	hl := b.High - b.Low
	hc := math.Abs(b.High - prevClose)
	lc := math.Abs(b.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// supertrendSeries tracks ratcheted upper/lower bands around
// (high+low)/2 ± mult*ATR. While long the lower band only rises; while
// short the upper band only falls. Direction flips when the close
// crosses the prior opposing band.
func supertrendSeries(bars []marketdata.Bar, period int, mult float64) (value []float64, dir []int) {
	n := len(bars)
	value = make([]float64, n)
	dir = make([]int, n)
	if n < period+1 {
		return value, dir
	}
	atr := wilderATR(bars, period)

	finalUpper := make([]float64, n)
	finalLower := make([]float64, n)
	for i := period; i < n; i++ {
		mid := (bars[i].High + bars[i].Low) / 2
		upper := mid + mult*atr[i]
		lower := mid - mult*atr[i]

		if i == period {
			finalUpper[i], finalLower[i] = upper, lower
			dir[i] = 1
			if bars[i].Close < lower {
				dir[i] = -1
			}
		} else {
			// Ratchet: tighten toward price, release only after a close
			// beyond the prior band.
			finalUpper[i] = upper
			if upper > finalUpper[i-1] && bars[i-1].Close <= finalUpper[i-1] {
				finalUpper[i] = finalUpper[i-1]
			}
			finalLower[i] = lower
			if lower < finalLower[i-1] && bars[i-1].Close >= finalLower[i-1] {
				finalLower[i] = finalLower[i-1]
			}

			switch {
			case bars[i].Close > finalUpper[i-1]:
				dir[i] = 1
			case bars[i].Close < finalLower[i-1]:
				dir[i] = -1
			default:
				dir[i] = dir[i-1]
			}
		}

		if dir[i] == 1 {
			value[i] = finalLower[i]
		} else {
			value[i] = finalUpper[i]
		}
	}
	return value, dir
}
