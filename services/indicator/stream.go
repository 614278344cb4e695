package indicator

import (
	"fmt"

	"confluxtrader/services/marketdata"
)

// StreamProvider keeps incremental indicator state and folds in one bar
// at a time. Compute accepts the full ordered series and consumes only
// the bars it has not seen, so it satisfies the same contract as the
// series provider at O(1) work per bar.
type StreamProvider struct {
	p      Params
	lastTs int64
	count  int

	prevClose float64

	emaFast   float64
	emaSlow   float64
	emaSignal float64
	emaTrend  float64
	macdLine  float64

	gainSum, lossSum float64
	avgGain, avgLoss float64
	rsi              float64

	trSum float64
	atr   float64

	stTRSum float64
	stATR   float64

	stUpper, stLower float64
	stDir            int
	stValue          float64

	prevMACDLine   float64
	prevMACDSignal float64
	prevSTDir      int
}

func NewStreamProvider(p Params) *StreamProvider { return &StreamProvider{p: p, lastTs: -1} }

func (s *StreamProvider) Warmup() int { return s.p.Warmup() }

func (s *StreamProvider) Compute(bars []marketdata.Bar) (Snapshot, error) {
	for _, b := range bars {
		if b.Timestamp <= s.lastTs {
			continue
		}
		s.update(b)
	}
	if len(bars) == 0 || bars[len(bars)-1].Timestamp != s.lastTs {
		return Snapshot{}, fmt.Errorf("indicator: stream state diverged from input series")
	}
	if s.count < s.p.Warmup() {
		return Snapshot{}, ErrInsufficientData
	}
	return Snapshot{
		Timestamp:         s.lastTs,
		RSI:               s.rsi,
		MACDLine:          s.macdLine,
		MACDSignal:        s.emaSignal,
		MACDHist:          s.macdLine - s.emaSignal,
		ATR:               s.atr,
		SupertrendValue:   s.stValue,
		SupertrendDir:     s.stDir,
		EMATrend:          s.emaTrend,
		PrevMACDLine:      s.prevMACDLine,
		PrevMACDSignal:    s.prevMACDSignal,
		PrevSupertrendDir: s.prevSTDir,
	}, nil
}

func (s *StreamProvider) update(b marketdata.Bar) {
	s.prevMACDLine = s.macdLine
	s.prevMACDSignal = s.emaSignal
	s.prevSTDir = s.stDir

	i := s.count // zero-based index of this bar in the series
	if i == 0 {
		s.emaFast, s.emaSlow, s.emaTrend = b.Close, b.Close, b.Close
		s.macdLine, s.emaSignal = 0, 0
		s.prevClose = b.Close
		s.count++
		s.lastTs = b.Timestamp
		return
	}

	// EMAs and MACD.
	s.emaFast = emaStep(s.emaFast, b.Close, s.p.MACDFast)
	s.emaSlow = emaStep(s.emaSlow, b.Close, s.p.MACDSlow)
	s.emaTrend = emaStep(s.emaTrend, b.Close, s.p.EMAPeriod)
	s.macdLine = s.emaFast - s.emaSlow
	s.emaSignal = emaStep(s.emaSignal, s.macdLine, s.p.MACDSignal)

	// Wilder RSI.
	d := b.Close - s.prevClose
	g, l := 0.0, 0.0
	if d > 0 {
		g = d
	} else {
		l = -d
	}
	switch {
	case i <= s.p.RSIPeriod:
		s.gainSum += g
		s.lossSum += l
		if i == s.p.RSIPeriod {
			s.avgGain = s.gainSum / float64(s.p.RSIPeriod)
			s.avgLoss = s.lossSum / float64(s.p.RSIPeriod)
			s.rsi = rsiFrom(s.avgGain, s.avgLoss)
		}
	default:
		n := float64(s.p.RSIPeriod)
		s.avgGain = (s.avgGain*(n-1) + g) / n
		s.avgLoss = (s.avgLoss*(n-1) + l) / n
		s.rsi = rsiFrom(s.avgGain, s.avgLoss)
	}

	s.updateATRAndBands(b, i)

	s.prevClose = b.Close
	s.count++
	s.lastTs = b.Timestamp
}

func (s *StreamProvider) updateATRAndBands(b marketdata.Bar, i int) {
	tr := trueRange(b, s.prevClose)
	switch {
	case i <= s.p.ATRPeriod:
		s.trSum += tr
		if i == s.p.ATRPeriod {
			s.atr = s.trSum / float64(s.p.ATRPeriod)
		}
	default:
		n := float64(s.p.ATRPeriod)
		s.atr = (s.atr*(n-1) + tr) / n
	}

	// The Supertrend bands run their own Wilder ATR so the band period
	// can differ from the snapshot ATR period.
	switch {
	case i <= s.p.SupertrendPeriod:
		s.stTRSum += tr
		if i == s.p.SupertrendPeriod {
			s.stATR = s.stTRSum / float64(s.p.SupertrendPeriod)
		}
	default:
		n := float64(s.p.SupertrendPeriod)
		s.stATR = (s.stATR*(n-1) + tr) / n
	}
	if i < s.p.SupertrendPeriod {
		return
	}
	mid := (b.High + b.Low) / 2
	upper := mid + s.p.SupertrendMultiplier*s.stATR
	lower := mid - s.p.SupertrendMultiplier*s.stATR

	if i == s.p.SupertrendPeriod {
		s.stUpper, s.stLower = upper, lower
		s.stDir = 1
		if b.Close < lower {
			s.stDir = -1
		}
	} else {
		prevUpper, prevLower := s.stUpper, s.stLower
		s.stUpper = upper
		if upper > prevUpper && s.prevClose <= prevUpper {
			s.stUpper = prevUpper
		}
		s.stLower = lower
		if lower < prevLower && s.prevClose >= prevLower {
			s.stLower = prevLower
		}
		switch {
		case b.Close > prevUpper:
			s.stDir = 1
		case b.Close < prevLower:
			s.stDir = -1
		}
	}
	if s.stDir == 1 {
		s.stValue = s.stLower
	} else {
		s.stValue = s.stUpper
	}
}

func emaStep(prev, v float64, period int) float64 {
	alpha := 2.0 / (float64(period) + 1.0)
	return alpha*v + (1-alpha)*prev
}
