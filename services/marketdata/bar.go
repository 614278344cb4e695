package marketdata

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Bar is a single OHLCV sample. Timestamp is the bar open time in
// milliseconds since epoch. Bars are immutable once produced.
type Bar struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Time returns the bar open time in UTC.
func (b Bar) Time() time.Time { return time.UnixMilli(b.Timestamp).UTC() }

// Validate rejects bars that must never reach the decision engine:
// non-finite OHLCV fields or an inverted high/low range.
func (b Bar) Validate() error {
	fields := [...]struct {
		name string
		v    float64
	}{
		{"open", b.Open}, {"high", b.High}, {"low", b.Low},
		{"close", b.Close}, {"volume", b.Volume},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("bar %d: non-finite %s", b.Timestamp, f.name)
		}
	}
	if b.High < b.Low {
		return fmt.Errorf("bar %d: high %.8f below low %.8f", b.Timestamp, b.High, b.Low)
	}
	return nil
}

// SortBars orders bars by timestamp and drops duplicates, keeping the
// last sample seen for a given timestamp.
func SortBars(bars []Bar) []Bar {
	if len(bars) < 2 {
		return bars
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })
	uniq := bars[:0]
	var lastTs int64 = math.MinInt64
	for _, b := range bars {
		if b.Timestamp == lastTs {
			uniq[len(uniq)-1] = b
			continue
		}
		uniq = append(uniq, b)
		lastTs = b.Timestamp
	}
	return uniq
}

// DetectGaps returns the open times after which at least one bar is
// missing, given the expected sampling interval.
func DetectGaps(bars []Bar, stepMs int64) []int64 {
	var gaps []int64
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp-bars[i-1].Timestamp > stepMs {
			gaps = append(gaps, bars[i-1].Timestamp)
		}
	}
	return gaps
}

// DetectCadence infers the sampling interval as the most common delta
// between consecutive bars, capped to the first 2000 pairs.
func DetectCadence(bars []Bar) int64 {
	if len(bars) < 2 {
		return 0
	}
	limit := len(bars)
	if limit > 2000 {
		limit = 2000
	}
	counts := make(map[int64]int)
	for i := 1; i < limit; i++ {
		d := bars[i].Timestamp - bars[i-1].Timestamp
		if d > 0 {
			counts[d]++
		}
	}
	var best int64
	bestCount := 0
	for d, c := range counts {
		if c > bestCount || (c == bestCount && d < best) {
			best, bestCount = d, c
		}
	}
	return best
}
