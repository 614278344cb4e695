package marketdata

import "fmt"

// Resample aggregates bars onto a coarser cadence. Buckets align to
// multiples of stepMs from the epoch; partial buckets at either edge
// are emitted as-is since OHLCV aggregation stays correct for them.
// Input must be sorted; use SortBars first when in doubt.
func Resample(bars []Bar, stepMs int64) ([]Bar, error) {
	if stepMs <= 0 {
		return nil, fmt.Errorf("resample: non-positive step %d", stepMs)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	out := make([]Bar, 0, len(bars))
	cur := Bar{Timestamp: -1}
	for _, b := range bars {
		bucket := b.Timestamp - b.Timestamp%stepMs
		if bucket != cur.Timestamp {
			if cur.Timestamp >= 0 {
				out = append(out, cur)
			}
			cur = Bar{
				Timestamp: bucket,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	out = append(out, cur)
	return out, nil
}
