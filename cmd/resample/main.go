// Command resample converts an OHLCV CSV to a coarser cadence, e.g.
// 1m bars to 5m or 15m.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"confluxtrader/services/marketdata"
)

func main() {
	in := flag.String("in", "", "Input CSV (timestamp_ms,open,high,low,close,volume)")
	out := flag.String("out", "", "Output CSV path")
	dst := flag.String("dst", "15m", "Target cadence, e.g. 5m, 15m, 240m")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "-in and -out are required")
		os.Exit(2)
	}
	stepMs, err := parseCadenceMs(*dst)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dst:", err)
		os.Exit(2)
	}

	bars, err := marketdata.LoadCSV(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	if src := marketdata.DetectCadence(bars); src >= stepMs {
		fmt.Fprintf(os.Stderr, "source cadence %dms is not finer than target %dms\n", src, stepMs)
		os.Exit(1)
	}

	resampled, err := marketdata.Resample(bars, stepMs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resample:", err)
		os.Exit(1)
	}
	if err := marketdata.WriteCSV(*out, resampled); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d bars (%s) from %d source bars to %s\n", len(resampled), *dst, len(bars), *out)
}

// parseCadenceMs accepts "5m", "15min" or a plain number of minutes.
func parseCadenceMs(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "in") // "5min" -> "5m"
	s = strings.TrimSuffix(s, "m")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported cadence %q", s)
	}
	return int64(n) * 60_000, nil
}
