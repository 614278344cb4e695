package marketdata

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LoadCSV reads OHLCV bars from a CSV file with columns
// timestamp_ms,open,high,low,close,volume. Exported files from charting
// tools are often UTF-16 with a BOM; those are decoded transparently.
// Malformed rows are skipped, the result is sorted and deduplicated.
func LoadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	reader, err := decodedReader(f)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(reader)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	bars := make([]Bar, 0, 1024)
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			line++
			continue
		}
		line++
		if len(rec) < 6 {
			continue
		}
		tsStr := strings.TrimPrefix(strings.TrimSpace(rec[0]), "\uFEFF")
		if line == 1 && !isNumeric(tsStr) {
			continue // header
		}
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		b := Bar{Timestamp: ts}
		ok := true
		for i, dst := range []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume} {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				ok = false
				break
			}
			*dst = v
		}
		if !ok || b.Validate() != nil {
			continue
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no usable bars in %s", path)
	}
	return SortBars(bars), nil
}

// decodedReader wraps f with a UTF-16 decoder when a BOM is present.
func decodedReader(f *os.File) (io.Reader, error) {
	br := bufio.NewReader(f)
	head, _ := br.Peek(2)
	if len(head) >= 2 && ((head[0] == 0xFF && head[1] == 0xFE) || (head[0] == 0xFE && head[1] == 0xFF)) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		endian := unicode.LittleEndian
		if head[0] == 0xFE {
			endian = unicode.BigEndian
		}
		return transform.NewReader(f, unicode.UTF16(endian, unicode.ExpectBOM).NewDecoder()), nil
	}
	return br, nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// WriteCSV writes bars in the canonical column order, suitable for
// re-loading with LoadCSV.
func WriteCSV(path string, bars []Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "timestamp_ms,open,high,low,close,volume")
	for _, b := range bars {
		fmt.Fprintf(w, "%d,%s,%s,%s,%s,%s\n", b.Timestamp,
			formatPx(b.Open), formatPx(b.High), formatPx(b.Low), formatPx(b.Close), formatPx(b.Volume))
	}
	return w.Flush()
}

func formatPx(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
