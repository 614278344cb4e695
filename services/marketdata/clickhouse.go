package marketdata

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// StoreConfig locates the canonical OHLCV table.
type StoreConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// Store reads historical bars from ClickHouse.
type Store struct {
	conn  driver.Conn
	table string
}

func NewStore(cfg StoreConfig) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "bars"
	}
	return &Store{conn: conn, table: table}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Bars returns bars for symbol with open time in [fromMs, toMs),
// ordered by open time ascending.
func (s *Store) Bars(ctx context.Context, symbol string, fromMs, toMs int64) ([]Bar, error) {
	query := fmt.Sprintf(`
		SELECT open_time_ms,
		       toFloat64(open), toFloat64(high), toFloat64(low), toFloat64(close),
		       toFloat64(volume)
		FROM %s
		WHERE symbol = ? AND open_time_ms >= ? AND open_time_ms < ?
		ORDER BY open_time_ms`, s.table)

	rows, err := s.conn.Query(ctx, query, symbol, uint64(fromMs), uint64(toMs))
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var ts uint64
		var b Bar
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = int64(ts)
		if b.Validate() != nil {
			continue
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bars, nil
}

// InsertBars appends bars for symbol using a batched insert.
func (s *Store) InsertBars(ctx context.Context, symbol string, bars []Bar) error {
	batch, err := s.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s (symbol, open_time_ms, open, high, low, close, volume)", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, b := range bars {
		if err := batch.Append(symbol, uint64(b.Timestamp), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("append bar %d: %w", b.Timestamp, err)
		}
	}
	return batch.Send()
}
