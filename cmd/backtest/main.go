// Command backtest replays stored bars for one symbol through the
// decision engine and prints the performance summary. Bars come from a
// local CSV or from ClickHouse.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"confluxtrader/services/config"
	"confluxtrader/services/engine"
	"confluxtrader/services/marketdata"
	"confluxtrader/services/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	csvPath := flag.String("csv", "", "Path to local OHLCV CSV; if set, skip ClickHouse")
	symbol := flag.String("symbol", "", "Trading symbol (overrides config)")
	from := flag.String("from", "2020-01-01 00:00:00", "Start UTC (YYYY-MM-DD HH:MM:SS), ClickHouse only")
	to := flag.String("to", "2026-01-01 00:00:00", "End UTC (YYYY-MM-DD HH:MM:SS), ClickHouse only")
	tradesOut := flag.String("trades-out", "", "Write the trade log CSV to this path")
	equityOut := flag.String("equity-out", "", "Write the equity curve CSV to this path")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if *symbol != "" {
		cfg.Symbol = *symbol
	}

	ctx := context.Background()
	bars, err := loadBars(ctx, cfg, *csvPath, *from, *to)
	if err != nil {
		logger.Fatal("load bars", zap.Error(err))
	}
	logger.Info("bars loaded", zap.String("symbol", cfg.Symbol), zap.Int("count", len(bars)))
	if step := marketdata.DetectCadence(bars); step > 0 {
		if gaps := marketdata.DetectGaps(bars, step); len(gaps) > 0 {
			logger.Warn("series has gaps",
				zap.Int64("cadence_ms", step),
				zap.Int("gaps", len(gaps)),
				zap.Int64("first_after_ms", gaps[0]))
		}
	}

	bt, err := engine.NewBacktest(cfg, logger)
	if err != nil {
		logger.Fatal("engine", zap.Error(err))
	}
	started := time.Now()
	res, err := bt.Run(ctx, cfg.Symbol, bars)
	if err != nil {
		logger.Fatal("backtest", zap.Error(err))
	}

	sum := metrics.Compute(res)
	logger.Info("backtest finished",
		zap.String("symbol", sum.Symbol),
		zap.Int("bars", sum.Bars),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("trades", sum.Trades),
		zap.Float64("win_rate", sum.WinRate),
		zap.String("net_pnl", sum.NetPnL.StringFixed(2)),
		zap.Float64("return", sum.Return),
		zap.Float64("cagr", sum.CAGR),
		zap.Float64("max_drawdown", sum.MaxDrawdown),
		zap.Float64("sharpe", sum.Sharpe),
		zap.Float64("sortino", sum.Sortino),
		zap.Float64("profit_factor", sum.ProfitFactor),
		zap.Float64("final_equity", sum.FinalEquity),
	)

	if *tradesOut != "" {
		if err := writeTrades(*tradesOut, res.Trades); err != nil {
			logger.Fatal("write trades", zap.Error(err))
		}
	}
	if *equityOut != "" {
		if err := writeEquity(*equityOut, res.Equity); err != nil {
			logger.Fatal("write equity", zap.Error(err))
		}
	}
}

func newLogger(verbose bool) *zap.Logger {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	return logger
}

func loadBars(ctx context.Context, cfg config.Config, csvPath, from, to string) ([]marketdata.Bar, error) {
	if csvPath != "" {
		return marketdata.LoadCSV(csvPath)
	}
	fromMs, err := parseUTC(from)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	toMs, err := parseUTC(to)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	store, err := marketdata.NewStore(cfg.ClickHouse)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Bars(ctx, cfg.Symbol, fromMs, toMs)
}

func parseUTC(s string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func writeTrades(path string, trades []engine.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"symbol", "quantity", "entry_time_ms", "entry_price",
		"exit_time_ms", "exit_price", "fees", "pnl", "reason"}); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Symbol,
			strconv.FormatInt(t.Quantity, 10),
			strconv.FormatInt(t.EntryTime, 10),
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			strconv.FormatInt(t.ExitTime, 10),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(t.Fees, 'f', -1, 64),
			strconv.FormatFloat(t.PnL, 'f', -1, 64),
			t.Reason,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeEquity(path string, curve []engine.EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"timestamp_ms", "equity"}); err != nil {
		return err
	}
	for _, p := range curve {
		row := []string{
			strconv.FormatInt(p.Timestamp, 10),
			strconv.FormatFloat(p.Equity, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
