// Command ingest loads an OHLCV CSV and appends it to the canonical
// ClickHouse bar table.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"confluxtrader/services/config"
	"confluxtrader/services/marketdata"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional)")
	csvPath := flag.String("csv", "", "Input CSV (timestamp_ms,open,high,low,close,volume)")
	symbol := flag.String("symbol", "", "Symbol to tag rows with (defaults to config symbol)")
	flag.Parse()

	log, err := zap.NewProductionConfig().Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *csvPath == "" {
		log.Fatal("missing -csv")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	sym := *symbol
	if sym == "" {
		sym = cfg.Symbol
	}

	bars, err := marketdata.LoadCSV(*csvPath)
	if err != nil {
		log.Fatal("load csv", zap.Error(err))
	}
	bars = marketdata.SortBars(bars)
	if len(bars) == 0 {
		log.Fatal("no valid bars in input", zap.String("csv", *csvPath))
	}

	store, err := marketdata.NewStore(cfg.ClickHouse)
	if err != nil {
		log.Fatal("clickhouse", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	const batchSize = 50_000
	total := 0
	for len(bars) > 0 {
		n := batchSize
		if n > len(bars) {
			n = len(bars)
		}
		if err := store.InsertBars(ctx, sym, bars[:n]); err != nil {
			log.Error("insert batch", zap.Int("inserted", total), zap.Error(err))
			os.Exit(1)
		}
		total += n
		bars = bars[n:]
	}
	log.Info("ingest complete",
		zap.String("symbol", sym),
		zap.Int("bars", total))
}
