// Command live runs the decision engine against a streaming kline
// feed. Orders route through the guarded broker; with no venue wired
// it paper-trades against the fill simulator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"confluxtrader/services/broker"
	"confluxtrader/services/config"
	"confluxtrader/services/engine"
	"confluxtrader/services/marketdata"
	"confluxtrader/services/monitoring"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	go func() {
		logger.Info("metrics endpoint up", zap.String("addr", cfg.Live.MetricsAddr))
		if err := monitoring.Serve(cfg.Live.MetricsAddr); err != nil {
			logger.Error("metrics endpoint", zap.Error(err))
		}
	}()

	brk := broker.NewGuarded(
		broker.NewSim(cfg.Execution.SlippageBps),
		2*cfg.Live.PollInterval,
		3,
		5*time.Minute,
	)

	live, err := engine.NewLive(cfg, brk, logger)
	if err != nil {
		logger.Fatal("engine", zap.Error(err))
	}
	primeHistory(ctx, cfg, live, logger)

	feed, err := openFeed(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("feed", zap.Error(err))
	}
	defer feed.Close()

	logger.Info("live engine started", zap.String("symbol", cfg.Symbol))
	if err := live.Run(ctx, feed); err != nil && ctx.Err() == nil {
		logger.Fatal("live run", zap.Error(err))
	}
	logger.Info("live engine stopped", zap.Float64("equity", live.Portfolio().Equity()))
}

// openFeed dials the kline websocket when a URL is configured and
// otherwise falls back to polling ClickHouse for the newest closed bar.
func openFeed(ctx context.Context, cfg config.Config, logger *zap.Logger) (marketdata.Feed, error) {
	if cfg.Live.FeedURL != "" {
		ws := marketdata.NewWSFeed(cfg.Live.FeedURL, cfg.Symbol, logger)
		if err := ws.Connect(ctx); err != nil {
			return nil, err
		}
		logger.Info("streaming klines", zap.String("url", cfg.Live.FeedURL))
		return ws, nil
	}

	store, err := marketdata.NewStore(cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("poll fallback needs clickhouse: %w", err)
	}
	logger.Info("no feed url, polling stored bars",
		zap.Duration("interval", cfg.Live.PollInterval))
	return &storePollFeed{
		PollFeed: marketdata.PollFeed{
			Interval: cfg.Live.PollInterval,
			Quote: func(ctx context.Context) (marketdata.Bar, error) {
				to := time.Now().UnixMilli()
				from := to - 2*cfg.Live.PollInterval.Milliseconds()
				bars, err := store.Bars(ctx, cfg.Symbol, from, to)
				if err != nil {
					return marketdata.Bar{}, err
				}
				if len(bars) == 0 {
					return marketdata.Bar{}, nil // no closed bar yet
				}
				return bars[len(bars)-1], nil
			},
		},
		store: store,
	}, nil
}

// storePollFeed ties the backing store's lifetime to the feed's.
type storePollFeed struct {
	marketdata.PollFeed
	store *marketdata.Store
}

func (f *storePollFeed) Close() error { return f.store.Close() }

// primeHistory seeds the warm-up window from stored bars so trading
// can start immediately instead of waiting out hundreds of live bars.
func primeHistory(ctx context.Context, cfg config.Config, live *engine.Live, logger *zap.Logger) {
	store, err := marketdata.NewStore(cfg.ClickHouse)
	if err != nil {
		logger.Warn("history store unavailable, warming up from the feed", zap.Error(err))
		return
	}
	defer store.Close()

	toMs := time.Now().UnixMilli()
	fromMs := toMs - int64(cfg.WarmupBars()+cfg.Shock.StatsWindow)*cfg.Live.PollInterval.Milliseconds()
	bars, err := store.Bars(ctx, cfg.Symbol, fromMs, toMs)
	if err != nil {
		logger.Warn("history load failed, warming up from the feed", zap.Error(err))
		return
	}
	live.Prime(bars)
	logger.Info("history primed", zap.Int("bars", len(bars)))
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
