package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"confluxtrader/services/broker"
	"confluxtrader/services/config"
	"confluxtrader/services/indicator"
	"confluxtrader/services/marketdata"
	"confluxtrader/services/monitoring"
	"confluxtrader/services/risk"
	"confluxtrader/services/shock"
	"confluxtrader/services/strategy"
)

// Live consumes a bar feed and routes real orders through the injected
// broker. Each closed bar triggers one cycle; a cycle that is still in
// flight when the next bar lands wins, and the new bar is skipped.
//
// Fills follow acquire-then-commit: the portfolio is only mutated after
// the broker confirms, so a rejected or timed-out order leaves state
// untouched.
type Live struct {
	decider
	cfg config.Config
	ind indicator.Provider
	det *shock.Detector
	brk broker.Broker
	pf  *Portfolio

	history    []marketdata.Bar
	maxHistory int

	inFlight sync.Mutex
	fatalc   chan error
}

func NewLive(cfg config.Config, brk broker.Broker, log *zap.Logger) (*Live, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ind, err := indicator.New(cfg.Execution.Provider, IndicatorParams(cfg.Indicators))
	if err != nil {
		return nil, err
	}
	warm := cfg.WarmupBars()
	return &Live{
		decider: decider{
			log:   log,
			risk:  risk.NewManager(cfg.Risk, cfg.Stops, log),
			strat: strategy.NewGenerator(cfg.Indicators, cfg.Strategy),
		},
		cfg:        cfg,
		ind:        ind,
		det:        shock.NewDetector(ShockConfig(cfg.Shock)),
		brk:        brk,
		pf:         NewPortfolio(cfg.Execution.InitialCash, cfg.Execution.FeeBps),
		maxHistory: 2 * warm,
		fatalc:     make(chan error, 1),
	}, nil
}

// Portfolio exposes live state for the metrics endpoint and tests.
func (l *Live) Portfolio() *Portfolio { return l.pf }

// Prime seeds the bar history, typically from stored bars, so the
// warm-up window does not have to be re-lived on every restart.
func (l *Live) Prime(bars []marketdata.Bar) {
	l.history = append(l.history, marketdata.SortBars(bars)...)
	l.trimHistory()
}

// Run pulls bars until the feed closes, the context ends, or a cycle
// reports a fatal portfolio error.
func (l *Live) Run(ctx context.Context, feed marketdata.Feed) error {
	for {
		select {
		case err := <-l.fatalc:
			return err
		default:
		}

		bar, err := feed.Next(ctx)
		if err != nil {
			if errors.Is(err, marketdata.ErrFeedClosed) {
				return nil
			}
			return err
		}

		if !l.inFlight.TryLock() {
			monitoring.CyclesSkipped.Inc()
			l.log.Warn("previous cycle still running, skipping bar",
				zap.Int64("timestamp", bar.Timestamp))
			continue
		}
		go func(bar marketdata.Bar) {
			defer l.inFlight.Unlock()
			cctx, cancel := context.WithTimeout(ctx, l.cfg.Live.CycleBudget)
			defer cancel()
			if err := l.Cycle(cctx, bar); err != nil {
				var ie *IdentityError
				if errors.As(err, &ie) {
					select {
					case l.fatalc <- err:
					default:
					}
					return
				}
				monitoring.CyclesFailed.Inc()
				l.log.Error("cycle failed", zap.Int64("timestamp", bar.Timestamp), zap.Error(err))
			}
		}(bar)
	}
}

// Cycle processes one closed bar end to end.
func (l *Live) Cycle(ctx context.Context, bar marketdata.Bar) error {
	monitoring.CyclesTotal.Inc()

	if err := bar.Validate(); err != nil {
		return err
	}
	if n := len(l.history); n > 0 && bar.Timestamp <= l.history[n-1].Timestamp {
		return fmt.Errorf("engine: bar %d not newer than history tail", bar.Timestamp)
	}
	l.history = append(l.history, bar)
	l.trimHistory()

	symbol := l.cfg.Symbol
	l.pf.RollDay(bar.Timestamp)
	l.pf.Mark(symbol, bar.Close)
	defer func() {
		monitoring.Equity.Set(l.pf.Equity())
	}()

	snap, err := l.ind.Compute(l.history)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			l.log.Debug("warming up", zap.Int("bars", len(l.history)))
			return nil
		}
		return err
	}
	shocks := l.det.Assess(l.history)
	monitoring.ShockMultiplier.Set(shocks.Multiplier)

	pi, ok := l.decide(l.pf, symbol, snap, shocks, bar)
	if !ok {
		return nil
	}
	return l.execute(ctx, symbol, pi, bar)
}

// execute routes one intent at the current close. Portfolio state is
// committed only after the broker confirms the fill.
func (l *Live) execute(ctx context.Context, symbol string, pi pendingIntent, bar marketdata.Bar) error {
	qty := pi.quantity
	if pi.side == broker.Buy {
		if max := affordable(l.pf.Cash(), bar.Close, l.cfg.Execution.SlippageBps, l.cfg.Execution.FeeBps); qty > max {
			qty = max
		}
		if qty < 1 {
			return nil
		}
	}

	fill, err := l.brk.Execute(ctx, broker.Intent{
		Symbol:    symbol,
		Side:      pi.side,
		Quantity:  qty,
		Type:      broker.Market,
		RefPrice:  bar.Close,
		Timestamp: bar.Timestamp,
	})
	if err != nil {
		if re, ok := broker.AsReject(err); ok {
			l.log.Warn("order rejected",
				zap.String("symbol", symbol),
				zap.String("side", string(pi.side)),
				zap.String("reason", string(re.Reason)))
			return nil
		}
		return err
	}

	if pi.side == broker.Sell {
		trade, err := l.pf.ApplySell(symbol, fill, pi.reason)
		if err != nil {
			return err
		}
		l.log.Info("position closed",
			zap.String("symbol", symbol),
			zap.Float64("exit", trade.ExitPrice),
			zap.Float64("pnl", trade.PnL),
			zap.String("reason", trade.Reason))
		return nil
	}

	stop := l.risk.StopPolicy(pi.volShock).Initial(fill.Price, pi.atr)
	target := l.risk.TakeProfit(fill.Price, stop)
	if err := l.pf.ApplyBuy(symbol, fill, stop, target); err != nil {
		return err
	}
	l.log.Info("position opened",
		zap.String("symbol", symbol),
		zap.Int64("quantity", fill.Quantity),
		zap.Float64("entry", fill.Price),
		zap.Float64("stop", stop),
		zap.Float64("target", target))
	return nil
}

func (l *Live) trimHistory() {
	if len(l.history) > l.maxHistory {
		l.history = append(l.history[:0], l.history[len(l.history)-l.maxHistory:]...)
	}
}
