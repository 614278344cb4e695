package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"confluxtrader/services/broker"
	"confluxtrader/services/config"
	"confluxtrader/services/indicator"
	"confluxtrader/services/marketdata"
	"confluxtrader/services/risk"
	"confluxtrader/services/shock"
	"confluxtrader/services/strategy"
)

// Result is one finished backtest run. FinalEquity marks any position
// still open at the last close; it is not force-liquidated.
type Result struct {
	Symbol        string
	InitialCash   float64
	FinalEquity   float64
	BarsProcessed int
	Trades        []Trade
	Equity        []EquityPoint
}

// pendingIntent is a decision taken at a bar close, waiting for the
// next bar's open. Orders never fill on the bar that produced them.
type pendingIntent struct {
	side     broker.Side
	quantity int64
	reason   string
	volShock bool
	atr      float64
}

// decider is the mode-independent decision core: given the newest
// snapshot, shock assessment and bar, it produces at most one intent.
// Backtest and live runs share it so a strategy behaves identically in
// both.
type decider struct {
	log      *zap.Logger
	risk     *risk.Manager
	strat    *strategy.Generator
	advisory strategy.Advisory // optional entry veto
}

// SetAdvisory attaches an external entry veto, consulted only after an
// entry signal fires. Exits never pass through it.
func (b *decider) SetAdvisory(a strategy.Advisory) { b.advisory = a }

// Backtest replays a historical series through the decision pipeline
// with simulated fills. Two runs over the same bars and config produce
// byte-identical results.
type Backtest struct {
	decider
	cfg config.Config
	ind indicator.Provider
	det *shock.Detector
	sim broker.Broker
}

func NewBacktest(cfg config.Config, log *zap.Logger) (*Backtest, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ind, err := indicator.New(cfg.Execution.Provider, IndicatorParams(cfg.Indicators))
	if err != nil {
		return nil, err
	}
	return &Backtest{
		decider: decider{
			log:   log,
			risk:  risk.NewManager(cfg.Risk, cfg.Stops, log),
			strat: strategy.NewGenerator(cfg.Indicators, cfg.Strategy),
		},
		cfg: cfg,
		ind: ind,
		det: shock.NewDetector(ShockConfig(cfg.Shock)),
		sim: broker.NewSim(cfg.Execution.SlippageBps),
	}, nil
}

// IndicatorParams maps the loaded configuration onto provider params.
func IndicatorParams(c config.IndicatorConfig) indicator.Params {
	return indicator.Params{
		RSIPeriod:            c.RSIPeriod,
		MACDFast:             c.MACDFast,
		MACDSlow:             c.MACDSlow,
		MACDSignal:           c.MACDSignal,
		ATRPeriod:            c.ATRPeriod,
		SupertrendPeriod:     c.SupertrendPeriod,
		SupertrendMultiplier: c.SupertrendMultiplier,
		EMAPeriod:            c.EMAPeriod,
	}
}

// ShockConfig maps the loaded configuration onto detector thresholds.
func ShockConfig(c config.ShockConfig) shock.Config {
	return shock.Config{
		PriceWindow:         c.PriceWindow,
		StatsWindow:         c.StatsWindow,
		PriceThreshold:      c.PriceThreshold,
		VolumeMultiplier:    c.VolumeMultiplier,
		VolatilityThreshold: c.VolatilityThreshold,
		GapThreshold:        c.GapThreshold,
	}
}

// Run replays bars for one symbol. Invalid bars are dropped up front;
// an accounting identity violation aborts the run with the violating
// bar's timestamp in the error.
func (b *Backtest) Run(ctx context.Context, symbol string, bars []marketdata.Bar) (Result, error) {
	clean := make([]marketdata.Bar, 0, len(bars))
	for _, bar := range bars {
		if err := bar.Validate(); err != nil {
			b.log.Warn("dropping invalid bar", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		clean = append(clean, bar)
	}
	clean = marketdata.SortBars(clean)
	if len(clean) == 0 {
		return Result{}, fmt.Errorf("engine: no usable bars for %s", symbol)
	}

	pf := NewPortfolio(b.cfg.Execution.InitialCash, b.cfg.Execution.FeeBps)
	var pending []pendingIntent

	for i, bar := range clean {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		// The day ledger rolls before any fill so realized PnL lands in
		// the day the fill happens, not the day the decision was made.
		pf.RollDay(bar.Timestamp)

		// Decisions from the previous close fill at this bar's open.
		for _, pi := range pending {
			if err := b.fill(ctx, pf, symbol, pi, bar); err != nil {
				return Result{}, err
			}
		}
		pending = pending[:0]

		pf.Mark(symbol, bar.Close)

		snap, err := b.ind.Compute(clean[: i+1 : i+1])
		if err != nil {
			if errors.Is(err, indicator.ErrInsufficientData) {
				pf.RecordEquity(bar.Timestamp)
				continue
			}
			return Result{}, fmt.Errorf("engine: indicators at %d: %w", bar.Timestamp, err)
		}
		shocks := b.det.Assess(clean[: i+1 : i+1])

		if pi, ok := b.decide(pf, symbol, snap, shocks, bar); ok {
			pending = append(pending, pi)
		}
		pf.RecordEquity(bar.Timestamp)
	}

	return Result{
		Symbol:        symbol,
		InitialCash:   b.cfg.Execution.InitialCash,
		FinalEquity:   pf.Equity(),
		BarsProcessed: len(clean),
		Trades:        pf.Trades(),
		Equity:        pf.EquityCurve(),
	}, nil
}

// decide runs the per-bar pipeline against the bar's close and returns
// at most one intent for the caller's fill discipline to execute.
func (b *decider) decide(pf *Portfolio, symbol string, snap indicator.Snapshot, shocks shock.Assessment, bar marketdata.Bar) (pendingIntent, bool) {
	pos, inPosition := pf.Position(symbol)

	if inPosition {
		if shocks.ExitAll {
			b.log.Warn("extreme market conditions, exiting position",
				zap.String("symbol", symbol),
				zap.Int("shocks", len(shocks.Events)))
			return pendingIntent{side: broker.Sell, quantity: pos.Quantity, reason: "market shock"}, true
		}
		// Protective levels are checked against the bar range before
		// the close can ratchet the trailing stop upward.
		if bar.Low <= pos.StopLoss {
			return pendingIntent{side: broker.Sell, quantity: pos.Quantity, reason: "stop loss"}, true
		}
		if pos.TakeProfit > 0 && bar.High >= pos.TakeProfit {
			return pendingIntent{side: broker.Sell, quantity: pos.Quantity, reason: "take profit"}, true
		}
		pos.StopLoss, pos.TrailingActive = b.risk.UpdateTrailing(
			pos.EntryPrice, pos.StopLoss, bar.Close, pos.TrailingActive)

		if sig := b.strat.Evaluate(symbol, snap, shocks, bar.Close, true); sig.Action == strategy.Exit {
			return pendingIntent{side: broker.Sell, quantity: pos.Quantity, reason: sig.Reason}, true
		}
		return pendingIntent{}, false
	}

	// An emergency shock skips the whole cycle; no entries while the
	// market is in exit-everything territory.
	if shocks.ExitAll {
		b.log.Warn("extreme market conditions, holding flat",
			zap.String("symbol", symbol),
			zap.Int("shocks", len(shocks.Events)))
		return pendingIntent{}, false
	}
	if b.risk.DailyHalted(pf.DayRealizedPnL(), pf.DayOpenEquity()) {
		b.log.Debug("entry blocked",
			zap.String("symbol", symbol),
			zap.Float64("day_realized_pnl", pf.DayRealizedPnL()),
			zap.Error(risk.ErrDailyHalt))
		return pendingIntent{}, false
	}

	sig := b.strat.Evaluate(symbol, snap, shocks, bar.Close, false)
	if sig.Action != strategy.Enter {
		return pendingIntent{}, false
	}
	if b.advisory != nil {
		if adv := b.advisory.Advise(symbol); adv.Avoid {
			b.log.Info("entry vetoed by advisory",
				zap.String("symbol", symbol),
				zap.Float64("score", adv.Score),
				zap.String("reason", adv.Reason))
			return pendingIntent{}, false
		}
	}
	if err := b.risk.CanOpen(pf.OpenPositions(), false); err != nil {
		return pendingIntent{}, false
	}

	volShock := shocks.Has(shock.KindVolatility)
	stop := b.risk.StopPolicy(volShock).Initial(bar.Close, snap.ATR)
	qty, err := b.risk.SizePosition(bar.Close, stop, pf.Equity(), shocks.Multiplier)
	if err != nil {
		b.log.Warn("entry sizing rejected", zap.String("symbol", symbol), zap.Error(err))
		return pendingIntent{}, false
	}
	if shocks.ReduceSize {
		qty /= 2
	}
	if qty < 1 {
		return pendingIntent{}, false
	}
	b.log.Debug("entry queued",
		zap.String("symbol", symbol),
		zap.Int64("quantity", qty),
		zap.Float64("strength", sig.Strength),
		zap.Float64("multiplier", shocks.Multiplier))
	return pendingIntent{side: broker.Buy, quantity: qty, volShock: volShock, atr: snap.ATR, reason: sig.Reason}, true
}

// fill executes one pending intent at the open of bar.
func (b *Backtest) fill(ctx context.Context, pf *Portfolio, symbol string, pi pendingIntent, bar marketdata.Bar) error {
	qty := pi.quantity
	if pi.side == broker.Buy {
		// An overnight gap can make the sized quantity unaffordable;
		// shrink to what cash covers rather than rejecting the entry.
		if max := affordable(pf.Cash(), bar.Open, b.cfg.Execution.SlippageBps, b.cfg.Execution.FeeBps); qty > max {
			qty = max
		}
		if qty < 1 {
			b.log.Warn("entry dropped, insufficient cash at open",
				zap.String("symbol", symbol), zap.Float64("open", bar.Open))
			return nil
		}
	}

	fill, err := b.sim.Execute(ctx, broker.Intent{
		Symbol:    symbol,
		Side:      pi.side,
		Quantity:  qty,
		Type:      broker.Market,
		RefPrice:  bar.Open,
		Timestamp: bar.Timestamp,
	})
	if err != nil {
		if re, ok := broker.AsReject(err); ok {
			b.log.Warn("order rejected", zap.String("symbol", symbol), zap.String("reason", string(re.Reason)))
			return nil
		}
		return err
	}

	if pi.side == broker.Sell {
		trade, err := pf.ApplySell(symbol, fill, pi.reason)
		if err != nil {
			return err
		}
		b.log.Info("position closed",
			zap.String("symbol", symbol),
			zap.Float64("exit", trade.ExitPrice),
			zap.Float64("pnl", trade.PnL),
			zap.String("reason", trade.Reason))
		return nil
	}

	stop := b.risk.StopPolicy(pi.volShock).Initial(fill.Price, pi.atr)
	target := b.risk.TakeProfit(fill.Price, stop)
	if err := pf.ApplyBuy(symbol, fill, stop, target); err != nil {
		return err
	}
	b.log.Info("position opened",
		zap.String("symbol", symbol),
		zap.Int64("quantity", fill.Quantity),
		zap.Float64("entry", fill.Price),
		zap.Float64("stop", stop),
		zap.Float64("target", target))
	return nil
}

// affordable is the largest quantity whose notional, worst-case
// slippage and fee fit within cash.
func affordable(cash, price, slippageBps, feeBps float64) int64 {
	if price <= 0 {
		return 0
	}
	unit := price * (1 + (slippageBps+feeBps)/10_000)
	return int64(math.Floor(cash / unit))
}
