package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluxtrader/services/broker"
	"confluxtrader/services/config"
	"confluxtrader/services/indicator"
	"confluxtrader/services/marketdata"
	"confluxtrader/services/shock"
	"confluxtrader/services/strategy"
)

// testConfig loosens the entry gate so synthetic waves actually trade:
// short lookbacks, a permissive RSI bound, and no strength floor. The
// engine mechanics under test do not depend on how picky the strategy
// is.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Indicators.EMAPeriod = 10
	cfg.Indicators.SupertrendPeriod = 5
	cfg.Indicators.SupertrendMultiplier = 0.5
	cfg.Indicators.RSIOversold = 100
	cfg.Indicators.RSIShockOversold = 100
	cfg.Strategy.MinStrength = 0
	cfg.Strategy.ShockMinStrength = 0
	cfg.Execution.Provider = "series"
	return cfg
}

// trendingWave drifts upward with a strong swing so MACD crosses, stop
// hits and take-profit hits all occur.
func trendingWave(n int) []marketdata.Bar {
	bars := make([]marketdata.Bar, 0, n)
	for i := 0; i < n; i++ {
		mid := 100 * (1 + 0.001*float64(i)) * (1 + 0.08*math.Sin(float64(i)/6))
		open := mid * 0.999
		close := mid * (1 + 0.002*math.Cos(float64(i)/2.5))
		hi := math.Max(open, close) * 1.004
		lo := math.Min(open, close) * 0.996
		bars = append(bars, marketdata.Bar{
			Timestamp: int64(i) * 60_000,
			Open:      open,
			High:      hi,
			Low:       lo,
			Close:     close,
			Volume:    1000,
		})
	}
	return bars
}

func TestBacktestIsDeterministic(t *testing.T) {
	cfg := testConfig()
	bars := trendingWave(500)

	run := func() Result {
		bt, err := NewBacktest(cfg, nil)
		require.NoError(t, err)
		res, err := bt.Run(context.Background(), cfg.Symbol, bars)
		require.NoError(t, err)
		return res
	}

	first := run()
	second := run()

	require.NotEmpty(t, first.Trades, "the wave series must produce trades")
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.Equity, second.Equity)
	assert.Equal(t, first.FinalEquity, second.FinalEquity)
}

func TestBacktestProviderParity(t *testing.T) {
	bars := trendingWave(500)

	results := make(map[string]Result)
	for _, provider := range []string{"series", "stream"} {
		cfg := testConfig()
		cfg.Execution.Provider = provider
		bt, err := NewBacktest(cfg, nil)
		require.NoError(t, err)
		res, err := bt.Run(context.Background(), cfg.Symbol, bars)
		require.NoError(t, err)
		results[provider] = res
	}
	assert.Equal(t, results["series"].Trades, results["stream"].Trades)
	assert.Equal(t, results["series"].FinalEquity, results["stream"].FinalEquity)
}

// Decisions may only depend on bars at or before the decision bar. A
// catastrophic tail appended to the series must not change anything
// decided before it.
func TestBacktestHasNoLookAhead(t *testing.T) {
	cfg := testConfig()
	bars := trendingWave(500)
	cut := 400
	cutoffTs := bars[cut-1].Timestamp

	btA, err := NewBacktest(cfg, nil)
	require.NoError(t, err)
	prefix, err := btA.Run(context.Background(), cfg.Symbol, bars[:cut])
	require.NoError(t, err)

	poisoned := append([]marketdata.Bar{}, bars[:cut]...)
	price := bars[cut-1].Close
	for i := cut; i < len(bars); i++ {
		price *= 0.90 // crash no indicator should see in advance
		poisoned = append(poisoned, marketdata.Bar{
			Timestamp: int64(i) * 60_000,
			Open:      price / 0.95,
			High:      price / 0.94,
			Low:       price * 0.99,
			Close:     price,
			Volume:    9000,
		})
	}
	btB, err := NewBacktest(cfg, nil)
	require.NoError(t, err)
	full, err := btB.Run(context.Background(), cfg.Symbol, poisoned)
	require.NoError(t, err)

	var before []Trade
	for _, tr := range full.Trades {
		if tr.ExitTime <= cutoffTs {
			before = append(before, tr)
		}
	}
	var want []Trade
	for _, tr := range prefix.Trades {
		if tr.ExitTime <= cutoffTs {
			want = append(want, tr)
		}
	}
	assert.Equal(t, want, before)
	require.GreaterOrEqual(t, len(full.Equity), cut)
	assert.Equal(t, prefix.Equity[:cut-1], full.Equity[:cut-1])
}

func TestBacktestRejectsEmptyInput(t *testing.T) {
	bt, err := NewBacktest(testConfig(), nil)
	require.NoError(t, err)
	_, err = bt.Run(context.Background(), "BTCUSDT", nil)
	assert.Error(t, err)
}

func TestBacktestDropsInvalidBars(t *testing.T) {
	cfg := testConfig()
	bars := trendingWave(100)
	bars[40].Close = math.NaN()
	bars[41].High, bars[41].Low = bars[41].Low, bars[41].High

	bt, err := NewBacktest(cfg, nil)
	require.NoError(t, err)
	res, err := bt.Run(context.Background(), cfg.Symbol, bars)
	require.NoError(t, err)
	assert.Equal(t, 98, res.BarsProcessed)
}

// --- decide-level coverage ---

func flatBar(ts int64, close float64) marketdata.Bar {
	return marketdata.Bar{Timestamp: ts, Open: close, High: close * 1.005, Low: close * 0.995, Close: close, Volume: 1000}
}

// confluenceSnapshot satisfies every entry predicate at close 100.
func confluenceSnapshot() indicator.Snapshot {
	return indicator.Snapshot{
		RSI:               20,
		MACDLine:          1.0,
		MACDSignal:        0.5,
		PrevMACDLine:      0.4,
		PrevMACDSignal:    0.5,
		SupertrendValue:   90,
		SupertrendDir:     1,
		PrevSupertrendDir: 1,
		EMATrend:          95,
		ATR:               1.5,
	}
}

func newDecider(t *testing.T, cfg config.Config) *Backtest {
	t.Helper()
	bt, err := NewBacktest(cfg, nil)
	require.NoError(t, err)
	return bt
}

// seedPosition installs an open long with books that satisfy the
// accounting identity.
func seedPosition(pf *Portfolio, symbol string, qty int64, entry, stop, target float64) *Position {
	pos := &Position{Symbol: symbol, Quantity: qty, EntryPrice: entry, StopLoss: stop, TakeProfit: target}
	pf.positions[symbol] = pos
	pf.marks[symbol] = entry
	pf.cash -= float64(qty) * entry
	return pos
}

func TestDecideSizesEntryWithMultiplierAndReduction(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.ShockMinStrength = 0 // isolate sizing from the strength gate
	bt := newDecider(t, cfg)
	pf := NewPortfolio(100_000, 0)

	bar := flatBar(60_000, 100)
	calm := shock.Assessment{Multiplier: 1}

	pi, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), calm, bar)
	require.True(t, ok)
	assert.Equal(t, broker.Buy, pi.side)
	// 2% risk on 100k over a 2.00 stop distance is 1000 shares, capped
	// by the 10% notional limit to 100.
	assert.Equal(t, int64(100), pi.quantity)

	shocked := shock.Assessment{
		Events:     []shock.Event{{Kind: shock.KindVolume, Magnitude: 4}, {Kind: shock.KindGap, Magnitude: 0.03}},
		Multiplier: 0.8 * 0.5,
		ReduceSize: true,
	}
	pi, ok = bt.decide(pf, "BTCUSDT", confluenceSnapshot(), shocked, bar)
	require.True(t, ok)
	// 0.4 multiplier sizes 400 shares, the cap trims to 100, then the
	// reduction halves it.
	assert.Equal(t, int64(50), pi.quantity)
}

func TestDecideVolatilityShockTightensStop(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.ShockMinStrength = 0
	bt := newDecider(t, cfg)
	pf := NewPortfolio(100_000, 0)
	bar := flatBar(60_000, 100)

	vol := shock.Assessment{
		Events:     []shock.Event{{Kind: shock.KindVolatility, Magnitude: 0.06}},
		Multiplier: 0.6,
	}
	pi, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), vol, bar)
	require.True(t, ok)
	assert.True(t, pi.volShock)

	// The tightened stop distance (1.5%) raises the per-share risk
	// quotient: 0.6*2000/1.5 = 800, capped to 100.
	assert.Equal(t, int64(100), pi.quantity)
}

func TestDecideEmergencyExitPreemptsEverything(t *testing.T) {
	bt := newDecider(t, config.Default())
	pf := NewPortfolio(100_000, 0)
	seedPosition(pf, "BTCUSDT", 10, 100, 98, 104)

	a := shock.Assessment{
		Events:     []shock.Event{{Kind: shock.KindGap, Magnitude: 0.07}},
		Multiplier: 0.5,
		ExitAll:    true,
	}
	pi, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), a, flatBar(60_000, 100))
	require.True(t, ok)
	assert.Equal(t, broker.Sell, pi.side)
	assert.Equal(t, "market shock", pi.reason)
	assert.Equal(t, int64(10), pi.quantity)
}

func TestDecideEmergencyShockBlocksEntries(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.ShockMinStrength = 0
	bt := newDecider(t, cfg)
	pf := NewPortfolio(100_000, 0)

	// Full confluence with a flat book: without the shock the cycle
	// would queue a buy, with ExitAll set it must hold.
	a := shock.Assessment{
		Events:     []shock.Event{{Kind: shock.KindGap, Magnitude: 0.08}},
		Multiplier: 0.5,
		ExitAll:    true,
	}
	_, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), a, flatBar(60_000, 100))
	assert.False(t, ok)

	calm := shock.Assessment{Multiplier: 1}
	pi, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), calm, flatBar(60_000, 100))
	require.True(t, ok)
	assert.Equal(t, broker.Buy, pi.side)
}

type staticAdvisory struct{ in strategy.AdvisoryInput }

func (a staticAdvisory) Advise(string) strategy.AdvisoryInput { return a.in }

func TestDecideAdvisoryVetoesEntriesOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.ShockMinStrength = 0
	bt := newDecider(t, cfg)
	bt.SetAdvisory(staticAdvisory{strategy.AdvisoryInput{
		Avoid: true, Score: -0.8, Reason: "earnings in 2 days",
	}})

	calm := shock.Assessment{Multiplier: 1}
	bar := flatBar(60_000, 100)

	pf := NewPortfolio(100_000, 0)
	_, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), calm, bar)
	assert.False(t, ok)

	// A held position is unaffected: the stop breach still exits.
	seedPosition(pf, "BTCUSDT", 10, 100, 98, 104)
	stopBar := marketdata.Bar{Timestamp: 120_000, Open: 99, High: 99, Low: 97, Close: 98.5, Volume: 1}
	pi, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), calm, stopBar)
	require.True(t, ok)
	assert.Equal(t, broker.Sell, pi.side)
	assert.Equal(t, "stop loss", pi.reason)

	bt.SetAdvisory(staticAdvisory{strategy.AdvisoryInput{Score: 0.4}})
	flat := NewPortfolio(100_000, 0)
	pi, ok = bt.decide(flat, "BTCUSDT", confluenceSnapshot(), calm, bar)
	require.True(t, ok)
	assert.Equal(t, broker.Buy, pi.side)
}

func TestDecideStopAndTargetBreaches(t *testing.T) {
	bt := newDecider(t, config.Default())
	calm := shock.Assessment{Multiplier: 1}
	snap := indicator.Snapshot{RSI: 50, SupertrendDir: 1, PrevSupertrendDir: 1, EMATrend: 90,
		MACDLine: 1, MACDSignal: 0.5, PrevMACDLine: 0.9, PrevMACDSignal: 0.5}

	t.Run("stop breach", func(t *testing.T) {
		pf := NewPortfolio(100_000, 0)
		seedPosition(pf, "BTCUSDT", 10, 100, 98, 110)
		bar := marketdata.Bar{Timestamp: 60_000, Open: 99, High: 100, Low: 97.9, Close: 99, Volume: 100}
		pi, ok := bt.decide(pf, "BTCUSDT", snap, calm, bar)
		require.True(t, ok)
		assert.Equal(t, broker.Sell, pi.side)
		assert.Equal(t, "stop loss", pi.reason)
	})
	t.Run("target breach", func(t *testing.T) {
		pf := NewPortfolio(100_000, 0)
		seedPosition(pf, "BTCUSDT", 10, 100, 98, 104)
		bar := marketdata.Bar{Timestamp: 60_000, Open: 103, High: 104.2, Low: 102.5, Close: 103.5, Volume: 100}
		pi, ok := bt.decide(pf, "BTCUSDT", snap, calm, bar)
		require.True(t, ok)
		assert.Equal(t, "take profit", pi.reason)
	})
	t.Run("no breach holds", func(t *testing.T) {
		pf := NewPortfolio(100_000, 0)
		seedPosition(pf, "BTCUSDT", 10, 100, 98, 110)
		bar := marketdata.Bar{Timestamp: 60_000, Open: 101, High: 102, Low: 100, Close: 101.5, Volume: 100}
		_, ok := bt.decide(pf, "BTCUSDT", snap, calm, bar)
		assert.False(t, ok)
	})
}

func TestDecideTrailingRatchet(t *testing.T) {
	bt := newDecider(t, config.Default())
	pf := NewPortfolio(100_000, 0)
	pos := seedPosition(pf, "BTCUSDT", 10, 100, 98, 120)
	calm := shock.Assessment{Multiplier: 1}
	snap := indicator.Snapshot{RSI: 50, SupertrendDir: 1, PrevSupertrendDir: 1, EMATrend: 90,
		MACDLine: 1, MACDSignal: 0.5, PrevMACDLine: 0.9, PrevMACDSignal: 0.5}

	// +4% close activates the trail and lifts the stop.
	bar := marketdata.Bar{Timestamp: 60_000, Open: 103, High: 104.5, Low: 102.5, Close: 104, Volume: 100}
	_, ok := bt.decide(pf, "BTCUSDT", snap, calm, bar)
	assert.False(t, ok)
	assert.True(t, pos.TrailingActive)
	assert.InDelta(t, 104*(1-0.015), pos.StopLoss, 1e-9)

	// A lower close never lowers the stop.
	prev := pos.StopLoss
	bar = marketdata.Bar{Timestamp: 120_000, Open: 103.5, High: 103.8, Low: 102.8, Close: 103, Volume: 100}
	_, ok = bt.decide(pf, "BTCUSDT", snap, calm, bar)
	assert.False(t, ok)
	assert.Equal(t, prev, pos.StopLoss)
}

func TestDecideHonorsDailyHalt(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.MinStrength = 0
	bt := newDecider(t, cfg)
	pf := NewPortfolio(100_000, 0)
	pf.RollDay(60_000)
	pf.dayRealizedPnL = -5_000 // at the 5% kill switch

	_, ok := bt.decide(pf, "BTCUSDT", confluenceSnapshot(), shock.Assessment{Multiplier: 1}, flatBar(60_000, 100))
	assert.False(t, ok, "no entries after the daily loss limit")
}

func TestAffordableQuantity(t *testing.T) {
	assert.Equal(t, int64(99), affordable(10_000, 100, 50, 50), "1% round-trip cost buffer")
	assert.Equal(t, int64(100), affordable(10_000, 100, 0, 0))
	assert.Equal(t, int64(0), affordable(10_000, 0, 0, 0))
	assert.Equal(t, int64(0), affordable(50, 100, 0, 0))
}
