// Package metrics aggregates a finished run into the headline
// performance numbers. Money totals are summed as decimals so the
// report does not accumulate float error; ratios stay float64.
package metrics

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"confluxtrader/services/engine"
)

const msPerYear = 365.25 * 24 * 60 * 60 * 1000

// Summary is the performance report for one run.
type Summary struct {
	Symbol      string  `json:"symbol"`
	Bars        int     `json:"bars"`
	InitialCash float64 `json:"initial_cash"`
	FinalEquity float64 `json:"final_equity"`
	Return      float64 `json:"return"`
	CAGR        float64 `json:"cagr"`

	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`

	NetPnL      decimal.Decimal `json:"net_pnl"`
	GrossProfit decimal.Decimal `json:"gross_profit"`
	GrossLoss   decimal.Decimal `json:"gross_loss"`
	Fees        decimal.Decimal `json:"fees"`

	// ProfitFactor is zero when the run has no losing trades.
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"`

	MaxDrawdown float64 `json:"max_drawdown"`
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
}

// Compute builds the summary from a backtest result.
func Compute(res engine.Result) Summary {
	s := Summary{
		Symbol:      res.Symbol,
		Bars:        res.BarsProcessed,
		InitialCash: res.InitialCash,
		FinalEquity: res.FinalEquity,
		Trades:      len(res.Trades),
	}
	if res.InitialCash > 0 {
		s.Return = res.FinalEquity/res.InitialCash - 1
	}

	var grossProfit, grossLoss, net, fees decimal.Decimal
	for _, t := range res.Trades {
		pnl := decimal.NewFromFloat(t.PnL)
		net = net.Add(pnl)
		fees = fees.Add(decimal.NewFromFloat(t.Fees))
		if t.PnL > 0 {
			s.Wins++
			grossProfit = grossProfit.Add(pnl)
		} else {
			s.Losses++
			grossLoss = grossLoss.Add(pnl.Neg())
		}
	}
	s.NetPnL = net
	s.GrossProfit = grossProfit
	s.GrossLoss = grossLoss
	s.Fees = fees
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
		s.Expectancy, _ = net.DivRound(decimal.NewFromInt(int64(s.Trades)), 8).Float64()
	}
	if grossLoss.IsPositive() {
		s.ProfitFactor, _ = grossProfit.DivRound(grossLoss, 8).Float64()
	}

	s.MaxDrawdown = maxDrawdown(res.Equity)
	s.CAGR = cagr(res.Equity, res.InitialCash, res.FinalEquity)
	s.Sharpe, s.Sortino = riskAdjusted(res.Equity)
	return s
}

func maxDrawdown(curve []engine.EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := 1 - p.Equity/peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func cagr(curve []engine.EquityPoint, initial, final float64) float64 {
	if len(curve) < 2 || initial <= 0 || final <= 0 {
		return 0
	}
	years := float64(curve[len(curve)-1].Timestamp-curve[0].Timestamp) / msPerYear
	if years <= 0 {
		return 0
	}
	return math.Pow(final/initial, 1/years) - 1
}

// riskAdjusted annualizes Sharpe and Sortino from per-bar equity
// returns, using the curve's dominant bar interval to scale.
func riskAdjusted(curve []engine.EquityPoint) (sharpe, sortino float64) {
	if len(curve) < 3 {
		return 0, 0
	}
	rets := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if prev := curve[i-1].Equity; prev > 0 {
			rets = append(rets, curve[i].Equity/prev-1)
		}
	}
	if len(rets) < 2 {
		return 0, 0
	}

	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	var variance, downVar float64
	var downN int
	for _, r := range rets {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVar += r * r
			downN++
		}
	}
	variance /= float64(len(rets))
	std := math.Sqrt(variance)

	scale := math.Sqrt(periodsPerYear(curve))
	if std > 0 {
		sharpe = mean / std * scale
	}
	if downN > 0 {
		if downStd := math.Sqrt(downVar / float64(len(rets))); downStd > 0 {
			sortino = mean / downStd * scale
		}
	}
	return sharpe, sortino
}

// periodsPerYear derives the annualization factor from the most common
// timestamp step in the curve.
func periodsPerYear(curve []engine.EquityPoint) float64 {
	deltas := make([]int64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if d := curve[i].Timestamp - curve[i-1].Timestamp; d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 252 // daily fallback
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	step := deltas[len(deltas)/2]
	return msPerYear / float64(step)
}
