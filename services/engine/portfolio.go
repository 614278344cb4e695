// Package engine drives the bar-by-bar decision loop: it owns the
// portfolio state machine and runs the fixed per-bar pipeline of
// indicators, shock assessment, risk checks, signal evaluation and
// order routing, in both backtest and live modes.
package engine

import (
	"fmt"
	"math"

	"confluxtrader/services/broker"
)

// msPerDay slots timestamps into UTC trading days.
const msPerDay int64 = 24 * 60 * 60 * 1000

// identityTolerance is the relative tolerance for the cash/position
// accounting check. Violations are fatal for the run.
const identityTolerance = 1e-6

// Position is an open long holding. Stops and targets live here, not
// in the risk manager, so the portfolio is the single source of truth
// for open state.
type Position struct {
	Symbol         string
	Quantity       int64
	EntryPrice     float64
	EntryTime      int64
	EntryFee       float64
	StopLoss       float64
	TakeProfit     float64
	TrailingActive bool
}

// Trade is one completed round trip. PnL is net of both fees.
type Trade struct {
	Symbol     string
	Quantity   int64
	EntryTime  int64
	EntryPrice float64
	ExitTime   int64
	ExitPrice  float64
	Fees       float64
	PnL        float64
	Reason     string
}

// EquityPoint samples total equity after a bar is fully processed.
type EquityPoint struct {
	Timestamp int64
	Equity    float64
}

// IdentityError reports a broken accounting identity. The engine
// aborts the symbol on sight; continuing past corrupted books only
// produces garbage results.
type IdentityError struct {
	Timestamp int64
	Expected  float64
	Actual    float64
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("engine: accounting identity violated at %d: expected equity %.8f, got %.8f",
		e.Timestamp, e.Expected, e.Actual)
}

// Portfolio tracks cash, open positions and the daily loss ledger.
// Every fill must flow through ApplyBuy/ApplySell so the identity
// cash + Σ quantity×mark = equity is verified after each mutation.
type Portfolio struct {
	cash      float64
	feeBps    float64
	positions map[string]*Position
	marks     map[string]float64

	trades []Trade
	curve  []EquityPoint

	day            int64
	dayOpenEquity  float64
	dayRealizedPnL float64
}

func NewPortfolio(initialCash, feeBps float64) *Portfolio {
	return &Portfolio{
		cash:      initialCash,
		feeBps:    feeBps,
		positions: make(map[string]*Position),
		marks:     make(map[string]float64),
		day:       -1,
	}
}

// Equity is cash plus every open position marked at its last close.
func (p *Portfolio) Equity() float64 {
	eq := p.cash
	for sym, pos := range p.positions {
		eq += float64(pos.Quantity) * p.marks[sym]
	}
	return eq
}

func (p *Portfolio) Cash() float64             { return p.cash }
func (p *Portfolio) Trades() []Trade           { return p.trades }
func (p *Portfolio) EquityCurve() []EquityPoint { return p.curve }
func (p *Portfolio) OpenPositions() int        { return len(p.positions) }
func (p *Portfolio) DayRealizedPnL() float64   { return p.dayRealizedPnL }
func (p *Portfolio) DayOpenEquity() float64    { return p.dayOpenEquity }

// Position returns the open position for symbol, if any.
func (p *Portfolio) Position(symbol string) (*Position, bool) {
	pos, ok := p.positions[symbol]
	return pos, ok
}

// Mark updates the valuation price for symbol.
func (p *Portfolio) Mark(symbol string, price float64) {
	p.marks[symbol] = price
}

// RecordEquity appends a curve sample for a fully processed bar.
func (p *Portfolio) RecordEquity(ts int64) {
	p.curve = append(p.curve, EquityPoint{Timestamp: ts, Equity: p.Equity()})
}

// RollDay resets the daily loss ledger on the first bar of each UTC
// day. Day-open equity is the equity carried in from the prior close.
func (p *Portfolio) RollDay(ts int64) bool {
	day := ts / msPerDay
	if day == p.day {
		return false
	}
	p.day = day
	p.dayOpenEquity = p.Equity()
	p.dayRealizedPnL = 0
	return true
}

// Fee is the commission charged on a notional amount.
func (p *Portfolio) Fee(notional float64) float64 {
	return math.Abs(notional) * p.feeBps / 10_000
}

// ApplyBuy commits a confirmed entry fill. Opening a position converts
// cash into marked inventory at the fill price, so equity should move
// by exactly the fee; anything else means the books are corrupted.
func (p *Portfolio) ApplyBuy(symbol string, fill broker.Fill, stop, target float64) error {
	before := p.Equity()
	notional := fill.Price * float64(fill.Quantity)
	fee := p.Fee(notional)

	p.cash -= notional + fee
	p.positions[symbol] = &Position{
		Symbol:     symbol,
		Quantity:   fill.Quantity,
		EntryPrice: fill.Price,
		EntryTime:  fill.Timestamp,
		EntryFee:   fee,
		StopLoss:   stop,
		TakeProfit: target,
	}
	p.marks[symbol] = fill.Price

	return p.checkIdentity(before-fee, fill.Timestamp)
}

// ApplySell commits a confirmed exit fill, realizes the trade and
// updates the daily ledger. The expected equity move is the fee plus
// the re-mark from the last valuation price to the fill price.
func (p *Portfolio) ApplySell(symbol string, fill broker.Fill, reason string) (Trade, error) {
	pos, ok := p.positions[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("engine: sell without position for %s", symbol)
	}
	before := p.Equity()
	notional := fill.Price * float64(fill.Quantity)
	fee := p.Fee(notional)
	remark := float64(pos.Quantity) * (fill.Price - p.marks[symbol])

	p.cash += notional - fee
	delete(p.positions, symbol)
	delete(p.marks, symbol)

	fees := pos.EntryFee + fee
	pnl := (fill.Price-pos.EntryPrice)*float64(fill.Quantity) - fees
	trade := Trade{
		Symbol:     symbol,
		Quantity:   fill.Quantity,
		EntryTime:  pos.EntryTime,
		EntryPrice: pos.EntryPrice,
		ExitTime:   fill.Timestamp,
		ExitPrice:  fill.Price,
		Fees:       fees,
		PnL:        pnl,
		Reason:     reason,
	}
	p.trades = append(p.trades, trade)
	p.dayRealizedPnL += pnl

	if err := p.checkIdentity(before-fee+remark, fill.Timestamp); err != nil {
		return trade, err
	}
	return trade, nil
}

func (p *Portfolio) checkIdentity(expected float64, ts int64) error {
	actual := p.Equity()
	scale := math.Max(1, math.Abs(expected))
	if math.Abs(actual-expected) > identityTolerance*scale {
		return &IdentityError{Timestamp: ts, Expected: expected, Actual: actual}
	}
	return nil
}
