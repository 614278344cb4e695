// Package broker defines the order-routing boundary. The engine hands
// over an intent and receives either a confirmed fill or a terminal
// failure for the cycle; retries are the collaborator's concern.
package broker

import (
	"context"
	"errors"
	"fmt"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Market OrderType = "MARKET"
	Stop   OrderType = "STOP"
)

// Intent is a sized order request. RefPrice is the price the decision
// was made against; simulators fill relative to it.
type Intent struct {
	Symbol    string
	Side      Side
	Quantity  int64
	Type      OrderType
	StopPrice float64
	RefPrice  float64
	Timestamp int64
}

// Fill is a confirmed execution.
type Fill struct {
	Price     float64
	Quantity  int64
	Timestamp int64
}

// Reason classifies terminal order failures.
type Reason string

const (
	ReasonRejected          Reason = "rejected"
	ReasonTimeout           Reason = "timeout"
	ReasonInsufficientFunds Reason = "insufficient-funds"
	ReasonMarketClosed      Reason = "market-closed"
)

// RejectError is returned for every failed order; the engine treats
// all reasons as terminal for the cycle.
type RejectError struct {
	Reason Reason
	Msg    string
}

func (e *RejectError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("order %s", e.Reason)
	}
	return fmt.Sprintf("order %s: %s", e.Reason, e.Msg)
}

// AsReject extracts a RejectError if err carries one.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Broker routes one intent and blocks until the venue answers.
type Broker interface {
	Execute(ctx context.Context, intent Intent) (Fill, error)
}
