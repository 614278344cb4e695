package broker

import (
	"context"
	"fmt"
)

// Sim fills every intent at its reference price shifted by a fixed
// slippage, always against the caller: buys fill higher, sells lower.
// Deterministic by construction so backtests replay identically.
type Sim struct {
	SlippageBps float64
}

func NewSim(slippageBps float64) *Sim { return &Sim{SlippageBps: slippageBps} }

func (s *Sim) Execute(_ context.Context, intent Intent) (Fill, error) {
	if intent.Quantity <= 0 {
		return Fill{}, &RejectError{Reason: ReasonRejected, Msg: fmt.Sprintf("non-positive quantity %d", intent.Quantity)}
	}
	if intent.RefPrice <= 0 {
		return Fill{}, &RejectError{Reason: ReasonRejected, Msg: "missing reference price"}
	}
	slip := s.SlippageBps / 10000.0
	price := intent.RefPrice
	if intent.Side == Buy {
		price *= 1 + slip
	} else {
		price *= 1 - slip
	}
	return Fill{Price: price, Quantity: intent.Quantity, Timestamp: intent.Timestamp}, nil
}
