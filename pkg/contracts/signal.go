// Package contracts defines the shared data model of the arbitration
// pipeline: raw strategy signals, per-cycle market telemetry, the final
// orchestration decision, and the error taxonomy every component reports
// through.
package contracts

import (
	"fmt"
	"strings"
	"time"
)

// Action is the trading action requested by a strategy agent.
type Action string

// Trading action constants.
const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionHold     Action = "HOLD"
	ActionCloseAll Action = "CLOSE_ALL"
)

// Valid reports whether a is one of the four recognized actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionCloseAll:
		return true
	}
	return false
}

// RawSignal is the unauthenticated output of a single strategy agent.
// It carries no provenance; it must pass through the signal.Signer before
// the orchestrator will look at it.
type RawSignal struct {
	Action           Action  `json:"action"`
	Confidence       float64 `json:"confidence"` // [0,1]
	Reasoning        string  `json:"reasoning"`
	TargetAllocation float64 `json:"target_allocation"` // fraction of capital, [0,1]
	Ticker           string  `json:"ticker,omitempty"`
}

// Validate rejects malformed signals with a ValidationError.
// Nothing is coerced: an out-of-range confidence is an error, not a clamp.
func (s RawSignal) Validate() error {
	if !s.Action.Valid() {
		return NewValidationError("action", fmt.Sprintf("unknown action %q", string(s.Action)))
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("confidence %v outside [0,1]", s.Confidence))
	}
	if s.TargetAllocation < 0 || s.TargetAllocation > 1 {
		return NewValidationError("target_allocation", fmt.Sprintf("target_allocation %v outside [0,1]", s.TargetAllocation))
	}
	if strings.TrimSpace(s.Reasoning) == "" {
		return NewValidationError("reasoning", "reasoning must not be empty")
	}
	return nil
}

// MarketSnapshot is the immutable per-cycle view of account and market
// telemetry. The breaker bank and the allocator read it; nothing writes it
// after cycle start.
type MarketSnapshot struct {
	TakenAt time.Time `json:"taken_at"`

	// Account state.
	DailyPnLPct float64 `json:"daily_pnl_pct"` // realized, e.g. -0.025 for -2.5%
	TotalEquity float64 `json:"total_equity"`
	BuyingPower float64 `json:"buying_power"`

	// Market state.
	VolatilityIndex float64 `json:"volatility_index"`

	// Per-ticker existing position values, used by the concentration check.
	PositionValues map[string]float64 `json:"position_values,omitempty"`
}
