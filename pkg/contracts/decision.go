package contracts

import "time"

// Mode is the capital state an agent ends the cycle in.
type Mode string

// Trading mode constants.
const (
	ModeActive Mode = "ACTIVE"
	// ModeReduced means the agent trades with a scaled-down allocation
	// (volatility guard effect).
	ModeReduced Mode = "REDUCED"
	// ModeShadow means paper-only: the decision is computed and logged but
	// allocation is forced to zero.
	ModeShadow Mode = "SHADOW_MODE"
)

// OverrideReasonSystemicRisk annotates a BUY that was downgraded by the
// portfolio-wide risk-off override.
const OverrideReasonSystemicRisk = "systemic_risk"

// AgentDecision is the per-agent slice of an OrchestrationDecision.
type AgentDecision struct {
	AgentID         string  `json:"agent_id"`
	FinalAction     Action  `json:"final_action"`
	FinalAllocation float64 `json:"final_allocation"` // fraction of capital
	Weight          float64 `json:"weight"`           // performance weight used for scaling
	Mode            Mode    `json:"mode"`
	OverrideReason  string  `json:"override_reason,omitempty"`
}

// OrchestrationDecision is the single authoritative output of one
// evaluation cycle. It is append-only: once emitted it is never mutated,
// and persistence failure flags it unaudited rather than retracting it.
type OrchestrationDecision struct {
	SessionID            string          `json:"session_id"`
	Agents               []AgentDecision `json:"agents"`
	SystemicRiskDetected bool            `json:"systemic_risk_detected"`
	DroppedSignals       []string        `json:"dropped_signals,omitempty"` // agent ids that failed verification
	AISummary            string          `json:"ai_summary,omitempty"`
	Audited              bool            `json:"audited"`
	Timestamp            time.Time       `json:"timestamp"`
}

// BreakerStatus is the lifecycle state of a circuit breaker.
type BreakerStatus string

// Breaker status constants. A trip is sticky: it never clears on the next
// cycle without an explicit reset.
const (
	BreakerArmed   BreakerStatus = "armed"
	BreakerTripped BreakerStatus = "tripped"
	BreakerCleared BreakerStatus = "cleared"
)

// CircuitBreakerState is the published state of one breaker.
type CircuitBreakerState struct {
	Name             string        `json:"breaker_name"`
	Status           BreakerStatus `json:"status"`
	Threshold        float64       `json:"threshold"`
	CurrentValue     float64       `json:"current_value"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
}

// CircuitBreakerEvent records a breaker trip or reset for the audit sink
// and the notification channel.
type CircuitBreakerEvent struct {
	EventID   string              `json:"event_id"`
	State     CircuitBreakerState `json:"state"`
	Message   string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
}
