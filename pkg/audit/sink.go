// Package audit persists orchestration decisions and breaker events to an
// append-only, hash-chained trail. The sink is strictly an observer: the
// pipeline writes to it best-effort and never reads it back for
// decision-making. A failed write flags the decision unaudited upstream;
// it never retracts or blocks it.
package audit

import (
	"context"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Entry kinds in the audit trail.
const (
	KindDecision     = "orchestration_decision"
	KindBreakerEvent = "circuit_breaker_event"
	KindSecurity     = "security_violation"
)

// Sink is the append-only write target for decisions, breaker events and
// security violations.
type Sink interface {
	PersistDecision(ctx context.Context, d contracts.OrchestrationDecision) error
	PersistEvent(ctx context.Context, e contracts.CircuitBreakerEvent) error
	PersistSecurityViolation(ctx context.Context, agentID, detail string) error
}
