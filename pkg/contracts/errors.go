package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors classify every failure the pipeline can surface.
// Per-agent failures never propagate past that agent's boundary; only
// ErrConfiguration (allocator constraints missing) and infrastructure
// failure of the verification mechanism itself are cycle-fatal.
var (
	// ErrValidation marks malformed input; the input is excluded and the
	// cycle continues.
	ErrValidation = errors.New("validation error")
	// ErrSecurityViolation marks a bad signature, revoked agent or reused
	// nonce; the signal is dropped and logged, never escalated.
	ErrSecurityViolation = errors.New("security violation")
	// ErrConfiguration marks a missing capital-safety constraint. Failing
	// loudly here is deliberate: proceeding could silently breach the
	// daily risk cap.
	ErrConfiguration = errors.New("configuration error")
	// ErrDataUnavailable marks a failed or timed-out collaborator read;
	// callers degrade (Sharpe=0, breaker not tripped) and log a warning.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrPersistence marks a failed sink write; the decision stays usable
	// in-process but is flagged unaudited.
	ErrPersistence = errors.New("persistence failure")
)

// NewValidationError wraps ErrValidation with the offending field.
func NewValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// NewSecurityViolation wraps ErrSecurityViolation for a specific agent.
func NewSecurityViolation(agentID, msg string) error {
	return fmt.Errorf("%w: agent %s: %s", ErrSecurityViolation, agentID, msg)
}
