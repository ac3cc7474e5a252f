package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/canonical"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Authority is the slice of the identity registry the signal layer needs.
// identity.Registry satisfies it.
type Authority interface {
	Sign(agentID string, payload []byte) (string, error)
	Verify(agentID string, payload []byte, sigHex string) bool
}

// Clock provides the issued_at stamp; inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Signer mints signed envelopes. It generates a fresh random nonce per
// signal, stamps issued_at, canonicalizes and delegates to the registry.
type Signer struct {
	authority Authority
	clock     Clock
}

// NewSigner creates a Signer backed by the given authority. If clock is
// nil the wall clock is used.
func NewSigner(authority Authority, clock Clock) *Signer {
	if clock == nil {
		clock = wallClock{}
	}
	return &Signer{authority: authority, clock: clock}
}

// Sign validates raw, wraps it and signs it. Malformed signals are
// rejected with a ValidationError before any key material is touched.
func (s *Signer) Sign(agentID string, raw contracts.RawSignal) (Envelope, error) {
	if err := raw.Validate(); err != nil {
		return Envelope{}, err
	}

	nonce := uuid.NewString()
	issuedAt := s.clock.Now().UTC()

	payload, err := canonical.Bytes(payloadOf(raw, agentID, nonce, issuedAt))
	if err != nil {
		return Envelope{}, fmt.Errorf("signal: canonicalize: %w", err)
	}
	sig, err := s.authority.Sign(agentID, payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("signal: sign: %w", err)
	}

	return Envelope{
		raw:       raw,
		agentID:   agentID,
		nonce:     nonce,
		issuedAt:  issuedAt,
		signature: sig,
	}, nil
}

// Verifier checks envelope provenance and replay. Verification fails
// closed and reports every failure as a SecurityViolation; it never
// escalates past the verification boundary.
type Verifier struct {
	authority Authority
	guard     NonceGuard
}

// NewVerifier creates a Verifier. guard must be non-nil; replay protection
// is not optional.
func NewVerifier(authority Authority, guard NonceGuard) *Verifier {
	return &Verifier{authority: authority, guard: guard}
}

// Verify re-canonicalizes the envelope, checks the signature against the
// registry, then atomically consumes the (agent_id, nonce) pair. The nonce
// is only consumed after the signature checks out, so a forged envelope
// cannot burn a legitimate nonce.
func (v *Verifier) Verify(ctx context.Context, env Envelope) error {
	if err := env.Raw().Validate(); err != nil {
		return contracts.NewSecurityViolation(env.AgentID(), err.Error())
	}

	payload, err := canonical.Bytes(payloadOf(env.Raw(), env.AgentID(), env.Nonce(), env.IssuedAt()))
	if err != nil {
		return contracts.NewSecurityViolation(env.AgentID(), fmt.Sprintf("canonicalize: %v", err))
	}
	if !v.authority.Verify(env.AgentID(), payload, env.Signature()) {
		return contracts.NewSecurityViolation(env.AgentID(), "signature verification failed")
	}

	fresh, err := v.guard.Consume(ctx, env.AgentID(), env.Nonce())
	if err != nil {
		// The guard itself failed (e.g. redis unreachable). Fail closed:
		// without replay protection the signal cannot be trusted.
		return contracts.NewSecurityViolation(env.AgentID(), fmt.Sprintf("nonce guard unavailable: %v", err))
	}
	if !fresh {
		return contracts.NewSecurityViolation(env.AgentID(), fmt.Sprintf("nonce %s already consumed", env.Nonce()))
	}
	return nil
}
