// Package signal wraps raw strategy output into signed, nonce-stamped
// envelopes. The envelope's fields are unexported: inside this process the
// only mint path is Signer.Sign, so every strategy output structurally must
// pass through signing before the orchestrator will consume it. Envelopes
// arriving over a wire are re-verified against the identity registry; a
// forged or tampered envelope never verifies.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Envelope is a signed, nonce-stamped strategy signal. The signature covers
// the RFC 8785 canonical bytes of (raw_signal, agent_id, nonce, issued_at).
type Envelope struct {
	raw       contracts.RawSignal
	agentID   string
	nonce     string
	issuedAt  time.Time
	signature string
}

// Raw returns the wrapped strategy signal.
func (e Envelope) Raw() contracts.RawSignal { return e.raw }

// AgentID returns the signing agent's id.
func (e Envelope) AgentID() string { return e.agentID }

// Nonce returns the single-use replay token.
func (e Envelope) Nonce() string { return e.nonce }

// IssuedAt returns the signing timestamp.
func (e Envelope) IssuedAt() time.Time { return e.issuedAt }

// Signature returns the hex-encoded ed25519 signature.
func (e Envelope) Signature() string { return e.signature }

// signingPayload is the exact structure whose canonical bytes are signed.
// issued_at is pinned to RFC 3339 nanoseconds so the byte encoding is
// independent of time.Time's internal representation.
type signingPayload struct {
	RawSignal contracts.RawSignal `json:"raw_signal"`
	AgentID   string              `json:"agent_id"`
	Nonce     string              `json:"nonce"`
	IssuedAt  string              `json:"issued_at"`
}

func payloadOf(raw contracts.RawSignal, agentID, nonce string, issuedAt time.Time) signingPayload {
	return signingPayload{
		RawSignal: raw,
		AgentID:   agentID,
		Nonce:     nonce,
		IssuedAt:  issuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// wireEnvelope is the JSON shape of an Envelope in transit.
type wireEnvelope struct {
	RawSignal contracts.RawSignal `json:"raw_signal"`
	AgentID   string              `json:"agent_id"`
	Nonce     string              `json:"nonce"`
	IssuedAt  time.Time           `json:"issued_at"`
	Signature string              `json:"signature"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		RawSignal: e.raw,
		AgentID:   e.agentID,
		Nonce:     e.nonce,
		IssuedAt:  e.issuedAt,
		Signature: e.signature,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Decoding does not confer
// trust: a decoded envelope still has to pass Verifier.Verify.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("signal: envelope decode: %w", err)
	}
	e.raw = w.RawSignal
	e.agentID = w.AgentID
	e.nonce = w.Nonce
	e.issuedAt = w.IssuedAt
	e.signature = w.Signature
	return nil
}
