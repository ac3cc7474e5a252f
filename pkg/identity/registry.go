// Package identity owns per-agent asymmetric keypairs. The Registry is the
// single signing and verification authority of the pipeline: private key
// material never leaves this process, and verification fails closed:
// unknown agents, revoked agents and malformed signatures all verify false
// rather than erroring past the boundary.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Status marks whether an identity may sign and verify.
type Status string

// Identity status constants.
const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// AgentIdentity is the public half of an agent's keypair. Exactly one
// identity exists per agent id; a revoked identity fails every subsequent
// verification forever.
type AgentIdentity struct {
	AgentID      string    `json:"agent_id"`
	PublicKey    string    `json:"public_key"` // hex-encoded ed25519
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Clock provides authority time for registration stamps. Inject a fixed
// clock in tests; production uses the wall clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Registry registers, revokes, signs and verifies. Public identities are
// mirrored to a KeyStore; private keys live only in the in-process map.
type Registry struct {
	mu       sync.RWMutex
	privKeys map[string]ed25519.PrivateKey
	idents   map[string]AgentIdentity
	store    KeyStore
	clock    Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects an authority clock.
func WithClock(c Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithKeyStore mirrors public identities and revocation status to store.
func WithKeyStore(s KeyStore) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		privKeys: make(map[string]ed25519.PrivateKey),
		idents:   make(map[string]AgentIdentity),
		clock:    wallClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates an identity for agentID. It is idempotent: re-registering
// an active agent returns the existing public identity without regenerating
// keys. Re-registering after a revoke mints a fresh identity with a fresh
// key; the revoked key never verifies again.
func (r *Registry) Register(agentID string) (AgentIdentity, error) {
	if agentID == "" {
		return AgentIdentity{}, fmt.Errorf("identity: empty agent id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ident, ok := r.idents[agentID]; ok && ident.Status == StatusActive {
		return ident, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("identity: key generation failed: %w", err)
	}

	ident := AgentIdentity{
		AgentID:      agentID,
		PublicKey:    hex.EncodeToString(pub),
		Status:       StatusActive,
		RegisteredAt: r.clock.Now().UTC(),
	}
	r.privKeys[agentID] = priv
	r.idents[agentID] = ident

	if r.store != nil {
		if err := r.store.Put(ident); err != nil {
			delete(r.privKeys, agentID)
			delete(r.idents, agentID)
			return AgentIdentity{}, fmt.Errorf("identity: key store put failed: %w", err)
		}
	}
	return ident, nil
}

// Revoke marks the identity inactive and wipes its private key. The revoke
// is irreversible for that key: only Register can mint a replacement.
func (r *Registry) Revoke(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.idents[agentID]
	if !ok {
		return fmt.Errorf("identity: unknown agent %s", agentID)
	}
	ident.Status = StatusRevoked
	r.idents[agentID] = ident
	delete(r.privKeys, agentID)

	if r.store != nil {
		if err := r.store.SetStatus(agentID, StatusRevoked); err != nil {
			return fmt.Errorf("identity: key store revoke failed: %w", err)
		}
	}
	return nil
}

// Get returns the public identity for agentID.
func (r *Registry) Get(agentID string) (AgentIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.idents[agentID]
	return ident, ok
}

// Sign signs payload with the agent's private key and returns the signature
// hex-encoded. It fails for unknown or revoked agents.
func (r *Registry) Sign(agentID string, payload []byte) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ident, ok := r.idents[agentID]
	if !ok {
		return "", fmt.Errorf("identity: unknown agent %s", agentID)
	}
	if ident.Status != StatusActive {
		return "", fmt.Errorf("identity: agent %s is revoked", agentID)
	}
	priv, ok := r.privKeys[agentID]
	if !ok {
		return "", fmt.Errorf("identity: no private key for agent %s", agentID)
	}
	return hex.EncodeToString(ed25519.Sign(priv, payload)), nil
}

// Verify checks sigHex over payload for agentID. It fails closed: unknown
// agent, revoked agent and malformed signature all return false.
func (r *Registry) Verify(agentID string, payload []byte, sigHex string) bool {
	r.mu.RLock()
	ident, ok := r.idents[agentID]
	r.mu.RUnlock()

	if !ok || ident.Status != StatusActive {
		return false
	}
	pub, err := hex.DecodeString(ident.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
