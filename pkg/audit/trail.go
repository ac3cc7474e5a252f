package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/canonical"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Trail errors.
var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// Entry is one immutable record in the trail. Entries chain: each entry's
// hash covers the previous entry's hash, so any rewrite of history is
// detectable.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Kind         string          `json:"kind"`
	Subject      string          `json:"subject"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

const genesisHash = "genesis"

// Trail is the in-memory append-only sink with hash chaining.
type Trail struct {
	mu        sync.RWMutex
	entries   []*Entry
	sequence  uint64
	chainHead string
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{chainHead: genesisHash}
}

// Append serializes payload and links a new entry to the chain head.
func (t *Trail) Append(kind, subject string, payload any) (*Entry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequence++
	entry := &Entry{
		EntryID:      uuid.NewString(),
		Sequence:     t.sequence,
		Kind:         kind,
		Subject:      subject,
		Payload:      payloadBytes,
		PayloadHash:  canonical.HashBytes(payloadBytes),
		PreviousHash: t.chainHead,
		Timestamp:    time.Now().UTC(),
	}
	hash, err := entryHash(entry)
	if err != nil {
		t.sequence--
		return nil, err
	}
	entry.EntryHash = hash
	t.chainHead = hash
	t.entries = append(t.entries, entry)
	return entry, nil
}

// entryHash covers everything except the hash itself, chaining through
// PreviousHash.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Kind         string    `json:"kind"`
		Subject      string    `json:"subject"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
		Timestamp    time.Time `json:"timestamp"`
	}{e.Sequence, e.Kind, e.Subject, e.PayloadHash, e.PreviousHash, e.Timestamp}

	h, err := canonical.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	return h, nil
}

// PersistDecision implements Sink.
func (t *Trail) PersistDecision(_ context.Context, d contracts.OrchestrationDecision) error {
	_, err := t.Append(KindDecision, d.SessionID, d)
	return err
}

// PersistEvent implements Sink.
func (t *Trail) PersistEvent(_ context.Context, e contracts.CircuitBreakerEvent) error {
	_, err := t.Append(KindBreakerEvent, e.State.Name, e)
	return err
}

// PersistSecurityViolation implements Sink.
func (t *Trail) PersistSecurityViolation(_ context.Context, agentID, detail string) error {
	_, err := t.Append(KindSecurity, agentID, map[string]string{"detail": detail})
	return err
}

// Entries returns a copy of the trail.
func (t *Trail) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Entry(nil), t.entries...)
}

// VerifyChain recomputes every link and fails on the first break.
func (t *Trail) VerifyChain() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	expectedPrev := genesisHash
	for i, entry := range t.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d previous_hash %s, expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
