package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/canonical"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists the audit trail in SQLite with the same hash
// chaining as the in-memory Trail. Appends are serialized so the chain
// head is never raced.
type SQLiteSink struct {
	mu        sync.Mutex
	db        *sql.DB
	sequence  uint64
	chainHead string
}

// NewSQLiteSink migrates the table and resumes the chain from the last
// persisted entry.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db, chainHead: genesisHash}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.resume(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload JSON NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) resume() error {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); err {
	case nil:
		s.sequence = seq
		s.chainHead = head
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("audit: resume chain: %w", err)
	}
}

// Append links and persists one entry.
func (s *SQLiteSink) Append(ctx context.Context, kind, subject string, payload any) (*Entry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		EntryID:      uuid.NewString(),
		Sequence:     s.sequence + 1,
		Kind:         kind,
		Subject:      subject,
		Payload:      payloadBytes,
		PayloadHash:  canonical.HashBytes(payloadBytes),
		PreviousHash: s.chainHead,
		Timestamp:    time.Now().UTC(),
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(entry_id, sequence, kind, subject, payload, payload_hash, previous_hash, entry_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Sequence, entry.Kind, entry.Subject, string(entry.Payload),
		entry.PayloadHash, entry.PreviousHash, entry.EntryHash, entry.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: audit insert: %v", contracts.ErrPersistence, err)
	}

	s.sequence = entry.Sequence
	s.chainHead = entry.EntryHash
	return entry, nil
}

// PersistDecision implements Sink.
func (s *SQLiteSink) PersistDecision(ctx context.Context, d contracts.OrchestrationDecision) error {
	_, err := s.Append(ctx, KindDecision, d.SessionID, d)
	return err
}

// PersistEvent implements Sink.
func (s *SQLiteSink) PersistEvent(ctx context.Context, e contracts.CircuitBreakerEvent) error {
	_, err := s.Append(ctx, KindBreakerEvent, e.State.Name, e)
	return err
}

// PersistSecurityViolation implements Sink.
func (s *SQLiteSink) PersistSecurityViolation(ctx context.Context, agentID, detail string) error {
	_, err := s.Append(ctx, KindSecurity, agentID, map[string]string{"detail": detail})
	return err
}

// VerifyChain walks every persisted entry in sequence order, recomputes
// each link, and returns the number of verified entries.
func (s *SQLiteSink) VerifyChain(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, sequence, kind, subject, payload, payload_hash, previous_hash, entry_hash, timestamp
		FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return 0, fmt.Errorf("audit: read chain: %w", err)
	}
	defer rows.Close()

	expectedPrev := genesisHash
	count := 0
	for rows.Next() {
		var e Entry
		var payload, stamp string
		if err := rows.Scan(&e.EntryID, &e.Sequence, &e.Kind, &e.Subject, &payload,
			&e.PayloadHash, &e.PreviousHash, &e.EntryHash, &stamp); err != nil {
			return count, fmt.Errorf("audit: read chain: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		ts, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return count, fmt.Errorf("audit: read chain: %w", err)
		}
		e.Timestamp = ts
		if e.PreviousHash != expectedPrev {
			return count, fmt.Errorf("%w: entry %d previous_hash %s, expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, expectedPrev)
		}
		if canonical.HashBytes(e.Payload) != e.PayloadHash {
			return count, fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		computed, err := entryHash(&e)
		if err != nil {
			return count, fmt.Errorf("%w: entry %d: %v", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return count, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		expectedPrev = e.EntryHash
		count++
	}
	return count, rows.Err()
}
