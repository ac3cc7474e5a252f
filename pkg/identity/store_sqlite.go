package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKeyStore persists public identities in SQLite. Only public key
// material and revocation status are written.
type SQLiteKeyStore struct {
	db *sql.DB
}

// NewSQLiteKeyStore migrates the identities table and returns the store.
func NewSQLiteKeyStore(db *sql.DB) (*SQLiteKeyStore, error) {
	s := &SQLiteKeyStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteKeyStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_identities (
		agent_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		status TEXT NOT NULL,
		registered_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Put stores or replaces the public identity.
func (s *SQLiteKeyStore) Put(ident AgentIdentity) error {
	query := `
	INSERT INTO agent_identities (agent_id, public_key, status, registered_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		public_key = excluded.public_key,
		status = excluded.status,
		registered_at = excluded.registered_at
	`
	_, err := s.db.ExecContext(context.Background(), query,
		ident.AgentID, ident.PublicKey, string(ident.Status), ident.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("identity: sqlite put: %w", err)
	}
	return nil
}

// SetStatus updates revocation status.
func (s *SQLiteKeyStore) SetStatus(agentID string, status Status) error {
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE agent_identities SET status = ? WHERE agent_id = ?`,
		string(status), agentID)
	if err != nil {
		return fmt.Errorf("identity: sqlite set status: %w", err)
	}
	return nil
}

// Get returns the stored identity, if any.
func (s *SQLiteKeyStore) Get(agentID string) (AgentIdentity, bool, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT agent_id, public_key, status, registered_at FROM agent_identities WHERE agent_id = ?`,
		agentID)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return AgentIdentity{}, false, nil
	}
	if err != nil {
		return AgentIdentity{}, false, fmt.Errorf("identity: sqlite get: %w", err)
	}
	return ident, true, nil
}

// List returns all stored identities.
func (s *SQLiteKeyStore) List() ([]AgentIdentity, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT agent_id, public_key, status, registered_at FROM agent_identities ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("identity: sqlite list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("identity: sqlite scan: %w", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: sqlite rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (AgentIdentity, error) {
	var ident AgentIdentity
	var status string
	var registeredAt time.Time
	if err := row.Scan(&ident.AgentID, &ident.PublicKey, &status, &registeredAt); err != nil {
		return AgentIdentity{}, err
	}
	ident.Status = Status(status)
	ident.RegisteredAt = registeredAt
	return ident, nil
}
