package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteLedger reads realized returns from a SQLite performance store.
// The table is written by the trade-settlement process; this reader issues
// SELECTs only.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger wraps db. It migrates the table so tests and the demo
// binary can run against a fresh file, but the pipeline never inserts.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS realized_returns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		return_pct REAL NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_returns_agent_recency
		ON realized_returns (agent_id, recorded_at DESC);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// RecentReturns implements Reader.
func (l *SQLiteLedger) RecentReturns(ctx context.Context, agentID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT return_pct FROM realized_returns
		WHERE agent_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query returns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []float64
	for rows.Next() {
		var ret float64
		if err := rows.Scan(&ret); err != nil {
			return nil, fmt.Errorf("ledger: scan return: %w", err)
		}
		out = append(out, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return out, nil
}
