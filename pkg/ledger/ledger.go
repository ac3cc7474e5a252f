// Package ledger reads realized-trade performance history. The store is
// append-only and owned by an external writer; this core only ever reads
// it, most-recent-first, bounded by a lookback window.
package ledger

import (
	"context"
	"sync"
)

// Reader provides agent-scoped, ordered-by-recency access to realized
// returns. Implementations may block on I/O; callers bound them with a
// context deadline and degrade on failure.
type Reader interface {
	// RecentReturns returns up to limit realized percentage returns for
	// agentID, most recent first. An unknown agent yields an empty slice,
	// not an error.
	RecentReturns(ctx context.Context, agentID string, limit int) ([]float64, error)
}

// MemoryLedger is an in-process Reader used by tests and the demo feed.
// Append exists to play the external writer's role; the orchestration
// pipeline itself never writes.
type MemoryLedger struct {
	mu      sync.RWMutex
	returns map[string][]float64 // most recent first
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{returns: make(map[string][]float64)}
}

// Append records a realized return as the newest entry for agentID.
func (l *MemoryLedger) Append(agentID string, ret float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.returns[agentID] = append([]float64{ret}, l.returns[agentID]...)
}

// Seed replaces the history for agentID (most recent first).
func (l *MemoryLedger) Seed(agentID string, returns []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.returns[agentID] = append([]float64(nil), returns...)
}

// RecentReturns implements Reader.
func (l *MemoryLedger) RecentReturns(ctx context.Context, agentID string, limit int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.returns[agentID]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return append([]float64(nil), history...), nil
}
