package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceGuard consumes (agent_id, nonce) pairs exactly once. Consume must
// be atomic: two concurrent attempts for the same pair cannot both return
// fresh=true.
type NonceGuard interface {
	Consume(ctx context.Context, agentID, nonce string) (fresh bool, err error)
}

func nonceKey(agentID, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", agentID, nonce)
}

// MemoryNonceGuard is a process-local NonceGuard. Consumed nonces are
// retained for a bounded window; replay only needs to be detected within
// one cycle's lifetime.
type MemoryNonceGuard struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	ttl      time.Duration
}

// NewMemoryNonceGuard creates a guard retaining nonces for ttl.
func NewMemoryNonceGuard(ttl time.Duration) *MemoryNonceGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryNonceGuard{
		consumed: make(map[string]time.Time),
		ttl:      ttl,
	}
}

// Consume claims the pair under a single lock, which makes the
// check-and-set atomic with respect to concurrent verifications.
func (g *MemoryNonceGuard) Consume(_ context.Context, agentID, nonce string) (bool, error) {
	key := nonceKey(agentID, nonce)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Opportunistic sweep of expired entries.
	for k, t := range g.consumed {
		if now.Sub(t) > g.ttl {
			delete(g.consumed, k)
		}
	}

	if _, seen := g.consumed[key]; seen {
		return false, nil
	}
	g.consumed[key] = now
	return true, nil
}

// RedisNonceGuard shares replay state across processes using SET NX, which
// is atomic on the redis server.
type RedisNonceGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNonceGuard creates a guard on client with the given retention.
func NewRedisNonceGuard(client *redis.Client, ttl time.Duration) *RedisNonceGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisNonceGuard{client: client, ttl: ttl}
}

// Consume claims the pair via SETNX; the first caller wins.
func (g *RedisNonceGuard) Consume(ctx context.Context, agentID, nonce string) (bool, error) {
	ok, err := g.client.SetNX(ctx, nonceKey(agentID, nonce), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("signal: redis setnx: %w", err)
	}
	return ok, nil
}
