package lock

import (
	"context"
	"sync"
	"time"
)

// Guard is an advisory per-trip in-flight marker. It only short-circuits
// obvious duplicate triggers; the store's conditional writes remain the
// authority on who owns a matching attempt.
type Guard interface {
	Acquire(ctx context.Context, tripID string) bool
	Release(ctx context.Context, tripID string)
}

// MemoryGuard is the in-process implementation used when no Redis address
// is configured.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]time.Time
	ttl  time.Duration
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryGuard{held: make(map[string]time.Time), ttl: ttl}
}

func (g *MemoryGuard) Acquire(ctx context.Context, tripID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until, ok := g.held[tripID]; ok && time.Now().Before(until) {
		return false
	}
	g.held[tripID] = time.Now().Add(g.ttl)
	return true
}

func (g *MemoryGuard) Release(ctx context.Context, tripID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, tripID)
}
