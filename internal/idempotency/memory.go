package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is an in-process Guard for tests and local development.
type MemoryGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{
		ttl:     ttl,
		expires: make(map[string]time.Time),
	}
}

func (g *MemoryGuard) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if expiry, ok := g.expires[key]; ok && now.Before(expiry) {
		return false, nil
	}
	g.expires[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Forget(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.expires, key)
	return nil
}
