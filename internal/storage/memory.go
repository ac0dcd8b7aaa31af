package storage

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var _ NonceGuard = (*MemoryNonceGuard)(nil)

// MemoryNonceGuard is a process-local guard backed by go-cache.
type MemoryNonceGuard struct {
	c *gocache.Cache
}

// NewMemoryNonceGuard creates a guard whose expired entries are purged every
// cleanupInterval.
func NewMemoryNonceGuard(cleanupInterval time.Duration) *MemoryNonceGuard {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryNonceGuard{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (g *MemoryNonceGuard) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, ErrEmptyNonce
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	// Add fails when an unexpired item already exists
	if err := g.c.Add(keyPrefix+nonce, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Len returns the number of unexpired consumed nonces.
func (g *MemoryNonceGuard) Len() int {
	return g.c.ItemCount()
}

func (g *MemoryNonceGuard) Close() error {
	g.c.Flush()
	return nil
}
