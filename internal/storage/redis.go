package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ NonceGuard = (*RedisNonceGuard)(nil)

// RedisNonceGuard shares consumed nonces between processes.
type RedisNonceGuard struct {
	client *redis.Client
	owned  bool
}

func NewRedisNonceGuard(addr, password string, db int) *RedisNonceGuard {
	return &RedisNonceGuard{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		owned:  true,
	}
}

// NewRedisNonceGuardFromClient shares an existing client. Close leaves it
// open.
func NewRedisNonceGuardFromClient(client *redis.Client) *RedisNonceGuard {
	return &RedisNonceGuard{client: client}
}

func (g *RedisNonceGuard) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, ErrEmptyNonce
	}
	if ttl < 0 {
		ttl = 0
	}
	ok, err := g.client.SetNX(ctx, keyPrefix+nonce, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	return ok, nil
}

func (g *RedisNonceGuard) Close() error {
	if !g.owned {
		return nil
	}
	return g.client.Close()
}
