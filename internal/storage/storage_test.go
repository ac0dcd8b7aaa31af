package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNonceGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryNonceGuard(time.Minute)
	defer g.Close()

	ok, err := g.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second consume is refused")

	ok, err = g.Consume(ctx, "n2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, g.Len())

	_, err = g.Consume(ctx, "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyNonce)
}

func TestMemoryNonceGuard_Expiry(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryNonceGuard(time.Minute)

	ok, err := g.Consume(ctx, "n1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = g.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired nonce can be consumed again")
}

func TestMemoryNonceGuard_Concurrent(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryNonceGuard(time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Consume(ctx, "shared", time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryNonceGuard_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryNonceGuard(time.Minute).Consume(ctx, "n1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirestoreNonceGuardConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewFirestoreNonceGuard(ctx, "", "(default)", "nonces")
	assert.ErrorContains(t, err, "projectID is required")

	_, err = NewFirestoreNonceGuard(ctx, "test-project", "(default)", "")
	assert.ErrorContains(t, err, "collection is required")
}

type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) CleanupExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestCleanupManager(t *testing.T) {
	cleaner := &countingCleaner{}
	cm := NewCleanupManager(cleaner, 10*time.Millisecond)
	cm.Start(context.Background())

	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cm.Stop()

	after := cleaner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, cleaner.calls.Load(), "no cleanup after Stop")
}

func TestCleanupManager_StopsOnCancel(t *testing.T) {
	cleaner := &countingCleaner{}
	cm := NewCleanupManager(cleaner, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cm.Start(ctx)
	assert.Eventually(t, func() bool { return cleaner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	cm.Stop()
	cm.Stop()
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func newRedisGuard(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisNonceGuard) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client, NewRedisNonceGuardFromClient(client)
}

func TestRedisNonceGuard(t *testing.T) {
	ctx := context.Background()
	srv, _, g := newRedisGuard(t)

	ok, err := g.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second consume is refused")

	assert.True(t, srv.Exists(keyPrefix+"n1"))
	assert.Equal(t, time.Minute, srv.TTL(keyPrefix+"n1"))

	_, err = g.Consume(ctx, "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyNonce)
}

func TestRedisNonceGuard_Expiry(t *testing.T) {
	ctx := context.Background()
	srv, _, g := newRedisGuard(t)

	ok, err := g.Consume(ctx, "n1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Second)

	ok, err = g.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired nonce can be consumed again")
}

func TestRedisNonceGuard_Concurrent(t *testing.T) {
	ctx := context.Background()
	_, _, g := newRedisGuard(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := g.Consume(ctx, "shared", time.Minute); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisNonceGuard_Errors(t *testing.T) {
	srv, client, g := newRedisGuard(t)

	require.NoError(t, g.Close())
	require.NoError(t, client.Ping(context.Background()).Err(), "shared client stays open")

	srv.Close()
	_, err := g.Consume(context.Background(), "n1", time.Minute)
	assert.ErrorContains(t, err, "consuming nonce")
}
