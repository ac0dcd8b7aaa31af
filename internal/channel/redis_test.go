package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/login-handshake/internal/identity"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBroker_PublishCountsReceivers(t *testing.T) {
	ctx := context.Background()
	b := NewRedisBrokerFromClient(newRedisClient(t))

	first, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer first.Close()
	second, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)

	n, err := b.Publish(ctx, "a", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hello", string(receive(t, first.Messages())))
	assert.Equal(t, "hello", string(receive(t, second.Messages())))

	require.NoError(t, second.Close())
	require.NoError(t, second.Close())
	_, open := <-second.Messages()
	assert.False(t, open, "messages channel closes with the subscription")

	require.Eventually(t, func() bool {
		n, err := b.Publish(ctx, "a", []byte("again"))
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	n, err = b.Publish(ctx, "b", []byte("nobody"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisBroker_DropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewRedisBrokerFromClient(newRedisClient(t))

	sub, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < memoryBufferSize+5; i++ {
		_, err := b.Publish(ctx, "a", []byte("m"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(sub.Messages()) == memoryBufferSize
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, memoryBufferSize, len(sub.Messages()))
}

func TestRedisBroker_SubscribeFailure(t *testing.T) {
	client := newRedisClient(t)
	b := NewRedisBrokerFromClient(client)
	require.NoError(t, client.Close())

	_, err := b.Subscribe(context.Background(), "a")
	assert.ErrorContains(t, err, "subscribing to a")
}

func TestRedisBroker_SharedClientStaysOpen(t *testing.T) {
	client := newRedisClient(t)
	b := NewRedisBrokerFromClient(client)

	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestBroadcast_OverRedis(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	initiator := NewRedisBrokerFromClient(client)
	page := NewRedisBrokerFromClient(client)

	l, err := NewBroadcast(initiator).Listen(ctx, "nonce1")
	require.NoError(t, err)
	defer l.Close()

	pageSub, err := page.Subscribe(ctx, identity.ChannelName("nonce1"))
	require.NoError(t, err)
	defer pageSub.Close()

	n, err := page.Publish(ctx, identity.ChannelName("nonce1"), []byte(`{"error":"denied"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "listener and page")

	assert.JSONEq(t, `{"error":"denied"}`, string(receive(t, l.Deliveries())))
	require.NoError(t, l.Acknowledge(ctx))

	assert.JSONEq(t, `{"error":"denied"}`, string(receive(t, pageSub.Messages())))
	assert.True(t, IsAck(receive(t, pageSub.Messages())))
	assertNothing(t, l.Deliveries())
}
