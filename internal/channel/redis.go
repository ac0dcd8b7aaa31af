package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dgellow/login-handshake/internal/log"
)

// RedisBroker carries result channels over Redis pub/sub so the relay and
// the initiator can live in different processes.
type RedisBroker struct {
	client *redis.Client
	owned  bool
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to addr.
func NewRedisBroker(addr, password string, db int) *RedisBroker {
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		owned:  true,
	}
}

// NewRedisBrokerFromClient shares an existing client. Close leaves it open.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Subscribe(ctx context.Context, name string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, name)

	// Wait for the subscription confirmation so publishes that follow are
	// guaranteed to reach us.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", name, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, memoryBufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go sub.pump(name)
	return sub, nil
}

func (b *RedisBroker) Publish(ctx context.Context, name string, msg []byte) (int, error) {
	n, err := b.client.Publish(ctx, name, msg).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", name, err)
	}
	return int(n), nil
}

// Ping checks connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(name string) {
	defer close(s.done)
	defer close(s.out)

	in := s.ps.Channel()
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(m.Payload):
			case <-s.stop:
				return
			default:
				log.LogWarnWithFields("channel", "Dropping message for slow subscriber", map[string]any{
					"channel": name,
				})
			}
		case <-s.stop:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.ps.Close()
		<-s.done
	})
	return err
}
