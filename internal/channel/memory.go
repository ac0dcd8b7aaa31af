package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/dgellow/login-handshake/internal/log"
)

// ErrBrokerClosed is returned by a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

const memoryBufferSize = 16

// MemoryBroker is an in-process Broker. Slow subscribers lose messages
// rather than block publishers.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	broker *MemoryBroker
	name   string

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (b *MemoryBroker) Subscribe(ctx context.Context, name string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := &memorySubscription{broker: b, name: name, ch: make(chan []byte, memoryBufferSize)}
	if b.subs[name] == nil {
		b.subs[name] = make(map[*memorySubscription]struct{})
	}
	b.subs[name][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, name string, msg []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBrokerClosed
	}
	targets := make([]*memorySubscription, 0, len(b.subs[name]))
	for sub := range b.subs[name] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(msg) {
			delivered++
		}
	}
	return delivered, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

func (s *memorySubscription) deliver(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		log.LogWarnWithFields("channel", "Dropping message for slow subscriber", map[string]any{
			"channel": s.name,
		})
		return false
	}
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	if subs := s.broker.subs[s.name]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.broker.subs, s.name)
		}
	}
	s.broker.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
