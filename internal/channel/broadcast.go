package channel

import (
	"context"
	"sync"

	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/log"
)

// Broadcast receives results on a broker channel named after the nonce.
// The completion page publishes there and waits for an Ack.
type Broadcast struct {
	broker Broker
}

var _ Strategy = (*Broadcast)(nil)

func NewBroadcast(broker Broker) *Broadcast {
	return &Broadcast{broker: broker}
}

func (b *Broadcast) Name() string { return "broadcast" }

func (b *Broadcast) Listen(ctx context.Context, nonce string) (Listener, error) {
	name := identity.ChannelName(nonce)
	sub, err := b.broker.Subscribe(ctx, name)
	if err != nil {
		return nil, &ChannelSetupError{Channel: name, Err: err}
	}

	l := &broadcastListener{
		broker: b.broker,
		name:   name,
		sub:    sub,
		out:    make(chan []byte),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

type broadcastListener struct {
	broker Broker
	name   string
	sub    Subscription
	out    chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (l *broadcastListener) run() {
	defer close(l.done)
	defer close(l.out)

	for {
		select {
		case msg, ok := <-l.sub.Messages():
			if !ok {
				return
			}
			// Our own ack comes back on the same channel
			if IsAck(msg) {
				continue
			}
			select {
			case l.out <- msg:
			case <-l.stop:
				return
			}
		case <-l.stop:
			return
		}
	}
}

func (l *broadcastListener) Deliveries() <-chan []byte {
	return l.out
}

func (l *broadcastListener) Acknowledge(ctx context.Context) error {
	if _, err := l.broker.Publish(ctx, l.name, AckMessage()); err != nil {
		return err
	}
	log.LogTraceWithFields("channel", "Acknowledged result", map[string]any{"channel": l.name})
	return nil
}

func (l *broadcastListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = l.sub.Close()
		<-l.done
	})
	return err
}
