package channel

import (
	"context"
	"sync"

	"github.com/dgellow/login-handshake/internal/hostbus"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/log"
)

// Runtime receives results from the host's message bus. Every message on
// the bus reaches every listener, so each one filters on the channel field.
// After the first match the listener deregisters itself and closes the
// completion tabs.
type Runtime struct {
	bus     *hostbus.Bus
	tabs    *hostbus.Tabs
	pattern string
}

var _ Strategy = (*Runtime)(nil)

// NewRuntime listens on bus. tabs may be nil when the host has no tabs to
// clean up.
func NewRuntime(bus *hostbus.Bus, tabs *hostbus.Tabs) *Runtime {
	return &Runtime{bus: bus, tabs: tabs, pattern: hostbus.CompletionPagePattern}
}

func (r *Runtime) Name() string { return "runtime" }

func (r *Runtime) Listen(ctx context.Context, nonce string) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelSetupError{Channel: identity.ChannelName(nonce), Err: err}
	}

	l := &runtimeListener{
		name: identity.ChannelName(nonce),
		out:  make(chan []byte, 1),
	}

	unsubscribe := r.bus.Subscribe(func(body []byte) {
		if channelOf(body) != l.name {
			return
		}
		if !l.claim(body) {
			return
		}
		l.deregister()
		if r.tabs != nil {
			closed := r.tabs.CloseMatching(r.pattern)
			log.LogTraceWithFields("channel", "Closed completion tabs", map[string]any{
				"channel": l.name,
				"count":   closed,
			})
		}
	})

	l.mu.Lock()
	l.unsubscribe = unsubscribe
	deregistered := l.deregistered
	l.mu.Unlock()
	if deregistered {
		unsubscribe()
	}
	return l, nil
}

type runtimeListener struct {
	name string
	out  chan []byte

	mu           sync.Mutex
	matched      bool
	deregistered bool
	unsubscribe  func()
}

func (l *runtimeListener) claim(body []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.matched {
		return false
	}
	l.matched = true
	l.out <- body
	return true
}

func (l *runtimeListener) deregister() {
	l.mu.Lock()
	l.deregistered = true
	unsubscribe := l.unsubscribe
	l.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (l *runtimeListener) Deliveries() <-chan []byte {
	return l.out
}

// Acknowledge is a no-op: the completion tab is closed by the listener.
func (l *runtimeListener) Acknowledge(context.Context) error {
	return nil
}

func (l *runtimeListener) Close() error {
	l.deregister()
	return nil
}
