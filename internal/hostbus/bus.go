// Package hostbus models the host runtime an extension-style initiator lives
// in: a message bus every context of the host can post to, and the set of
// tabs the host has open.
package hostbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dgellow/login-handshake/internal/log"
)

// Handler receives raw message bodies. It is called synchronously by
// Publish and must not block.
type Handler func(body []byte)

// Bus is an in-process runtime message bus. Every subscriber sees every
// message; filtering is the subscriber's business.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers h and returns a function that removes it. The
// returned function is idempotent and may be called from inside h.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers body to every current subscriber and returns how many
// received it.
func (b *Bus) Publish(body []byte) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(body)
	}

	log.LogTraceWithFields("hostbus", "Published runtime message", map[string]any{
		"subscribers": len(handlers),
		"bytes":       len(body),
	})
	return len(handlers)
}

// Subscribers returns the current number of subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
