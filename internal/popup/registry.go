package popup

import (
	"sync"

	"github.com/dgellow/login-handshake/internal/log"
)

// Registry is the process-wide index of open authorization windows keyed by
// handshake nonce. It lets out-of-band observers (the relay, an interrupt
// handler) report that a user closed a window.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*Controller
}

func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Controller)}
}

// Register indexes c under nonce. It reports false if the nonce is taken,
// since a window is never shared between handshakes.
func (r *Registry) Register(nonce string, c *Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.windows[nonce]; exists {
		return false
	}
	r.windows[nonce] = c
	return true
}

// Remove drops the entry for nonce.
func (r *Registry) Remove(nonce string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, nonce)
}

// MarkClosedByUser reports a user close for nonce. It reports whether a
// window was registered.
func (r *Registry) MarkClosedByUser(nonce string) bool {
	r.mu.Lock()
	c, ok := r.windows[nonce]
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.MarkClosedByUser()
	return true
}

// CloseAllByUser marks every registered window as closed by the user and
// returns how many there were.
func (r *Registry) CloseAllByUser() int {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.windows))
	for _, c := range r.windows {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.MarkClosedByUser()
	}
	if len(controllers) > 0 {
		log.LogInfoWithFields("popup", "Marked open authorization windows as closed", map[string]any{
			"count": len(controllers),
		})
	}
	return len(controllers)
}

// Len returns the number of registered windows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
