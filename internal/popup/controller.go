package popup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgellow/login-handshake/internal/log"
)

// State is the lifecycle position of an authorization window.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
	StateClosedByUser
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateClosedByUser:
		return "closed_by_user"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyOpened is returned when Open is called twice on one controller.
var ErrAlreadyOpened = errors.New("popup already opened")

// Window is a handle on something the launcher opened.
type Window interface {
	// Close closes the window. It must tolerate being called after the
	// user already closed it.
	Close() error
	// Done is closed when the window goes away without Close being called.
	// Launchers that cannot observe this return nil.
	Done() <-chan struct{}
}

// Launcher opens an authorization URL in a new window or tab.
type Launcher interface {
	Launch(ctx context.Context, url, features string) (Window, error)
}

// Navigator moves the current context to url. Whatever was tracking the
// handshake in memory is abandoned; completion is recovered from the
// returned state on the other side.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Controller owns one authorization window for one handshake. It emits a
// single closed notification however the window went away.
type Controller struct {
	launcher Launcher
	url      string
	features string

	mu     sync.Mutex
	state  State
	window Window
	closed chan struct{}
	stop   chan struct{}
}

// NewController prepares a controller; nothing is opened until Open.
func NewController(launcher Launcher, url, features string) *Controller {
	return &Controller{
		launcher: launcher,
		url:      url,
		features: features,
		closed:   make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Open launches the window.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnopened {
		return ErrAlreadyOpened
	}

	window, err := c.launcher.Launch(ctx, c.url, c.features)
	if err != nil {
		return fmt.Errorf("opening authorization window: %w", err)
	}
	c.window = window
	c.state = StateOpen

	if done := window.Done(); done != nil {
		go c.watch(done)
	}

	log.LogTraceWithFields("popup", "Authorization window opened", map[string]any{
		"features": c.features,
	})
	return nil
}

func (c *Controller) watch(done <-chan struct{}) {
	select {
	case <-done:
		c.MarkClosedByUser()
	case <-c.stop:
	}
}

// Close closes the window programmatically. Safe to call repeatedly and
// after the user closed the window.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed, StateClosedByUser:
		return nil
	case StateUnopened:
		c.finish(StateClosed)
		return nil
	}

	err := c.window.Close()
	c.finish(StateClosed)
	if err != nil {
		return fmt.Errorf("closing authorization window: %w", err)
	}
	return nil
}

// MarkClosedByUser records that the window went away on its own.
// It has no effect once the controller is closed.
func (c *Controller) MarkClosedByUser() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.state == StateClosedByUser {
		return
	}
	c.finish(StateClosedByUser)
	log.LogDebugWithFields("popup", "Authorization window closed by user", nil)
}

// finish must be called with mu held and only once.
func (c *Controller) finish(s State) {
	c.state = s
	close(c.stop)
	close(c.closed)
}

// Closed fires exactly once, on programmatic or user close.
func (c *Controller) Closed() <-chan struct{} {
	return c.closed
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
