package handshake

import (
	"encoding/json"
	"errors"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/identity"
)

var (
	// ErrUserCancelled means the window was closed before a result arrived.
	ErrUserCancelled = errors.New("user closed popup")
	// ErrTimeout means no result arrived within the configured timeout.
	ErrTimeout = errors.New("handshake timed out")
	// ErrChannelClosed means the result channel failed while waiting.
	ErrChannelClosed = errors.New("result channel closed before a result arrived")
	// ErrRedirected is returned by Begin in redirect mode: the current
	// context navigated away and the result is picked up by Resume.
	ErrRedirected = errors.New("navigated to provider, resume on return")
	// ErrStateReplayed is wrapped by the StateDecodeError Resume returns for
	// a state whose nonce was already consumed.
	ErrStateReplayed = errors.New("state already used")
)

// ProviderError is an error reported by the provider or the completion page.
type ProviderError struct {
	Message string
	Raw     json.RawMessage
}

func (e *ProviderError) Error() string {
	return e.Message
}

type (
	StateDecodeError  = identity.StateDecodeError
	ChannelSetupError = channel.ChannelSetupError
)
