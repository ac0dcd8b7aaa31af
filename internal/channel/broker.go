// Package channel delivers handshake results from the authorization window
// back to the context that started the handshake.
package channel

import (
	"context"
	"fmt"
)

// Subscription is an open subscription on a named channel.
type Subscription interface {
	// Messages yields raw messages. It is closed when the subscription ends.
	Messages() <-chan []byte
	Close() error
}

// Broker is a named broadcast channel service: anyone who knows a
// channel's name can publish to it.
type Broker interface {
	Subscribe(ctx context.Context, name string) (Subscription, error)
	// Publish sends msg to every current subscriber of name and returns how
	// many there were.
	Publish(ctx context.Context, name string, msg []byte) (int, error)
	Close() error
}

// ChannelSetupError means a result channel could not be opened. A handshake
// that hits it never starts waiting.
type ChannelSetupError struct {
	Channel string
	Err     error
}

func (e *ChannelSetupError) Error() string {
	return fmt.Sprintf("setting up result channel %s: %v", e.Channel, e.Err)
}

func (e *ChannelSetupError) Unwrap() error {
	return e.Err
}
