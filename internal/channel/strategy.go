package channel

import "context"

// Strategy opens the receiving end of a result channel for one nonce.
type Strategy interface {
	Name() string
	// Listen must be ready to receive before it returns, so the window can
	// be opened right after without losing a fast result.
	Listen(ctx context.Context, nonce string) (Listener, error)
}

// Listener is the receiving end of one handshake's result channel.
type Listener interface {
	// Deliveries yields candidate results. Acknowledgements never appear
	// here. A closed channel means the transport failed.
	Deliveries() <-chan []byte
	// Acknowledge tells the sender its result was accepted.
	Acknowledge(ctx context.Context) error
	// Close releases the channel. Safe to call more than once.
	Close() error
}
