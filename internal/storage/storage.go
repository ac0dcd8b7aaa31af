// Package storage keeps the single-use nonce registry that stops a delivered
// result from being accepted twice.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyNonce is returned when asked to consume an empty nonce.
var ErrEmptyNonce = errors.New("nonce is empty")

// NonceGuard records nonces that have been settled.
type NonceGuard interface {
	// Consume marks nonce as used for ttl. It reports false when the nonce
	// had already been consumed.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
	Close() error
}

// Cleaner is implemented by guards whose backend does not expire entries on
// its own.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

const keyPrefix = "login_handshake:nonce:"
