package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest master secret accepted for key derivation.
const MinSecretLength = 32

// DeriveKey expands a configured master secret into a purpose-bound 32-byte key.
// Different purposes yield independent keys from the same secret.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes (got %d)", MinSecretLength, len(secret))
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("login-handshake/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
