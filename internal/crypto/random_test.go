package crypto

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, TokenBytes)
}

func TestSignData(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	sig := SignData("payload", key)

	assert.True(t, ValidateSignedData("payload", sig, key))
	assert.False(t, ValidateSignedData("payload2", sig, key))
	assert.False(t, ValidateSignedData("payload", sig, []byte("another-key-another-key-another!!")))
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("this-is-a-long-enough-master-secret!")

	k1, err := DeriveKey(secret, "state")
	require.NoError(t, err)
	k2, err := DeriveKey(secret, "state")
	require.NoError(t, err)
	k3, err := DeriveKey(secret, "other")
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey([]byte("short"), "state")
	assert.Error(t, err)
}

func TestTokenSigner(t *testing.T) {
	type payload struct {
		Nonce string `json:"nonce"`
	}
	key := []byte("0123456789abcdef0123456789abcdef")

	t.Run("round_trip", func(t *testing.T) {
		signer := NewTokenSigner(key, time.Minute)
		token, err := signer.Sign(payload{Nonce: "n1"})
		require.NoError(t, err)
		assert.NotContains(t, token, "=")

		var out payload
		require.NoError(t, signer.Verify(token, &out))
		assert.Equal(t, "n1", out.Nonce)
	})

	t.Run("tampered", func(t *testing.T) {
		signer := NewTokenSigner(key, 0)
		token, err := signer.Sign(payload{Nonce: "n1"})
		require.NoError(t, err)

		other := NewTokenSigner([]byte("ffffffffffffffffffffffffffffffff"), 0)
		var out payload
		assert.ErrorIs(t, other.Verify(token, &out), ErrBadSignature)
	})

	t.Run("malformed", func(t *testing.T) {
		signer := NewTokenSigner(key, 0)
		var out payload
		assert.ErrorIs(t, signer.Verify("no-dot-here", &out), ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		signer := NewTokenSigner(key, time.Minute)
		token, err := signer.Sign(payload{Nonce: "n1"})
		require.NoError(t, err)

		signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		var out payload
		assert.ErrorIs(t, signer.Verify(token, &out), ErrTokenExpired)
	})
}
