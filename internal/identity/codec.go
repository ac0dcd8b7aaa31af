package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/login-handshake/internal/crypto"
)

// StateDecodeError reports a state token that could not be turned back into
// a HandshakeState. Callers drop the message that carried it.
type StateDecodeError struct {
	Reason string
	Err    error
}

func (e *StateDecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state decode: %s: %v", e.Reason, e.Err)
	}
	return "state decode: " + e.Reason
}

func (e *StateDecodeError) Unwrap() error {
	return e.Err
}

func decodeError(reason string, err error) error {
	return &StateDecodeError{Reason: reason, Err: err}
}

// Codec turns a HandshakeState into the opaque state query parameter and back.
type Codec interface {
	Encode(HandshakeState) (string, error)
	Decode(token string) (HandshakeState, error)
}

// EncodeState serializes a state into a URL-safe token.
func EncodeState(s HandshakeState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState parses a token produced by EncodeState. It also accepts the
// standard base64 alphabet, padding and percent-encoding, which is how
// browser relays tend to hand the token back.
func DecodeState(token string) (HandshakeState, error) {
	token, err := unescape(token)
	if err != nil {
		return HandshakeState{}, err
	}
	data, err := decodeBase64(token)
	if err != nil {
		return HandshakeState{}, decodeError("invalid base64", err)
	}
	var s HandshakeState
	if err := json.Unmarshal(data, &s); err != nil {
		return HandshakeState{}, decodeError("invalid json", err)
	}
	if err := requireIdentity(s); err != nil {
		return HandshakeState{}, err
	}
	return s, nil
}

func unescape(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", decodeError("empty token", nil)
	}
	if strings.Contains(token, "%") {
		unescaped, err := url.PathUnescape(token)
		if err != nil {
			return "", decodeError("invalid percent-encoding", err)
		}
		token = unescaped
	}
	return token, nil
}

func decodeBase64(token string) ([]byte, error) {
	trimmed := strings.TrimRight(token, "=")
	if strings.ContainsAny(trimmed, "+/") {
		return base64.RawStdEncoding.DecodeString(trimmed)
	}
	return base64.RawURLEncoding.DecodeString(trimmed)
}

func requireIdentity(s HandshakeState) error {
	if s.Nonce == "" {
		return decodeError("missing "+keyNonce, nil)
	}
	if s.VerifierID == "" {
		return decodeError("missing "+keyVerifier, nil)
	}
	return nil
}

// PlainCodec is the unsigned base64url(JSON) encoding.
type PlainCodec struct{}

func (PlainCodec) Encode(s HandshakeState) (string, error) { return EncodeState(s) }

func (PlainCodec) Decode(token string) (HandshakeState, error) { return DecodeState(token) }

// SignedCodec HMAC-signs the state so a relay can reject tokens it did not
// issue, and expires them after ttl.
type SignedCodec struct {
	signer crypto.TokenSigner
}

// NewSignedCodec derives a state-signing key from secret.
func NewSignedCodec(secret []byte, ttl time.Duration) (*SignedCodec, error) {
	key, err := crypto.DeriveKey(secret, "state")
	if err != nil {
		return nil, err
	}
	return &SignedCodec{signer: crypto.NewTokenSigner(key, ttl)}, nil
}

func (c *SignedCodec) Encode(s HandshakeState) (string, error) {
	token, err := c.signer.Sign(s)
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	return token, nil
}

func (c *SignedCodec) Decode(token string) (HandshakeState, error) {
	token, err := unescape(token)
	if err != nil {
		return HandshakeState{}, err
	}
	var s HandshakeState
	if err := c.signer.Verify(token, &s); err != nil {
		switch {
		case errors.Is(err, crypto.ErrTokenExpired):
			return HandshakeState{}, decodeError("expired", err)
		case errors.Is(err, crypto.ErrBadSignature):
			return HandshakeState{}, decodeError("bad signature", err)
		default:
			return HandshakeState{}, decodeError("invalid token", err)
		}
	}
	if err := requireIdentity(s); err != nil {
		return HandshakeState{}, err
	}
	return s, nil
}
