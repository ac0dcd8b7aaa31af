package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/dgellow/login-handshake/internal/crypto"
)

// LoginType identifies the kind of social or passwordless login.
type LoginType string

const (
	LoginTypeGoogle        LoginType = "google"
	LoginTypeFacebook      LoginType = "facebook"
	LoginTypeReddit        LoginType = "reddit"
	LoginTypeDiscord       LoginType = "discord"
	LoginTypeTwitch        LoginType = "twitch"
	LoginTypeGitHub        LoginType = "github"
	LoginTypeApple         LoginType = "apple"
	LoginTypeLinkedIn      LoginType = "linkedin"
	LoginTypeTwitter       LoginType = "twitter"
	LoginTypeWeibo         LoginType = "weibo"
	LoginTypeLine          LoginType = "line"
	LoginTypeEmailPassword LoginType = "email_password"
	LoginTypePasswordless  LoginType = "passwordless"
	LoginTypeJWT           LoginType = "jwt"
	LoginTypeWebAuthn      LoginType = "webauthn"
)

var knownLoginTypes = map[LoginType]bool{
	LoginTypeGoogle: true, LoginTypeFacebook: true, LoginTypeReddit: true,
	LoginTypeDiscord: true, LoginTypeTwitch: true, LoginTypeGitHub: true,
	LoginTypeApple: true, LoginTypeLinkedIn: true, LoginTypeTwitter: true,
	LoginTypeWeibo: true, LoginTypeLine: true, LoginTypeEmailPassword: true,
	LoginTypePasswordless: true, LoginTypeJWT: true, LoginTypeWebAuthn: true,
}

// Valid reports whether t is one of the known login types.
func (t LoginType) Valid() bool {
	return knownLoginTypes[t]
}

// RedirectMode selects between opening a separate window and navigating
// the current context away.
type RedirectMode string

const (
	RedirectModePopup    RedirectMode = "popup"
	RedirectModeRedirect RedirectMode = "redirect"
)

// Valid reports whether m is popup or redirect.
func (m RedirectMode) Valid() bool {
	return m == RedirectModePopup || m == RedirectModeRedirect
}

// Wire keys of the state token. Caller state is flattened beside them.
const (
	keyNonce            = "instanceId"
	keyVerifier         = "verifier"
	keyLoginType        = "typeOfLogin"
	keyRedirectMode     = "redirectMode"
	keyRedirectToOpener = "redirectToOpener"
)

var reservedKeys = []string{keyNonce, keyVerifier, keyLoginType, keyRedirectMode, keyRedirectToOpener}

// ErrMissingVerifier is returned by NewState for an empty verifier. Every
// returned result is matched against it, so it can't be blank.
var ErrMissingVerifier = errors.New("verifier is required")

// HandshakeState is the per-attempt state carried through the provider and
// back. Treat it as immutable once created.
//
// NewState stores CallerState in its decoded JSON form (numbers as float64,
// objects as map[string]any, empty as nil), so a state equals itself after
// an encode/decode round trip.
type HandshakeState struct {
	Nonce            string
	VerifierID       string
	LoginType        LoginType
	RedirectMode     RedirectMode
	RedirectToOpener bool
	CallerState      map[string]any
}

// NewState creates a state for a fresh attempt with a new nonce.
func NewState(verifierID string, loginType LoginType, mode RedirectMode, redirectToOpener bool, callerState map[string]any) (HandshakeState, error) {
	if verifierID == "" {
		return HandshakeState{}, ErrMissingVerifier
	}
	caller, err := normalizeCallerState(callerState)
	if err != nil {
		return HandshakeState{}, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return HandshakeState{}, err
	}
	if mode == "" {
		mode = RedirectModePopup
	}
	s := HandshakeState{
		Nonce:            nonce,
		VerifierID:       verifierID,
		LoginType:        loginType,
		RedirectMode:     mode,
		RedirectToOpener: redirectToOpener,
		CallerState:      caller,
	}
	return s, s.validateCallerState()
}

// normalizeCallerState converts caller state to what decoding a state token
// yields. The result shares nothing with the caller's map.
func normalizeCallerState(callerState map[string]any) (map[string]any, error) {
	if len(callerState) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(callerState)
	if err != nil {
		return nil, fmt.Errorf("caller state is not JSON-encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("caller state is not JSON-encodable: %w", err)
	}
	return out, nil
}

// NewNonce returns a fresh 256-bit URL-safe nonce.
func NewNonce() (string, error) {
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

// ChannelName is the result channel name for a nonce. Publishers and
// subscribers must agree on it exactly.
func ChannelName(nonce string) string {
	return "redirect_channel_" + nonce
}

func (s HandshakeState) validateCallerState() error {
	for _, k := range reservedKeys {
		if _, ok := s.CallerState[k]; ok {
			return fmt.Errorf("caller state key %q is reserved", k)
		}
	}
	return nil
}

// MarshalJSON flattens caller state next to the handshake fields.
func (s HandshakeState) MarshalJSON() ([]byte, error) {
	if err := s.validateCallerState(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.CallerState)+len(reservedKeys))
	maps.Copy(out, s.CallerState)
	out[keyNonce] = s.Nonce
	out[keyVerifier] = s.VerifierID
	out[keyLoginType] = s.LoginType
	out[keyRedirectMode] = s.RedirectMode
	out[keyRedirectToOpener] = s.RedirectToOpener
	return json.Marshal(out)
}

// UnmarshalJSON restores the handshake fields and gathers every other key
// into CallerState. It does not require any field to be present.
func (s *HandshakeState) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("state must be a JSON object")
	}

	var out HandshakeState
	var err error
	if out.Nonce, err = stringField(raw, keyNonce); err != nil {
		return err
	}
	if out.VerifierID, err = stringField(raw, keyVerifier); err != nil {
		return err
	}
	lt, err := stringField(raw, keyLoginType)
	if err != nil {
		return err
	}
	out.LoginType = LoginType(lt)
	mode, err := stringField(raw, keyRedirectMode)
	if err != nil {
		return err
	}
	out.RedirectMode = RedirectMode(mode)
	if v, ok := raw[keyRedirectToOpener]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%s must be a boolean", keyRedirectToOpener)
		}
		out.RedirectToOpener = b
	}

	for _, k := range reservedKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		out.CallerState = raw
	}

	*s = out
	return nil
}

func stringField(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return str, nil
}
