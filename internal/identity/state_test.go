package identity

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	s, err := NewState("user@example.com", LoginTypeGoogle, "", false, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, s.Nonce)
	assert.Equal(t, RedirectModePopup, s.RedirectMode)
	assert.Nil(t, s.CallerState)

	other, err := NewState("user@example.com", LoginTypeGoogle, "", false, nil)
	require.NoError(t, err)
	assert.NotEqual(t, s.Nonce, other.Nonce)
}

func TestNewState_RejectsReservedCallerKeys(t *testing.T) {
	_, err := NewState("v", LoginTypeGoogle, RedirectModePopup, false, map[string]any{"verifier": "spoofed"})
	assert.ErrorContains(t, err, "reserved")
}

func TestNewState_RequiresVerifier(t *testing.T) {
	_, err := NewState("", LoginTypeGoogle, RedirectModePopup, false, nil)
	assert.ErrorIs(t, err, ErrMissingVerifier)
}

func TestNewState_CallerStateSurvivesRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		caller map[string]any
		want   map[string]any
	}{
		{
			name:   "numbers and nested values",
			caller: map[string]any{"count": 3, "ids": []string{"a"}, "nested": map[string]int{"n": 1}},
			want:   map[string]any{"count": float64(3), "ids": []any{"a"}, "nested": map[string]any{"n": float64(1)}},
		},
		{
			name:   "empty map",
			caller: map[string]any{},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewState("v", LoginTypeGoogle, RedirectModePopup, false, tt.caller)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.CallerState)

			token, err := EncodeState(s)
			require.NoError(t, err)
			decoded, err := DecodeState(token)
			require.NoError(t, err)
			assert.Equal(t, s, decoded)
		})
	}
}

func TestNewState_RejectsUnencodableCallerState(t *testing.T) {
	_, err := NewState("v", LoginTypeGoogle, RedirectModePopup, false, map[string]any{"ch": make(chan int)})
	assert.ErrorContains(t, err, "not JSON-encodable")
}

func TestNewState_CopiesCallerState(t *testing.T) {
	caller := map[string]any{"appState": "abc"}
	s, err := NewState("v", LoginTypeGoogle, RedirectModePopup, false, caller)
	require.NoError(t, err)

	caller["appState"] = "mutated"
	assert.Equal(t, "abc", s.CallerState["appState"])
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "redirect_channel_abc", ChannelName("abc"))
}

func TestStateRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		state HandshakeState
	}{
		{
			name: "minimal",
			state: HandshakeState{
				Nonce:        "n1",
				VerifierID:   "v1",
				LoginType:    LoginTypeGoogle,
				RedirectMode: RedirectModePopup,
			},
		},
		{
			name: "redirect_to_opener",
			state: HandshakeState{
				Nonce:            "n2",
				VerifierID:       "torus-discord",
				LoginType:        LoginTypeDiscord,
				RedirectMode:     RedirectModeRedirect,
				RedirectToOpener: true,
			},
		},
		{
			name: "caller_state",
			state: HandshakeState{
				Nonce:        "n3",
				VerifierID:   "v3",
				LoginType:    LoginTypeJWT,
				RedirectMode: RedirectModePopup,
				CallerState: map[string]any{
					"appState": "return-to-dashboard",
					"count":    float64(3),
					"flag":     true,
					"nested":   map[string]any{"a": "b", "list": []any{"x", float64(1)}},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := EncodeState(tt.state)
			require.NoError(t, err)
			assert.Equal(t, url.QueryEscape(token), token, "token must be URL-safe")

			decoded, err := DecodeState(token)
			require.NoError(t, err)
			assert.Equal(t, tt.state, decoded)

			codec := PlainCodec{}
			token2, err := codec.Encode(tt.state)
			require.NoError(t, err)
			decoded2, err := codec.Decode(token2)
			require.NoError(t, err)
			assert.Equal(t, tt.state, decoded2)
		})
	}
}

func TestDecodeState_AcceptsBrowserEncodings(t *testing.T) {
	state := HandshakeState{Nonce: "n1", VerifierID: "v1", LoginType: LoginTypeGoogle, RedirectMode: RedirectModePopup}
	token, err := EncodeState(state)
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// btoa output, percent-encoded like encodeURIComponent would
	std := base64.StdEncoding.EncodeToString(raw)
	escaped := url.QueryEscape(std)

	for _, candidate := range []string{std, escaped} {
		decoded, err := DecodeState(candidate)
		require.NoError(t, err, candidate)
		assert.Equal(t, state, decoded)
	}
}

func TestDecodeState_Malformed(t *testing.T) {
	notObject := base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`))
	missingNonce := base64.RawURLEncoding.EncodeToString([]byte(`{"verifier":"v"}`))
	badType := base64.RawURLEncoding.EncodeToString([]byte(`{"instanceId":"n","verifier":7}`))

	for name, token := range map[string]string{
		"empty":         "",
		"not_base64":    "***",
		"not_json":      base64.RawURLEncoding.EncodeToString([]byte("hello")),
		"not_object":    notObject,
		"missing_nonce": missingNonce,
		"bad_type":      badType,
		"bad_escape":    "%zz",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeState(token)
			var decodeErr *StateDecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestSignedCodec(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	codec, err := NewSignedCodec(secret, time.Minute)
	require.NoError(t, err)

	state := HandshakeState{
		Nonce:        "n1",
		VerifierID:   "v1",
		LoginType:    LoginTypeGitHub,
		RedirectMode: RedirectModePopup,
		CallerState:  map[string]any{"k": "v"},
	}

	token, err := codec.Encode(state)
	require.NoError(t, err)

	decoded, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)

	// A plain token is not accepted by a signing relay
	plain, err := EncodeState(state)
	require.NoError(t, err)
	_, err = codec.Decode(plain)
	var decodeErr *StateDecodeError
	assert.ErrorAs(t, err, &decodeErr)

	// A different secret rejects the token
	other, err := NewSignedCodec([]byte(strings.Repeat("t", 32)), time.Minute)
	require.NoError(t, err)
	_, err = other.Decode(token)
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "bad signature", decodeErr.Reason)
}

func TestLoginTypeAndModeValidity(t *testing.T) {
	assert.True(t, LoginTypeGoogle.Valid())
	assert.True(t, LoginTypeWebAuthn.Valid())
	assert.False(t, LoginType("myspace").Valid())
	assert.True(t, RedirectModeRedirect.Valid())
	assert.False(t, RedirectMode("iframe").Valid())
}
