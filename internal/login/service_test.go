package login

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/idp"
	"github.com/dgellow/login-handshake/internal/popup"
	"github.com/dgellow/login-handshake/internal/storage"
)

// fakeHandler builds URLs on a fake provider and trusts the access token.
type fakeHandler struct {
	verifier string
	fail     error
}

func (h *fakeHandler) Type() string                  { return "fake" }
func (h *fakeHandler) Verifier() string              { return h.verifier }
func (h *fakeHandler) LoginType() identity.LoginType { return identity.LoginTypeGoogle }
func (h *fakeHandler) AuthURL(state string) string {
	return "https://provider.example.com/authorize?state=" + url.QueryEscape(state)
}

func (h *fakeHandler) NormalizeResult(ctx context.Context, cred *handshake.Credential) (*idp.UserInfo, error) {
	if h.fail != nil {
		return nil, h.fail
	}
	return &idp.UserInfo{
		Verifier:   h.verifier,
		VerifierID: "user-for-" + cred.AccessToken,
		State:      cred.State.CallerState,
	}, nil
}

type nopWindow struct{}

func (nopWindow) Close() error          { return nil }
func (nopWindow) Done() <-chan struct{} { return nil }

// completingLauncher plays the provider and the completion page: it
// publishes a result for whatever state the auth URL carries.
type completingLauncher struct {
	broker channel.Broker
	codec  identity.Codec
	params map[string]string
}

func (l *completingLauncher) Launch(ctx context.Context, rawURL, features string) (popup.Window, error) {
	go func() {
		params, err := handshake.ReturnParams(rawURL)
		if err != nil {
			return
		}
		for k, v := range l.params {
			params[k] = v
		}
		state, err := l.codec.Decode(params["state"])
		if err != nil {
			return
		}
		payload, err := handshake.PayloadFromParams(l.codec, params)
		if err != nil {
			return
		}
		raw, _ := payload.Encode()
		_, _ = l.broker.Publish(context.Background(), identity.ChannelName(state.Nonce), raw)
	}()
	return nopWindow{}, nil
}

type navigator struct{ url string }

func (n *navigator) Navigate(ctx context.Context, url string) error {
	n.url = url
	return nil
}

func newService(t *testing.T, params map[string]string, handlers map[string]idp.Handler) *Service {
	t.Helper()
	broker := channel.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	codec := identity.PlainCodec{}
	coordinator, err := handshake.New(handshake.Options{
		Launcher:       &completingLauncher{broker: broker, codec: codec, params: params},
		Broadcast:      channel.NewBroadcast(broker),
		Codec:          codec,
		Guard:          storage.NewMemoryNonceGuard(time.Minute),
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return NewService(coordinator, handlers, Defaults{}, nil)
}

func TestLogin_Success(t *testing.T) {
	svc := newService(t, map[string]string{"access_token": "tok"}, map[string]idp.Handler{
		"google": &fakeHandler{verifier: "google-verifier"},
	})

	outcome, err := svc.Login(context.Background(), "google", Options{
		CallerState: map[string]any{"returnTo": "/home"},
	})
	require.NoError(t, err)
	assert.Equal(t, "google", outcome.Provider)
	assert.Equal(t, "user-for-tok", outcome.User.VerifierID)
	assert.Equal(t, map[string]any{"returnTo": "/home"}, outcome.User.State)
	assert.Equal(t, "google-verifier", outcome.Credential.State.VerifierID)
}

func TestLogin_ProviderError(t *testing.T) {
	svc := newService(t, map[string]string{"error": "access_denied"}, map[string]idp.Handler{
		"google": &fakeHandler{verifier: "google-verifier"},
	})

	_, err := svc.Login(context.Background(), "google", Options{})
	var providerErr *handshake.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "access_denied", providerErr.Message)
}

func TestLogin_NormalizeFailure(t *testing.T) {
	boom := errors.New("userinfo unavailable")
	svc := newService(t, map[string]string{"access_token": "tok"}, map[string]idp.Handler{
		"google": &fakeHandler{verifier: "google-verifier", fail: boom},
	})

	_, err := svc.Login(context.Background(), "google", Options{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "resolving google user")
}

func TestLogin_UnknownProvider(t *testing.T) {
	svc := newService(t, nil, map[string]idp.Handler{})
	_, err := svc.Login(context.Background(), "myspace", Options{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestLogin_RedirectModeAndResume(t *testing.T) {
	svc := newService(t, nil, map[string]idp.Handler{
		"google":  &fakeHandler{verifier: "google-verifier"},
		"discord": &fakeHandler{verifier: "discord-verifier"},
	})
	nav := &navigator{}

	_, err := svc.Login(context.Background(), "discord", Options{
		Mode:        identity.RedirectModeRedirect,
		Navigator:   nav,
		CallerState: map[string]any{"step": "checkout"},
	})
	require.ErrorIs(t, err, handshake.ErrRedirected)
	require.NotEmpty(t, nav.url)

	authURL, err := url.Parse(nav.url)
	require.NoError(t, err)
	returnURL := "https://app.example.com/done?state=" + url.QueryEscape(authURL.Query().Get("state")) + "#access_token=redirected"

	outcome, err := svc.Resume(context.Background(), returnURL)
	require.NoError(t, err)
	assert.Equal(t, "discord", outcome.Provider)
	assert.Equal(t, "user-for-redirected", outcome.User.VerifierID)
	assert.Equal(t, map[string]any{"step": "checkout"}, outcome.User.State)

	// The state is single use
	_, err = svc.Resume(context.Background(), returnURL)
	var decodeErr *handshake.StateDecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestService_Lookup(t *testing.T) {
	svc := newService(t, nil, map[string]idp.Handler{
		"b": &fakeHandler{verifier: "vb"},
		"a": &fakeHandler{verifier: "va"},
	})

	assert.Equal(t, []string{"a", "b"}, svc.Providers())

	name, h, ok := svc.HandlerForVerifier("vb")
	require.True(t, ok)
	assert.Equal(t, "b", name)
	assert.Equal(t, "vb", h.Verifier())

	_, _, ok = svc.HandlerForVerifier("missing")
	assert.False(t, ok)

	_, err := svc.Finish(context.Background(), &handshake.Credential{State: identity.HandshakeState{VerifierID: "missing"}})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
