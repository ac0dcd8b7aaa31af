package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/login-handshake/internal/config"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/hostbus"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/login"
)

const githubAuthorize = "https://github.com/login/oauth/authorize"

func testConfig() config.Config {
	cfg := config.Config{
		Version: config.SupportedVersion,
		Relay: config.RelayConfig{
			Addr:    "127.0.0.1:0",
			BaseURL: "https://login.example.com",
		},
		Handshake: config.HandshakeConfig{Timeout: 5 * time.Second},
		Providers: map[string]*config.ProviderConfig{
			"github": {
				Type:             config.ProviderGitHub,
				Verifier:         "github-verifier",
				ClientID:         "client-id",
				ClientSecret:     "client-secret",
				RedirectToOpener: true,
			},
		},
	}
	config.ApplyDefaults(&cfg)
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts Options) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_MemoryStack(t *testing.T) {
	a := newApp(t, testConfig(), Options{Launcher: hostbus.NewTabs()})

	assert.Equal(t, []string{"github"}, a.Service().Providers())
	assert.Nil(t, a.cleanup, "the memory guard expires entries itself")
	_, plain := a.coordinator.Codec().(identity.PlainCodec)
	assert.True(t, plain)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{
			name:   "unsupported broker",
			mutate: func(c *config.Config) { c.Channel.Broker = "kafka" },
			errMsg: "unsupported broker",
		},
		{
			name:   "unsupported nonce store",
			mutate: func(c *config.Config) { c.NonceStore.Kind = "etcd" },
			errMsg: "unsupported nonce store",
		},
		{
			name:   "short signing key",
			mutate: func(c *config.Config) { c.StateSigningKey = "short" },
			errMsg: "failed to setup state codec",
		},
		{
			name: "broken provider",
			mutate: func(c *config.Config) {
				c.Providers["sso"] = &config.ProviderConfig{Type: config.ProviderOIDC, Verifier: "sso", ClientID: "c"}
			},
			errMsg: "provider sso",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, Options{Launcher: hostbus.NewTabs()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoginDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Handshake.Features = "width=500,height=600"
	cfg.Providers["google"] = &config.ProviderConfig{Type: config.ProviderGoogle, Verifier: "g"}

	defaults := loginDefaults(cfg)
	assert.Equal(t, identity.RedirectModePopup, defaults.Mode)
	assert.Equal(t, "width=500,height=600", defaults.Features)
	assert.Equal(t, map[string]bool{"github": true}, defaults.RedirectToOpener)
}

func TestSignedStates(t *testing.T) {
	cfg := testConfig()
	cfg.StateSigningKey = config.Secret(strings.Repeat("k", 32))
	a := newApp(t, cfg, Options{Launcher: hostbus.NewTabs()})

	_, signed := a.coordinator.Codec().(*identity.SignedCodec)
	require.True(t, signed)

	// A state this deployment did not sign is rejected by the relay
	state, err := identity.NewState("github-verifier", identity.LoginTypeGitHub, identity.RedirectModePopup, false, nil)
	require.NoError(t, err)
	forged, err := identity.PlainCodec{}.Encode(state)
	require.NoError(t, err)

	body := `{"params":{"state":"` + forged + `","access_token":"x"}}`
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/complete", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_TabClosedByUser(t *testing.T) {
	tabs := hostbus.NewTabs()
	a := newApp(t, testConfig(), Options{Launcher: tabs})

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Service().Login(context.Background(), "github", login.Options{})
		errCh <- err
	}()

	var opened []hostbus.Tab
	require.Eventually(t, func() bool {
		opened = tabs.Query(githubAuthorize)
		return len(opened) == 1
	}, 2*time.Second, 10*time.Millisecond)

	u, err := url.Parse(opened[0].URL)
	require.NoError(t, err)
	state, err := a.coordinator.Codec().Decode(u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "github-verifier", state.VerifierID)
	assert.True(t, state.RedirectToOpener)

	require.True(t, tabs.Remove(opened[0].ID))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, handshake.ErrUserCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("login did not settle")
	}
	assert.Equal(t, 0, a.Registry().Len())
}

func TestServe_StopsOnCancel(t *testing.T) {
	a := newApp(t, testConfig(), Options{Launcher: hostbus.NewTabs()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
