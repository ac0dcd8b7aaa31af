package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/login-handshake/internal/config"
)

const testKeyID = "test-key"

// oidcServer is a minimal OpenID provider: discovery, JWKS and userinfo
// under an issuer path.
type oidcServer struct {
	*httptest.Server
	key    *rsa.PrivateKey
	issuer string
}

func newOIDCServer(t *testing.T, issuerPath string) *oidcServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &oidcServer{key: key}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, issuerPath) {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":                                s.issuer,
				"authorization_endpoint":                s.issuer + "/authorize",
				"token_endpoint":                        s.issuer + "/token",
				"jwks_uri":                              s.issuer + "/keys",
				"userinfo_endpoint":                     s.issuer + "/userinfo",
				"id_token_signing_alg_values_supported": []string{"RS256"},
			})
		case "/keys":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"keys": []map[string]any{{
					"kty": "RSA",
					"alg": "RS256",
					"use": "sig",
					"kid": testKeyID,
					"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
				}},
			})
		case "/userinfo":
			if r.Header.Get("Authorization") != "Bearer opaque-access" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"sub":            "user-from-userinfo",
				"email":          "carol@example.org",
				"email_verified": true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	s.issuer = s.URL + issuerPath
	t.Cleanup(s.Close)
	return s
}

func (s *oidcServer) idToken(t *testing.T, audience string, claims jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	all := jwt.MapClaims{
		"iss": s.issuer,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		all[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, all)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func TestOIDCHandler_IDToken(t *testing.T) {
	server := newOIDCServer(t, "")

	h, err := NewOIDCHandler(context.Background(), OIDCConfig{
		Verifier:    "company-sso",
		Issuer:      server.issuer,
		ClientID:    "client-id",
		RedirectURI: "https://login.example.com/auth/callback",
		HTTPClient:  server.Client(),
	})
	require.NoError(t, err)
	assert.Equal(t, "oidc", h.Type())

	authURL := h.AuthURL("st")
	assert.True(t, strings.HasPrefix(authURL, server.issuer+"/authorize?"))
	assert.Contains(t, authURL, "response_type=token+id_token")
	assert.Contains(t, authURL, "nonce=")

	idToken := server.idToken(t, "client-id", jwt.MapClaims{
		"sub":            "User-42",
		"email":          "Dave@Example.com",
		"email_verified": true,
		"name":           "Dave",
	})

	info, err := h.NormalizeResult(context.Background(), credential("", idToken))
	require.NoError(t, err)
	assert.Equal(t, "user-42", info.VerifierID)
	assert.Equal(t, "User-42", info.Subject)
	assert.Equal(t, "Dave@Example.com", info.Email)
	assert.Equal(t, "example.com", info.Domain)
	assert.True(t, info.EmailVerified)
}

func TestOIDCHandler_RejectsForeignAudience(t *testing.T) {
	server := newOIDCServer(t, "")

	h, err := NewOIDCHandler(context.Background(), OIDCConfig{
		Verifier:   "company-sso",
		Issuer:     server.issuer,
		ClientID:   "client-id",
		HTTPClient: server.Client(),
	})
	require.NoError(t, err)

	idToken := server.idToken(t, "someone-else", jwt.MapClaims{"sub": "x"})
	_, err = h.NormalizeResult(context.Background(), credential("", idToken))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to verify id token")
}

func TestOIDCHandler_UserInfoFallback(t *testing.T) {
	server := newOIDCServer(t, "")

	h, err := NewOIDCHandler(context.Background(), OIDCConfig{
		Verifier:                "company-sso",
		Issuer:                  server.issuer,
		ClientID:                "client-id",
		ResponseType:            "code",
		VerifierIDField:         "email",
		CaseSensitiveVerifierID: true,
		AllowedDomains:          []string{"example.org"},
		HTTPClient:              server.Client(),
	})
	require.NoError(t, err)
	assert.NotContains(t, h.AuthURL("st"), "nonce=")

	info, err := h.NormalizeResult(context.Background(), credential("opaque-access", ""))
	require.NoError(t, err)
	assert.Equal(t, "carol@example.org", info.VerifierID)
	assert.Equal(t, "user-from-userinfo", info.Subject)

	_, err = h.NormalizeResult(context.Background(), credential("", ""))
	assert.ErrorContains(t, err, "neither id token nor access token")
}

func TestOIDCHandler_DiscoveryFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewOIDCHandler(context.Background(), OIDCConfig{Issuer: server.URL, ClientID: "c"})
	assert.ErrorContains(t, err, "failed to create OIDC provider")

	_, err = NewOIDCHandler(context.Background(), OIDCConfig{ClientID: "c"})
	assert.ErrorContains(t, err, "issuer is required")
}

func TestAzureHandler(t *testing.T) {
	server := newOIDCServer(t, "/tenant-123/v2.0")

	previous := azureAuthority
	azureAuthority = server.URL
	t.Cleanup(func() { azureAuthority = previous })

	h, err := NewHandler(context.Background(), config.ProviderConfig{
		Type:     config.ProviderAzure,
		Verifier: "azure-verifier",
		TenantID: "tenant-123",
		ClientID: "azure-client",
	}, server.Client())
	require.NoError(t, err)
	assert.Equal(t, "azure", h.Type())

	idToken := server.idToken(t, "azure-client", jwt.MapClaims{
		"sub":   "opaque-sub",
		"email": "Erin@Contoso.com",
	})
	info, err := h.NormalizeResult(context.Background(), credential("", idToken))
	require.NoError(t, err)
	assert.Equal(t, "erin@contoso.com", info.VerifierID)
	assert.Equal(t, "contoso.com", info.Domain)
}
