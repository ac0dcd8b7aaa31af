package idp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/dgellow/login-handshake/internal/crypto"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
)

// OIDCConfig configures a generic OIDC handler.
type OIDCConfig struct {
	// ProviderType identifies this handler (e.g., "oidc", "azure").
	ProviderType string
	Verifier     string
	LoginType    identity.LoginType

	// Issuer is discovered through /.well-known/openid-configuration.
	Issuer string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// ResponseType defaults to "token id_token". Use "code" to have the relay
	// exchange an authorization code.
	ResponseType string

	// VerifierIDField is the claim used as verifier id, "sub" by default.
	VerifierIDField         string
	CaseSensitiveVerifierID bool
	AllowedDomains          []string

	HTTPClient *http.Client
}

// OIDCHandler handles any OpenID Connect provider. ID tokens are verified
// against the issuer's keys; without one it falls back to the userinfo
// endpoint.
type OIDCHandler struct {
	base
	provider        *oidc.Provider
	idTokenVerifier *oidc.IDTokenVerifier
	config          oauth2.Config
	responseType    string
	field           string
	httpClient      *http.Client
}

var (
	_ Handler       = (*OIDCHandler)(nil)
	_ CodeExchanger = (*OIDCHandler)(nil)
)

// NewOIDCHandler runs discovery against cfg.Issuer.
func NewOIDCHandler(ctx context.Context, cfg OIDCConfig) (*OIDCHandler, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("clientId is required")
	}

	provider, err := oidc.NewProvider(withClient(ctx, cfg.HTTPClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	providerType := cfg.ProviderType
	if providerType == "" {
		providerType = "oidc"
	}
	loginType := cfg.LoginType
	if loginType == "" {
		loginType = identity.LoginTypeJWT
	}
	responseType := cfg.ResponseType
	if responseType == "" {
		responseType = "token id_token"
	}
	field := cfg.VerifierIDField
	if field == "" {
		field = "sub"
	}

	return &OIDCHandler{
		base: base{
			providerType:   providerType,
			verifier:       cfg.Verifier,
			loginType:      loginType,
			caseSensitive:  cfg.CaseSensitiveVerifierID,
			allowedDomains: cfg.AllowedDomains,
		},
		provider:        provider,
		idTokenVerifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     provider.Endpoint(),
		},
		responseType: responseType,
		field:        field,
		httpClient:   cfg.HTTPClient,
	}, nil
}

func (h *OIDCHandler) AuthURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("response_type", h.responseType)}
	if strings.Contains(h.responseType, "id_token") {
		if nonce, err := crypto.GenerateSecureToken(); err == nil {
			opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
		}
	}
	return h.config.AuthCodeURL(state, opts...)
}

func (h *OIDCHandler) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return h.config.Exchange(withClient(ctx, h.httpClient), code)
}

type oidcClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (h *OIDCHandler) NormalizeResult(ctx context.Context, cred *handshake.Credential) (*UserInfo, error) {
	if cred == nil {
		return nil, fmt.Errorf("%s: no credential", h.providerType)
	}
	ctx = withClient(ctx, h.httpClient)

	var claims oidcClaims
	raw := map[string]any{}

	switch {
	case cred.IDToken != "":
		token, err := h.idTokenVerifier.Verify(ctx, cred.IDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to verify id token: %w", err)
		}
		if err := token.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to decode id token claims: %w", err)
		}
		if err := token.Claims(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode id token claims: %w", err)
		}

	case cred.AccessToken != "":
		info, err := h.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken}))
		if err != nil {
			return nil, fmt.Errorf("failed to get user info: %w", err)
		}
		if err := info.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to decode user info: %w", err)
		}
		if err := info.Claims(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode user info: %w", err)
		}

	default:
		return nil, fmt.Errorf("%s: credential has neither id token nor access token", h.providerType)
	}

	verifierID, _ := raw[h.field].(string)
	return h.finish(&UserInfo{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, verifierID, cred)
}
