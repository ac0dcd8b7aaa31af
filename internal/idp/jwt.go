package idp

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/dgellow/login-handshake/internal/crypto"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
)

// JWTConfig configures a handler for Auth0-style hosted login pages
// (passwordless, email/password, social connections behind one domain).
type JWTConfig struct {
	Verifier  string
	LoginType identity.LoginType
	// Domain is the tenant base URL, e.g. https://tenant.auth0.com.
	Domain      string
	ClientID    string
	RedirectURI string
	Scopes      []string
	// Connection selects an upstream connection on the hosted page.
	Connection              string
	VerifierIDField         string
	CaseSensitiveVerifierID bool
	AllowedDomains          []string
}

// JWTHandler reads the identity straight from the returned id token. The
// token signature is not checked here: the verifier network that consumes
// the credential verifies it against the tenant keys.
type JWTHandler struct {
	base
	config     oauth2.Config
	connection string
	field      string
	parser     *jwt.Parser
}

var _ Handler = (*JWTHandler)(nil)

func NewJWTHandler(cfg JWTConfig) (*JWTHandler, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	domain := strings.TrimRight(cfg.Domain, "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}

	loginType := cfg.LoginType
	if loginType == "" {
		loginType = identity.LoginTypeJWT
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	field := cfg.VerifierIDField
	if field == "" {
		field = "sub"
	}

	return &JWTHandler{
		base: base{
			providerType:   "jwt",
			verifier:       cfg.Verifier,
			loginType:      loginType,
			caseSensitive:  cfg.CaseSensitiveVerifierID,
			allowedDomains: cfg.AllowedDomains,
		},
		config: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  domain + "/authorize",
				TokenURL: domain + "/oauth/token",
			},
		},
		connection: cfg.Connection,
		field:      field,
		parser:     jwt.NewParser(),
	}, nil
}

func (h *JWTHandler) AuthURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("response_type", "token id_token")}
	if nonce, err := crypto.GenerateSecureToken(); err == nil {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if h.connection != "" {
		opts = append(opts, oauth2.SetAuthURLParam("connection", h.connection))
	}
	return h.config.AuthCodeURL(state, opts...)
}

func (h *JWTHandler) NormalizeResult(ctx context.Context, cred *handshake.Credential) (*UserInfo, error) {
	if cred == nil || cred.IDToken == "" {
		return nil, fmt.Errorf("jwt: credential has no id token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := h.parser.ParseUnverified(cred.IDToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	str := func(key string) string {
		s, _ := claims[key].(string)
		return s
	}
	verified, _ := claims["email_verified"].(bool)
	sub, _ := claims.GetSubject()

	verifierID := str(h.field)
	return h.finish(&UserInfo{
		Subject:       sub,
		Email:         str("email"),
		EmailVerified: verified,
		Name:          str("name"),
		Picture:       str("picture"),
	}, verifierID, cred)
}
