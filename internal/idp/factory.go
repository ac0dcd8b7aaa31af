package idp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dgellow/login-handshake/internal/config"
	"github.com/dgellow/login-handshake/internal/identity"
)

// NewHandler creates a Handler from its provider config. A nil httpClient
// gets NewHTTPClient. OIDC and Azure handlers run discovery here.
func NewHandler(ctx context.Context, cfg config.ProviderConfig, httpClient *http.Client) (Handler, error) {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	switch cfg.Type {
	case config.ProviderGoogle:
		return NewGoogleHandler(
			cfg.Verifier,
			cfg.ClientID,
			cfg.RedirectURI,
			cfg.AllowedDomains,
			httpClient,
		), nil

	case config.ProviderGitHub:
		return NewGitHubHandler(
			cfg.Verifier,
			cfg.ClientID,
			string(cfg.ClientSecret),
			cfg.RedirectURI,
			cfg.AllowedOrgs,
			httpClient,
		), nil

	case config.ProviderDiscord:
		return NewDiscordHandler(
			cfg.Verifier,
			cfg.ClientID,
			string(cfg.ClientSecret),
			cfg.RedirectURI,
			httpClient,
		), nil

	case config.ProviderAzure:
		h, err := NewAzureHandler(
			ctx,
			cfg.Verifier,
			cfg.TenantID,
			cfg.ClientID,
			string(cfg.ClientSecret),
			cfg.RedirectURI,
			cfg.AllowedDomains,
			httpClient,
		)
		if err != nil {
			return nil, err
		}
		return h, nil

	case config.ProviderOIDC:
		h, err := NewOIDCHandler(ctx, OIDCConfig{
			ProviderType:            "oidc",
			Verifier:                cfg.Verifier,
			LoginType:               identity.LoginType(cfg.LoginType),
			Issuer:                  cfg.Issuer,
			ClientID:                cfg.ClientID,
			ClientSecret:            string(cfg.ClientSecret),
			RedirectURI:             cfg.RedirectURI,
			Scopes:                  cfg.Scopes,
			ResponseType:            cfg.ResponseType,
			VerifierIDField:         cfg.VerifierIDField,
			CaseSensitiveVerifierID: cfg.CaseSensitiveVerifierID,
			AllowedDomains:          cfg.AllowedDomains,
			HTTPClient:              httpClient,
		})
		if err != nil {
			return nil, err
		}
		return h, nil

	case config.ProviderJWT:
		h, err := NewJWTHandler(JWTConfig{
			Verifier:                cfg.Verifier,
			LoginType:               identity.LoginType(cfg.LoginType),
			Domain:                  cfg.Domain,
			ClientID:                cfg.ClientID,
			RedirectURI:             cfg.RedirectURI,
			Scopes:                  cfg.Scopes,
			Connection:              cfg.Connection,
			VerifierIDField:         cfg.VerifierIDField,
			CaseSensitiveVerifierID: cfg.CaseSensitiveVerifierID,
			AllowedDomains:          cfg.AllowedDomains,
		})
		if err != nil {
			return nil, err
		}
		return h, nil

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// NewHandlers builds every configured provider, keyed by config name.
func NewHandlers(ctx context.Context, providers map[string]*config.ProviderConfig, httpClient *http.Client) (map[string]Handler, error) {
	handlers := make(map[string]Handler, len(providers))
	for name, cfg := range providers {
		if cfg == nil {
			continue
		}
		h, err := NewHandler(ctx, *cfg, httpClient)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		handlers[name] = h
	}
	return handlers, nil
}
