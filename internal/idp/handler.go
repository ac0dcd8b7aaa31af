// Package idp contains the login handlers: one per identity provider, each
// building the authorization URL for a handshake and turning the returned
// credential into a normalized UserInfo.
package idp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/oauth2"

	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
)

// UserInfo is the normalized identity a login resolves to.
type UserInfo struct {
	ProviderType string             `json:"provider_type"`
	Verifier     string             `json:"verifier"`
	VerifierID   string             `json:"verifier_id"`
	TypeOfLogin  identity.LoginType `json:"type_of_login"`

	Subject       string   `json:"sub"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	Domain        string   `json:"domain,omitempty"`
	Organizations []string `json:"organizations,omitempty"`

	// State is the caller state that travelled with the handshake.
	State map[string]any `json:"state,omitempty"`
}

// Handler is a login handler for one verifier.
type Handler interface {
	// Type returns the provider type ("google", "github", "oidc", ...).
	Type() string
	// Verifier is the verifier name embedded in the handshake state.
	Verifier() string
	LoginType() identity.LoginType
	// AuthURL builds the authorization URL carrying state.
	handshake.URLBuilder
	// NormalizeResult resolves the user behind a credential.
	NormalizeResult(ctx context.Context, cred *handshake.Credential) (*UserInfo, error)
}

// CodeExchanger is implemented by handlers whose provider returns an
// authorization code. The relay exchanges it before publishing the result.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
}

// TokenParams flattens a token into the parameters a completion page
// publishes.
func TokenParams(token *oauth2.Token) map[string]any {
	params := map[string]any{
		"access_token": token.AccessToken,
		"token_type":   token.Type(),
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		params["id_token"] = idToken
	}
	if !token.Expiry.IsZero() {
		params["expiry"] = token.Expiry.Unix()
	}
	return params
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, domain) {
		return fmt.Errorf("domain '%s' is not allowed", domain)
	}
	return nil
}

// base carries what every handler shares.
type base struct {
	providerType   string
	verifier       string
	loginType      identity.LoginType
	caseSensitive  bool
	allowedDomains []string
}

func (b base) Type() string                  { return b.providerType }
func (b base) Verifier() string              { return b.verifier }
func (b base) LoginType() identity.LoginType { return b.loginType }

// finish fills the fields common to every handler and applies the domain
// restriction.
func (b base) finish(info *UserInfo, verifierID string, cred *handshake.Credential) (*UserInfo, error) {
	if verifierID == "" {
		return nil, fmt.Errorf("%s: no verifier id in provider response", b.providerType)
	}
	if info.Domain == "" {
		info.Domain = emailDomain(info.Email)
	}
	if err := ValidateDomain(info.Domain, b.allowedDomains); err != nil {
		return nil, err
	}

	info.ProviderType = b.providerType
	info.Verifier = b.verifier
	info.TypeOfLogin = b.loginType
	info.VerifierID = normalizeVerifierID(verifierID, b.caseSensitive)
	if cred != nil {
		info.State = cred.State.CallerState
	}
	return info, nil
}

func normalizeVerifierID(id string, caseSensitive bool) string {
	id = strings.TrimSpace(id)
	if caseSensitive {
		return id
	}
	return strings.ToLower(id)
}

func emailDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

func requireAccessToken(providerType string, cred *handshake.Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return fmt.Errorf("%s: credential has no access token", providerType)
	}
	return nil
}
