package idp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dgellow/login-handshake/internal/identity"
)

// azureAuthority is overridable for tests.
var azureAuthority = "https://login.microsoftonline.com"

// NewAzureHandler creates an Azure AD handler using OIDC discovery.
// Azure AD is OIDC-compliant, so this is the generic OIDC handler pointed at
// the tenant's issuer, keyed on email.
func NewAzureHandler(ctx context.Context, verifier, tenantID, clientID, clientSecret, redirectURI string, allowedDomains []string, httpClient *http.Client) (*OIDCHandler, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantId is required for Azure AD")
	}

	return NewOIDCHandler(ctx, OIDCConfig{
		ProviderType:    "azure",
		Verifier:        verifier,
		LoginType:       identity.LoginTypeJWT,
		Issuer:          fmt.Sprintf("%s/%s/v2.0", azureAuthority, tenantID),
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		RedirectURI:     redirectURI,
		Scopes:          []string{"openid", "email", "profile"},
		VerifierIDField: "email",
		AllowedDomains:  allowedDomains,
		HTTPClient:      httpClient,
	})
}
