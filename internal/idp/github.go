package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
)

// GitHubHandler logs in with GitHub. GitHub has no implicit flow, so the
// completion relay exchanges the code before publishing.
type GitHubHandler struct {
	base
	config      oauth2.Config
	httpClient  *http.Client
	allowedOrgs []string
	apiBaseURL  string // defaults to https://api.github.com, can be overridden for testing
}

var (
	_ Handler       = (*GitHubHandler)(nil)
	_ CodeExchanger = (*GitHubHandler)(nil)
)

type githubUserResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmailResponse struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubOrgResponse struct {
	Login string `json:"login"`
}

func NewGitHubHandler(verifier, clientID, clientSecret, redirectURI string, allowedOrgs []string, httpClient *http.Client) *GitHubHandler {
	return &GitHubHandler{
		base: base{
			providerType: "github",
			verifier:     verifier,
			loginType:    identity.LoginTypeGitHub,
		},
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"user:email", "read:org"},
			Endpoint:     github.Endpoint,
		},
		httpClient:  httpClient,
		allowedOrgs: allowedOrgs,
		apiBaseURL:  "https://api.github.com",
	}
}

func (h *GitHubHandler) AuthURL(state string) string {
	return h.config.AuthCodeURL(state)
}

func (h *GitHubHandler) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return h.config.Exchange(withClient(ctx, h.httpClient), code)
}

// NormalizeResult resolves the GitHub user. The verifier id is the login.
func (h *GitHubHandler) NormalizeResult(ctx context.Context, cred *handshake.Credential) (*UserInfo, error) {
	if err := requireAccessToken(h.providerType, cred); err != nil {
		return nil, err
	}
	client := bearerClient(ctx, h.httpClient, cred.AccessToken)

	var user githubUserResponse
	if err := h.get(ctx, client, "/user", &user); err != nil {
		return nil, err
	}

	// GitHub only shows verified emails in the profile
	email := user.Email
	emailVerified := email != ""
	if email == "" {
		primary, verified, err := h.fetchPrimaryEmail(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to get user email: %w", err)
		}
		email = primary
		emailVerified = verified
	}

	var orgs []string
	if len(h.allowedOrgs) > 0 {
		var err error
		orgs, err = h.fetchOrganizations(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to get user organizations: %w", err)
		}
		if !slices.ContainsFunc(orgs, func(org string) bool { return slices.Contains(h.allowedOrgs, org) }) {
			return nil, fmt.Errorf("user %s is not a member of an allowed organization", user.Login)
		}
	}

	return h.finish(&UserInfo{
		Subject:       fmt.Sprintf("%d", user.ID),
		Email:         email,
		EmailVerified: emailVerified,
		Name:          user.Name,
		Picture:       user.AvatarURL,
		Organizations: orgs,
	}, user.Login, cred)
}

func (h *GitHubHandler) get(ctx context.Context, client *http.Client, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (h *GitHubHandler) fetchPrimaryEmail(ctx context.Context, client *http.Client) (string, bool, error) {
	var emails []githubEmailResponse
	if err := h.get(ctx, client, "/user/emails", &emails); err != nil {
		return "", false, err
	}

	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, true, nil
		}
	}
	for _, email := range emails {
		if email.Verified {
			return email.Email, true, nil
		}
	}
	return "", false, fmt.Errorf("no verified email found")
}

func (h *GitHubHandler) fetchOrganizations(ctx context.Context, client *http.Client) ([]string, error) {
	var orgs []githubOrgResponse
	if err := h.get(ctx, client, "/user/orgs", &orgs); err != nil {
		return nil, err
	}
	names := make([]string, len(orgs))
	for i, org := range orgs {
		names[i] = org.Login
	}
	return names, nil
}
