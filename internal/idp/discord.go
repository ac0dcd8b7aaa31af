package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
)

var discordEndpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/api/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

// DiscordHandler logs in with Discord's implicit token flow. The verifier
// id is the numeric user id, which is case sensitive by nature.
type DiscordHandler struct {
	base
	config     oauth2.Config
	httpClient *http.Client
	apiBaseURL string
}

var (
	_ Handler       = (*DiscordHandler)(nil)
	_ CodeExchanger = (*DiscordHandler)(nil)
)

type discordUserResponse struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Email      string `json:"email"`
	Verified   bool   `json:"verified"`
}

func NewDiscordHandler(verifier, clientID, clientSecret, redirectURI string, httpClient *http.Client) *DiscordHandler {
	return &DiscordHandler{
		base: base{
			providerType:  "discord",
			verifier:      verifier,
			loginType:     identity.LoginTypeDiscord,
			caseSensitive: true,
		},
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"identify", "email"},
			Endpoint:     discordEndpoint,
		},
		httpClient: httpClient,
		apiBaseURL: "https://discord.com/api",
	}
}

func (h *DiscordHandler) AuthURL(state string) string {
	return h.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_type", "token"),
		oauth2.SetAuthURLParam("prompt", "none"),
	)
}

func (h *DiscordHandler) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return h.config.Exchange(withClient(ctx, h.httpClient), code)
}

func (h *DiscordHandler) NormalizeResult(ctx context.Context, cred *handshake.Credential) (*UserInfo, error) {
	if err := requireAccessToken(h.providerType, cred); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiBaseURL+"/users/@me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := bearerClient(ctx, h.httpClient, cred.AccessToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user info: status %d", resp.StatusCode)
	}

	var user discordUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	name := user.GlobalName
	if name == "" {
		name = user.Username
	}
	var picture string
	if user.Avatar != "" {
		picture = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png?size=2048", user.ID, user.Avatar)
	}

	return h.finish(&UserInfo{
		Subject:       user.ID,
		Email:         user.Email,
		EmailVerified: user.Verified,
		Name:          name,
		Picture:       picture,
	}, user.ID, cred)
}
