package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openstreamrotator/osrweb/internal/config"
)

const (
	discordTokenURL = "https://discord.com/api/oauth2/token"
	discordUserURL  = "https://discord.com/api/users/@me"
	discordAuthURL  = "https://discord.com/api/oauth2/authorize"
)

// DiscordUser is the profile returned by the Discord API.
type DiscordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// DiscordClient exchanges OAuth authorization codes for Discord profiles.
type DiscordClient struct {
	clientID     string
	clientSecret string
	redirectURI  string
	http         *http.Client

	// Endpoint overrides for tests.
	tokenURL string
	userURL  string
	authURL  string
}

// NewDiscordClient creates a client for the configured Discord OAuth application.
func NewDiscordClient(cfg config.DiscordConfig) *DiscordClient {
	return &DiscordClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		http:         &http.Client{Timeout: 10 * time.Second},
		tokenURL:     discordTokenURL,
		userURL:      discordUserURL,
		authURL:      discordAuthURL,
	}
}

// AuthorizeURL builds the Discord consent URL for the given CSRF state.
func (c *DiscordClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "identify")
	q.Set("state", state)
	return c.authURL + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for the user's Discord profile.
func (c *DiscordClient) ExchangeCode(ctx context.Context, code string) (*DiscordUser, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token exchange failed: %s: %s", resp.Status, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrInvalidCredentials
	}

	return c.fetchUser(ctx, tok.AccessToken)
}

func (c *DiscordClient) fetchUser(ctx context.Context, accessToken string) (*DiscordUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch user failed: %s", resp.Status)
	}

	var user DiscordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}
