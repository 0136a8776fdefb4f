package auth

import "context"

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID    string // Internal user ID (builtin) or external provider user ID
	DiscordID string
	Username  string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// TokenIssuer is implemented by providers that mint session tokens after
// a successful OAuth login.
type TokenIssuer interface {
	IssueToken(userID, discordID, username string) (string, error)
}
