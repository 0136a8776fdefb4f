package auth

import (
	"fmt"

	"github.com/openstreamrotator/osrweb/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "oidc":
		return NewOIDCProvider(cfg.OIDCIssuer)
	case "builtin", "":
		return NewService(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
