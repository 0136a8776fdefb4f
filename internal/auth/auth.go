// Package auth provides authentication for dashboard users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openstreamrotator/osrweb/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID    string `json:"uid"`
	DiscordID string `json:"did"`
	Username  string `json:"usr"`
	jwt.RegisteredClaims
}

// Service mints and validates session JWTs for users who logged in via
// Discord OAuth. It implements Provider and TokenIssuer.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a new auth service.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// IssueToken mints a session JWT for a logged-in user.
func (s *Service) IssueToken(userID, discordID, username string) (string, error) {
	claims := &Claims{
		UserID:    userID,
		DiscordID: discordID,
		Username:  username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID:    claims.UserID,
		DiscordID: claims.DiscordID,
		Username:  claims.Username,
	}, nil
}
