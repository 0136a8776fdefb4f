package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"public_url": "https://dash.example.com"
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"discord": {
				"client_id": "cid",
				"client_secret": "csecret",
				"redirect_uri": "https://dash.example.com/auth/discord/callback"
			}
		},
		"storage": {
			"driver": "postgres",
			"dsn": "postgres://localhost/osrweb"
		},
		"relay": {
			"log_cache_size": 500,
			"max_message_bytes": 65536,
			"watcher_ttl": "30s",
			"command_roles": {"skip_video": "viewer"}
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		},
		"smtp": {
			"host": "smtp.example.com",
			"to": "bugs@example.com"
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Server.PublicURL != "https://dash.example.com" {
		t.Errorf("Server.PublicURL: got %q", cfg.Server.PublicURL)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.Discord.ClientID != "cid" {
		t.Errorf("Auth.Discord.ClientID: got %q", cfg.Auth.Discord.ClientID)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Relay.LogCacheSize != 500 {
		t.Errorf("Relay.LogCacheSize: got %d, want 500", cfg.Relay.LogCacheSize)
	}
	if cfg.Relay.MaxMessageBytes != 65536 {
		t.Errorf("Relay.MaxMessageBytes: got %d, want 65536", cfg.Relay.MaxMessageBytes)
	}
	if cfg.Relay.WatcherTTL.Duration != 30*time.Second {
		t.Errorf("Relay.WatcherTTL: got %v, want 30s", cfg.Relay.WatcherTTL.Duration)
	}
	if cfg.Relay.CommandRoles["skip_video"] != "viewer" {
		t.Errorf("Relay.CommandRoles: got %v", cfg.Relay.CommandRoles)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
	if cfg.SMTP.Host != "smtp.example.com" || cfg.SMTP.To != "bugs@example.com" {
		t.Errorf("SMTP: got %+v", cfg.SMTP)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("default SMTP.Port: got %d, want 587", cfg.SMTP.Port)
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"relay": {"watcher_ttl": 45}
	}`
	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.WatcherTTL.Duration != 45*time.Second {
		t.Errorf("numeric watcher_ttl: got %v, want 45s", cfg.Relay.WatcherTTL.Duration)
	}
}

func TestValidateRequired(t *testing.T) {
	// Missing server.addr
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-xx"}
	}`
	path := writeTempConfig(t, noAddr)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	// Missing auth.jwt_secret with builtin provider
	noSecret := `{
		"server": {"addr": ":8080"},
		"auth": {}
	}`
	path = writeTempConfig(t, noSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	// Short secret
	shortSecret := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "too-short"}
	}`
	path = writeTempConfig(t, shortSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for short jwt_secret, got nil")
	}

	// OIDC provider requires an issuer
	noIssuer := `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "oidc"}
	}`
	path = writeTempConfig(t, noIssuer)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for oidc without issuer, got nil")
	}

	// Unknown role in command_roles
	badRole := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"relay": {"command_roles": {"skip_video": "superadmin"}}
	}`
	path = writeTempConfig(t, badRole)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown command role, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "osrweb.db" {
		t.Errorf("default Storage.DSN: got %q, want osrweb.db", cfg.Storage.DSN)
	}
	if cfg.Relay.LogCacheSize != 2000 {
		t.Errorf("default Relay.LogCacheSize: got %d, want 2000", cfg.Relay.LogCacheSize)
	}
	if cfg.Relay.MaxMessageBytes != 256*1024 {
		t.Errorf("default Relay.MaxMessageBytes: got %d, want %d", cfg.Relay.MaxMessageBytes, 256*1024)
	}
	if cfg.Relay.WatcherTTL.Duration != 20*time.Second {
		t.Errorf("default Relay.WatcherTTL: got %v, want 20s", cfg.Relay.WatcherTTL.Duration)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit: got %+v", cfg.RateLimit)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
}

func TestWeakSecretRejected(t *testing.T) {
	weak := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`
	path := writeTempConfig(t, weak)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for well-known weak secret, got nil")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
