// Package app is the main orchestrator that ties all backend components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openstreamrotator/osrweb/internal/api"
	"github.com/openstreamrotator/osrweb/internal/auth"
	"github.com/openstreamrotator/osrweb/internal/config"
	"github.com/openstreamrotator/osrweb/internal/relay"
	"github.com/openstreamrotator/osrweb/internal/store"
)

// App is the main server process.
type App struct {
	cfg    *config.Config
	store  store.Store
	auth   auth.Provider
	relay  *relay.Relay
	api    *api.Server
	logger *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	metrics := relay.NewMetrics()

	rl := relay.New(db, authProvider, logger, relay.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		LogCacheSize:    cfg.Relay.LogCacheSize,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		CommandRoles:    cfg.Relay.CommandRoles,
		Metrics:         metrics,
	})

	opts := api.ServerOptions{MetricsHandler: metrics.Handler()}
	// The builtin provider mints session tokens after Discord login. With an
	// external provider the login routes stay disabled.
	if issuer, ok := authProvider.(auth.TokenIssuer); ok {
		opts.Issuer = issuer
		if cfg.Auth.Discord.ClientID != "" {
			opts.Discord = auth.NewDiscordClient(cfg.Auth.Discord)
		}
	}

	apiSrv := api.NewServer(db, authProvider, rl, cfg, opts, logger)

	a := &App{
		cfg:    cfg,
		store:  db,
		auth:   authProvider,
		relay:  rl,
		api:    apiSrv,
		logger: logger.With("component", "app"),
	}

	// Startup validation warnings.
	if authProvider.Name() == "builtin" && opts.Discord == nil {
		logger.Warn("discord oauth is not configured — no one can log in until auth.discord is set")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	a.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}
