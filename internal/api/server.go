// Package api provides the HTTP API and middleware for the dashboard backend.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/openstreamrotator/osrweb/internal/auth"
	"github.com/openstreamrotator/osrweb/internal/config"
	"github.com/openstreamrotator/osrweb/internal/relay"
	"github.com/openstreamrotator/osrweb/internal/store"
)

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	// Issuer mints session JWTs after Discord login. Nil when tokens come
	// from an external identity provider, which disables the login routes.
	Issuer auth.TokenIssuer
	// Discord performs the OAuth2 code exchange. Nil disables login routes.
	Discord *auth.DiscordClient
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         auth.Provider
	issuer       auth.TokenIssuer
	discord      *auth.DiscordClient
	relay        *relay.Relay
	watchers     *relay.Watchers
	mailer       *Mailer
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	publicURL    string
	rl           *rateLimiter
	authRL       *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, rt *relay.Relay, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         ap,
		issuer:       opts.Issuer,
		discord:      opts.Discord,
		relay:        rt,
		watchers:     relay.NewWatchers(cfg.Relay.WatcherTTL.Duration),
		mailer:       NewMailer(cfg.SMTP, logger),
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		publicURL:    strings.TrimRight(cfg.Server.PublicURL, "/"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}

	// Discord OAuth routes, only when the builtin issuer is configured.
	if srv.issuer != nil && srv.discord != nil {
		srv.authRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.authRL)).Get("/auth/discord/login", srv.handleDiscordLogin)
		mux.With(ipRateLimitMiddleware(srv.authRL)).Get("/auth/discord/callback", srv.handleDiscordCallback)
	}

	// WebSocket routes (auth handled inside the relay)
	mux.Get("/ws/instance", rt.HandleInstanceWS)
	mux.Get("/ws/dashboard/{instanceID}", func(w http.ResponseWriter, r *http.Request) {
		rt.HandleDashboardWS(w, r, chi.URLParam(r, "instanceID"))
	})

	// Public invite info (code-based, no auth)
	mux.Get("/api/invites/{code}", srv.handleInviteInfo)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/auth/me", srv.handleGetMe)

		r.Post("/api/teams", srv.handleCreateTeam)
		r.Get("/api/teams", srv.handleListTeams)
		r.Get("/api/teams/{teamID}", srv.handleGetTeam)

		r.Post("/api/teams/{teamID}/members", srv.handleInviteMember)
		r.Patch("/api/teams/{teamID}/members/{memberID}", srv.handleUpdateMemberRole)
		r.Delete("/api/teams/{teamID}/members/{memberID}", srv.handleRemoveMember)

		r.Post("/api/teams/{teamID}/invites", srv.handleCreateInvite)
		r.Get("/api/teams/{teamID}/invites", srv.handleListInvites)
		r.Delete("/api/teams/{teamID}/invites/{inviteID}", srv.handleRevokeInvite)
		r.Post("/api/invites/{code}/accept", srv.handleAcceptInvite)

		r.Post("/api/teams/{teamID}/instances", srv.handleCreateInstance)
		r.Patch("/api/teams/{teamID}/instances/{instanceID}", srv.handleRenameInstance)
		r.Put("/api/teams/{teamID}/instances/{instanceID}/hls", srv.handleUpdateInstanceHLS)
		r.Delete("/api/teams/{teamID}/instances/{instanceID}", srv.handleDeleteInstance)

		r.Post("/api/teams/{teamID}/instances/{instanceID}/viewers/heartbeat", srv.handleWatcherHeartbeat)
		r.Get("/api/teams/{teamID}/instances/{instanceID}/viewers", srv.handleWatcherCount)

		r.Post("/api/bug-reports", srv.handleBugReport)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.authRL != nil {
		s.authRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleDiscordLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.discord.AuthorizeURL(uuid.New().String()), http.StatusTemporaryRedirect)
}

func (s *Server) handleDiscordCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	du, err := s.discord.ExchangeCode(r.Context(), code)
	if err != nil {
		s.logger.Warn("discord code exchange failed", "error", err)
		writeError(w, http.StatusBadRequest, "failed to exchange code")
		return
	}

	avatarURL := ""
	if du.Avatar != "" {
		avatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", du.ID, du.Avatar)
	}

	// Upsert keyed on the Discord ID so a returning user keeps their row.
	user := &store.User{
		ID:              uuid.New().String(),
		DiscordID:       du.ID,
		DiscordUsername: du.Username,
		DiscordAvatar:   avatarURL,
		CreatedAt:       time.Now(),
	}
	if err := s.store.UpsertDiscordUser(r.Context(), user); err != nil {
		s.logger.Warn("user upsert failed", "discord_id", du.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}
	saved, err := s.store.GetUserByDiscordID(r.Context(), du.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	token, err := s.issuer.IssueToken(saved.ID, saved.DiscordID, saved.DiscordUsername)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	if s.publicURL != "" {
		http.Redirect(w, r, s.publicURL+"/auth/callback?token="+token, http.StatusTemporaryRedirect)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		// External-provider identities have no local row; answer from the token.
		writeJSON(w, http.StatusOK, map[string]string{
			"id":               identity.UserID,
			"discord_id":       identity.DiscordID,
			"discord_username": identity.Username,
		})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Team handlers ---

// getMembership loads the caller's membership in a team and writes a 404 when
// they are not a member. Membership is the visibility boundary: outsiders
// cannot tell whether a team exists.
func (s *Server) getMembership(w http.ResponseWriter, r *http.Request, teamID string) *store.TeamMember {
	identity := getIdentityFromContext(r.Context())
	membership, err := s.store.GetMembership(r.Context(), teamID, identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return nil
	}
	if membership == nil {
		writeError(w, http.StatusNotFound, "not a member of this team")
		return nil
	}
	return membership
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 100 {
		writeError(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}

	team := &store.Team{
		ID:        uuid.New().String(),
		Name:      req.Name,
		CreatedBy: identity.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateTeam(r.Context(), team); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create team")
		return
	}

	// The creator becomes the owner.
	member := &store.TeamMember{
		ID:       uuid.New().String(),
		TeamID:   team.ID,
		UserID:   identity.UserID,
		Role:     store.RoleOwner,
		JoinedAt: time.Now(),
	}
	if err := s.store.AddMember(r.Context(), member); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add owner")
		return
	}

	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	teams, err := s.store.ListTeamsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list teams")
		return
	}
	if teams == nil {
		teams = []store.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	if s.getMembership(w, r, teamID) == nil {
		return
	}

	team, err := s.store.GetTeam(r.Context(), teamID)
	if err != nil || team == nil {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	members, err := s.store.ListMembers(r.Context(), teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	instances, err := s.store.ListInstancesByTeam(r.Context(), teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	if members == nil {
		members = []store.TeamMember{}
	}
	if instances == nil {
		instances = []store.Instance{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         team.ID,
		"name":       team.Name,
		"created_at": team.CreatedAt,
		"members":    members,
		"instances":  instances,
	})
}

// --- Member handlers ---

func (s *Server) handleInviteMember(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	teamID := chi.URLParam(r, "teamID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if !membership.Role.AtLeast(store.RoleContentManager) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req struct {
		DiscordID string `json:"discord_id"`
		Role      string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DiscordID == "" {
		writeError(w, http.StatusBadRequest, "discord_id is required")
		return
	}
	role := store.TeamRole(req.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	if role == store.RoleOwner && membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "only owners can grant the owner role")
		return
	}

	// Find or create the target user. A placeholder profile is filled in
	// when they first log in through Discord.
	target, err := s.store.GetUserByDiscordID(r.Context(), req.DiscordID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if target == nil {
		placeholder := &store.User{
			ID:              uuid.New().String(),
			DiscordID:       req.DiscordID,
			DiscordUsername: "user_" + req.DiscordID,
			CreatedAt:       time.Now(),
		}
		if err := s.store.UpsertDiscordUser(r.Context(), placeholder); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create user")
			return
		}
		target, err = s.store.GetUserByDiscordID(r.Context(), req.DiscordID)
		if err != nil || target == nil {
			writeError(w, http.StatusInternalServerError, "failed to create user")
			return
		}
	}

	existing, err := s.store.GetMembership(r.Context(), teamID, target.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "user already a member")
		return
	}

	member := &store.TeamMember{
		ID:       uuid.New().String(),
		TeamID:   teamID,
		UserID:   target.ID,
		Role:     role,
		JoinedAt: time.Now(),
	}
	if err := s.store.AddMember(r.Context(), member); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}

	member.DiscordUsername = target.DiscordUsername
	member.DiscordAvatar = target.DiscordAvatar
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	teamID := chi.URLParam(r, "teamID")
	memberID := chi.URLParam(r, "memberID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := store.TeamRole(req.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	target, err := s.store.GetMember(r.Context(), teamID, memberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up member")
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	if err := s.store.UpdateMemberRole(r.Context(), memberID, role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update role")
		return
	}
	target.Role = role
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	memberID := chi.URLParam(r, "memberID")
	identity := getIdentityFromContext(r.Context())

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	target, err := s.store.GetMember(r.Context(), teamID, memberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up member")
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	if target.UserID == identity.UserID {
		writeError(w, http.StatusBadRequest, "cannot remove yourself")
		return
	}

	if err := s.store.RemoveMember(r.Context(), memberID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}

	// Kick any live dashboard connections the removed user holds on this
	// team's instances.
	instances, err := s.store.ListInstancesByTeam(r.Context(), teamID)
	if err == nil {
		ids := make([]string, len(instances))
		for i, inst := range instances {
			ids[i] = inst.ID
		}
		s.relay.KickUser(ids, target.UserID)
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Invite handlers ---

// inviteOut enriches an invite with team and creator names for the UI.
type inviteOut struct {
	store.TeamInvite
	TeamName  string `json:"team_name"`
	CreatedBy string `json:"created_by"`
}

func (s *Server) toInviteOut(ctx context.Context, inv *store.TeamInvite) inviteOut {
	out := inviteOut{TeamInvite: *inv}
	if team, _ := s.store.GetTeam(ctx, inv.TeamID); team != nil {
		out.TeamName = team.Name
	}
	if creator, _ := s.store.GetUser(ctx, inv.InvitedBy); creator != nil {
		out.CreatedBy = creator.DiscordUsername
	}
	return out
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	teamID := chi.URLParam(r, "teamID")
	identity := getIdentityFromContext(r.Context())

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if !membership.Role.AtLeast(store.RoleContentManager) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req struct {
		Role           string `json:"role"`
		MaxUses        int    `json:"max_uses"`
		ExpiresInHours *int   `json:"expires_in_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := store.TeamRole(req.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	if role == store.RoleOwner && membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "only the owner can create owner-level invites")
		return
	}
	if req.MaxUses < 0 {
		writeError(w, http.StatusBadRequest, "max_uses cannot be negative")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInHours != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}

	inv := &store.TeamInvite{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		InvitedBy: identity.UserID,
		Code:      generateInviteCode(),
		Role:      role,
		Status:    store.InviteStatusPending,
		MaxUses:   req.MaxUses,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.store.CreateInvite(r.Context(), inv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create invite")
		return
	}

	writeJSON(w, http.StatusCreated, s.toInviteOut(r.Context(), inv))
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if !membership.Role.AtLeast(store.RoleContentManager) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	invites, err := s.store.ListInvites(r.Context(), teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list invites")
		return
	}
	out := make([]inviteOut, 0, len(invites))
	for i := range invites {
		out = append(out, s.toInviteOut(r.Context(), &invites[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	inviteID := chi.URLParam(r, "inviteID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if !membership.Role.AtLeast(store.RoleContentManager) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	inv, err := s.store.GetInvite(r.Context(), teamID, inviteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up invite")
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "invite not found")
		return
	}

	inv.Status = store.InviteStatusRevoked
	if err := s.store.UpdateInvite(r.Context(), inv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke invite")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInviteInfo(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	inv, err := s.store.GetInviteByCode(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up invite")
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "invite not found")
		return
	}

	out := s.toInviteOut(r.Context(), inv)
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       inv.Code,
		"team_name":  out.TeamName,
		"role":       inv.Role,
		"created_by": out.CreatedBy,
		"expires_at": inv.ExpiresAt,
		"is_valid":   inv.Usable(time.Now()),
	})
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	identity := getIdentityFromContext(r.Context())

	inv, err := s.store.GetInviteByCode(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up invite")
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "invite not found")
		return
	}
	if !inv.Usable(time.Now()) {
		writeError(w, http.StatusGone, "this invite has expired or is no longer valid")
		return
	}

	existing, err := s.store.GetMembership(r.Context(), inv.TeamID, identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "you are already a member of this team")
		return
	}

	member := &store.TeamMember{
		ID:       uuid.New().String(),
		TeamID:   inv.TeamID,
		UserID:   identity.UserID,
		Role:     inv.Role,
		JoinedAt: time.Now(),
	}
	if err := s.store.AddMember(r.Context(), member); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join team")
		return
	}

	inv.UseCount++
	if inv.MaxUses > 0 && inv.UseCount >= inv.MaxUses {
		inv.Status = store.InviteStatusAccepted
	}
	if err := s.store.UpdateInvite(r.Context(), inv); err != nil {
		s.logger.Warn("failed to record invite use", "invite", inv.ID, "error", err)
	}

	if user, _ := s.store.GetUser(r.Context(), identity.UserID); user != nil {
		member.DiscordUsername = user.DiscordUsername
		member.DiscordAvatar = user.DiscordAvatar
	}
	writeJSON(w, http.StatusCreated, member)
}

// --- Instance handlers ---

// getTeamInstance loads an instance and verifies it belongs to the team,
// writing a 404 otherwise.
func (s *Server) getTeamInstance(w http.ResponseWriter, r *http.Request, teamID, instanceID string) *store.Instance {
	inst, err := s.store.GetInstance(r.Context(), instanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up instance")
		return nil
	}
	if inst == nil || inst.TeamID != teamID {
		writeError(w, http.StatusNotFound, "instance not found")
		return nil
	}
	return inst
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	teamID := chi.URLParam(r, "teamID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 100 {
		writeError(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}

	inst := &store.Instance{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		Name:      req.Name,
		APIKey:    generateHexToken(32),
		Status:    "offline",
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateInstance(r.Context(), inst); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	// The API key is returned once here; list/detail responses include it
	// too since every reader already passed the membership check.
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleRenameInstance(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	teamID := chi.URLParam(r, "teamID")
	instanceID := chi.URLParam(r, "instanceID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	inst := s.getTeamInstance(w, r, teamID, instanceID)
	if inst == nil {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 100 {
		writeError(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}

	if err := s.store.UpdateInstanceName(r.Context(), instanceID, req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rename instance")
		return
	}
	inst.Name = req.Name
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleUpdateInstanceHLS(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	teamID := chi.URLParam(r, "teamID")
	instanceID := chi.URLParam(r, "instanceID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if !membership.Role.AtLeast(store.RoleContentManager) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	inst := s.getTeamInstance(w, r, teamID, instanceID)
	if inst == nil {
		return
	}

	var req struct {
		HLSURL string `json:"hls_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Empty string clears the preview URL.
	url := strings.TrimSpace(req.HLSURL)
	if err := s.store.UpdateInstanceHLS(r.Context(), instanceID, url); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update instance")
		return
	}
	inst.HLSURL = url
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	instanceID := chi.URLParam(r, "instanceID")

	membership := s.getMembership(w, r, teamID)
	if membership == nil {
		return
	}
	if membership.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	inst := s.getTeamInstance(w, r, teamID, instanceID)
	if inst == nil {
		return
	}

	if err := s.store.DeleteInstance(r.Context(), instanceID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete instance")
		return
	}

	// Force-close the live agent and any dashboard viewers, dropping the
	// cached state with them.
	s.relay.DropInstance(instanceID)

	w.WriteHeader(http.StatusNoContent)
}

// --- Preview watcher handlers ---

func (s *Server) handleWatcherHeartbeat(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	instanceID := chi.URLParam(r, "instanceID")
	identity := getIdentityFromContext(r.Context())

	if s.getMembership(w, r, teamID) == nil {
		return
	}
	if s.getTeamInstance(w, r, teamID, instanceID) == nil {
		return
	}

	s.watchers.Heartbeat(instanceID, identity.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWatcherCount(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	instanceID := chi.URLParam(r, "instanceID")

	if s.getMembership(w, r, teamID) == nil {
		return
	}
	if s.getTeamInstance(w, r, teamID, instanceID) == nil {
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"viewers": s.watchers.Count(instanceID)})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func generateHexToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// generateInviteCode returns a short shareable code without lookalike
// characters.
func generateInviteCode() string {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no I,O,0,1 to avoid confusion
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	code := make([]byte, 12)
	for i := range code {
		code[i] = chars[int(b[i])%len(chars)]
	}
	return string(code)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
