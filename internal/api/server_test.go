package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openstreamrotator/osrweb/internal/auth"
	"github.com/openstreamrotator/osrweb/internal/config"
	"github.com/openstreamrotator/osrweb/internal/relay"
	"github.com/openstreamrotator/osrweb/internal/store"
)

type testEnv struct {
	server *httptest.Server
	store  store.Store
	auth   *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	authCfg := config.AuthConfig{
		JWTSecret: "test-secret-0123456789abcdef0123456789abcdef",
		JWTExpiry: config.Duration{Duration: time.Hour},
	}
	svc := auth.NewService(authCfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := relay.New(st, svc, logger, relay.Options{})

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:         ":0",
			MaxBodyBytes: 1024 * 1024,
		},
		Auth: authCfg,
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
		Relay: config.RelayConfig{
			WatcherTTL: config.Duration{Duration: time.Second},
		},
	}

	srv := NewServer(st, svc, rl, cfg, ServerOptions{Issuer: svc}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: st, auth: svc}
}

// seedUser creates a user and returns it with a valid session token.
func (e *testEnv) seedUser(t *testing.T, discordID, username string) (*store.User, string) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.UpsertDiscordUser(ctx, &store.User{
		ID:              "u-" + discordID,
		DiscordID:       discordID,
		DiscordUsername: username,
		CreatedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	user, err := e.store.GetUserByDiscordID(ctx, discordID)
	if err != nil || user == nil {
		t.Fatalf("load seeded user: %v", err)
	}
	token, err := e.auth.IssueToken(user.ID, user.DiscordID, user.DiscordUsername)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user, token
}

// do performs a request and decodes the JSON response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

// createTeam is a shortcut used by most tests.
func (e *testEnv) createTeam(t *testing.T, token, name string) string {
	t.Helper()
	var team map[string]any
	resp := e.do(t, "POST", "/api/teams", token, map[string]string{"name": name}, &team)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create team: status %d", resp.StatusCode)
	}
	return team["id"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}
	var ready map[string]string
	resp = env.do(t, "GET", "/readyz", "", nil, &ready)
	if resp.StatusCode != http.StatusOK || ready["status"] != "ready" {
		t.Fatalf("readyz: status %d body %v", resp.StatusCode, ready)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/api/teams", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/api/teams", "garbage", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", resp.StatusCode)
	}
}

func TestGetMe(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "d-1", "alice")

	var me map[string]any
	resp := env.do(t, "GET", "/auth/me", token, nil, &me)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth/me: status %d", resp.StatusCode)
	}
	if me["discord_username"] != "alice" {
		t.Fatalf("auth/me username = %v, want alice", me["discord_username"])
	}
}

func TestTeamLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner, token := env.seedUser(t, "d-1", "alice")
	_, otherToken := env.seedUser(t, "d-2", "bob")

	teamID := env.createTeam(t, token, "night shift")

	// Creator sees the team in their list.
	var teams []map[string]any
	env.do(t, "GET", "/api/teams", token, nil, &teams)
	if len(teams) != 1 || teams[0]["name"] != "night shift" {
		t.Fatalf("list teams = %v", teams)
	}

	// Detail includes the creator as owner.
	var detail struct {
		Members   []store.TeamMember `json:"members"`
		Instances []store.Instance   `json:"instances"`
	}
	resp := env.do(t, "GET", "/api/teams/"+teamID, token, nil, &detail)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get team: status %d", resp.StatusCode)
	}
	if len(detail.Members) != 1 || detail.Members[0].UserID != owner.ID || detail.Members[0].Role != store.RoleOwner {
		t.Fatalf("team members = %+v", detail.Members)
	}

	// Non-members get a 404, not a 403.
	resp = env.do(t, "GET", "/api/teams/"+teamID, otherToken, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outsider get team: status %d, want 404", resp.StatusCode)
	}

	// Bad names rejected.
	resp = env.do(t, "POST", "/api/teams", token, map[string]string{"name": "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank team name: status %d, want 400", resp.StatusCode)
	}
}

func TestMemberManagement(t *testing.T) {
	env := newTestEnv(t)
	owner, ownerToken := env.seedUser(t, "d-1", "alice")
	_ = owner

	teamID := env.createTeam(t, ownerToken, "night shift")

	// Invite an unknown Discord ID: a placeholder user is created.
	var member store.TeamMember
	resp := env.do(t, "POST", "/api/teams/"+teamID+"/members", ownerToken,
		map[string]string{"discord_id": "d-new", "role": "moderator"}, &member)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("invite member: status %d", resp.StatusCode)
	}
	if member.Role != store.RoleModerator || member.DiscordUsername != "user_d-new" {
		t.Fatalf("invited member = %+v", member)
	}

	// Double invite conflicts.
	resp = env.do(t, "POST", "/api/teams/"+teamID+"/members", ownerToken,
		map[string]string{"discord_id": "d-new", "role": "viewer"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double invite: status %d, want 409", resp.StatusCode)
	}

	// A content manager can invite but cannot grant owner.
	_, cmToken := env.seedUser(t, "d-cm", "carol")
	env.do(t, "POST", "/api/teams/"+teamID+"/members", ownerToken,
		map[string]string{"discord_id": "d-cm", "role": "content_manager"}, nil)
	resp = env.do(t, "POST", "/api/teams/"+teamID+"/members", cmToken,
		map[string]string{"discord_id": "d-x", "role": "owner"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cm grants owner: status %d, want 403", resp.StatusCode)
	}

	// Role update is owner only.
	resp = env.do(t, "PATCH", fmt.Sprintf("/api/teams/%s/members/%s", teamID, member.ID), cmToken,
		map[string]string{"role": "viewer"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cm updates role: status %d, want 403", resp.StatusCode)
	}
	var updated store.TeamMember
	resp = env.do(t, "PATCH", fmt.Sprintf("/api/teams/%s/members/%s", teamID, member.ID), ownerToken,
		map[string]string{"role": "viewer"}, &updated)
	if resp.StatusCode != http.StatusOK || updated.Role != store.RoleViewer {
		t.Fatalf("owner updates role: status %d role %s", resp.StatusCode, updated.Role)
	}

	// Owner cannot remove themselves.
	var ownMembership *store.TeamMember
	membership, err := env.store.GetMembership(context.Background(), teamID, owner.ID)
	if err != nil || membership == nil {
		t.Fatalf("load owner membership: %v", err)
	}
	ownMembership = membership
	resp = env.do(t, "DELETE", fmt.Sprintf("/api/teams/%s/members/%s", teamID, ownMembership.ID), ownerToken, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self removal: status %d, want 400", resp.StatusCode)
	}

	// Removal works and is owner only.
	resp = env.do(t, "DELETE", fmt.Sprintf("/api/teams/%s/members/%s", teamID, member.ID), cmToken, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cm removes member: status %d, want 403", resp.StatusCode)
	}
	resp = env.do(t, "DELETE", fmt.Sprintf("/api/teams/%s/members/%s", teamID, member.ID), ownerToken, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("owner removes member: status %d, want 204", resp.StatusCode)
	}
	gone, err := env.store.GetMember(context.Background(), teamID, member.ID)
	if err != nil || gone != nil {
		t.Fatalf("member still present after removal: %+v err %v", gone, err)
	}
}

func TestInviteFlow(t *testing.T) {
	env := newTestEnv(t)
	_, ownerToken := env.seedUser(t, "d-1", "alice")
	_, bobToken := env.seedUser(t, "d-2", "bob")
	_, carolToken := env.seedUser(t, "d-3", "carol")

	teamID := env.createTeam(t, ownerToken, "night shift")

	var inv inviteOut
	resp := env.do(t, "POST", "/api/teams/"+teamID+"/invites", ownerToken,
		map[string]any{"role": "viewer", "max_uses": 2}, &inv)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create invite: status %d", resp.StatusCode)
	}
	if inv.Code == "" || inv.TeamName != "night shift" || inv.CreatedBy != "alice" {
		t.Fatalf("invite = %+v", inv)
	}

	// Public info requires no auth.
	var info map[string]any
	resp = env.do(t, "GET", "/api/invites/"+inv.Code, "", nil, &info)
	if resp.StatusCode != http.StatusOK || info["is_valid"] != true {
		t.Fatalf("invite info: status %d body %v", resp.StatusCode, info)
	}

	// Bob accepts.
	var member store.TeamMember
	resp = env.do(t, "POST", "/api/invites/"+inv.Code+"/accept", bobToken, nil, &member)
	if resp.StatusCode != http.StatusCreated || member.Role != store.RoleViewer {
		t.Fatalf("accept invite: status %d member %+v", resp.StatusCode, member)
	}

	// Re-accepting a still-usable invite conflicts on membership.
	resp = env.do(t, "POST", "/api/invites/"+inv.Code+"/accept", bobToken, nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double accept: status %d, want 409", resp.StatusCode)
	}

	// Carol takes the last use; the invite is then exhausted, and
	// exhaustion wins over the membership conflict.
	resp = env.do(t, "POST", "/api/invites/"+inv.Code+"/accept", carolToken, nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("carol accepts: status %d, want 201", resp.StatusCode)
	}
	resp = env.do(t, "POST", "/api/invites/"+inv.Code+"/accept", carolToken, nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("exhausted invite: status %d, want 410", resp.StatusCode)
	}

	// A fresh unlimited invite can be revoked; afterwards accepting fails.
	var inv2 inviteOut
	env.do(t, "POST", "/api/teams/"+teamID+"/invites", ownerToken,
		map[string]any{"role": "moderator"}, &inv2)
	resp = env.do(t, "DELETE", fmt.Sprintf("/api/teams/%s/invites/%s", teamID, inv2.ID), ownerToken, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke invite: status %d, want 204", resp.StatusCode)
	}
	resp = env.do(t, "POST", "/api/invites/"+inv2.Code+"/accept", carolToken, nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("revoked invite accept: status %d, want 410", resp.StatusCode)
	}

	// Viewers cannot list invites.
	resp = env.do(t, "GET", "/api/teams/"+teamID+"/invites", bobToken, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer lists invites: status %d, want 403", resp.StatusCode)
	}
	var invites []inviteOut
	resp = env.do(t, "GET", "/api/teams/"+teamID+"/invites", ownerToken, nil, &invites)
	if resp.StatusCode != http.StatusOK || len(invites) != 2 {
		t.Fatalf("list invites: status %d count %d", resp.StatusCode, len(invites))
	}
}

func TestInstanceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, ownerToken := env.seedUser(t, "d-1", "alice")
	_, cmToken := env.seedUser(t, "d-2", "bob")
	_, viewerToken := env.seedUser(t, "d-3", "carol")

	teamID := env.createTeam(t, ownerToken, "night shift")
	env.do(t, "POST", "/api/teams/"+teamID+"/members", ownerToken,
		map[string]string{"discord_id": "d-2", "role": "content_manager"}, nil)
	env.do(t, "POST", "/api/teams/"+teamID+"/members", ownerToken,
		map[string]string{"discord_id": "d-3", "role": "viewer"}, nil)

	// Only owners create instances.
	resp := env.do(t, "POST", "/api/teams/"+teamID+"/instances", cmToken,
		map[string]string{"name": "main"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cm creates instance: status %d, want 403", resp.StatusCode)
	}

	var inst store.Instance
	resp = env.do(t, "POST", "/api/teams/"+teamID+"/instances", ownerToken,
		map[string]string{"name": "main"}, &inst)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create instance: status %d", resp.StatusCode)
	}
	if inst.APIKey == "" || inst.Status != "offline" {
		t.Fatalf("created instance = %+v", inst)
	}

	// Rename is owner only.
	resp = env.do(t, "PATCH", fmt.Sprintf("/api/teams/%s/instances/%s", teamID, inst.ID), cmToken,
		map[string]string{"name": "renamed"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cm renames: status %d, want 403", resp.StatusCode)
	}
	var renamed store.Instance
	resp = env.do(t, "PATCH", fmt.Sprintf("/api/teams/%s/instances/%s", teamID, inst.ID), ownerToken,
		map[string]string{"name": "renamed"}, &renamed)
	if resp.StatusCode != http.StatusOK || renamed.Name != "renamed" {
		t.Fatalf("rename: status %d name %s", resp.StatusCode, renamed.Name)
	}

	// HLS URL: content managers may set and clear it, viewers may not.
	resp = env.do(t, "PUT", fmt.Sprintf("/api/teams/%s/instances/%s/hls", teamID, inst.ID), cmToken,
		map[string]string{"hls_url": "https://cdn.example.com/live.m3u8"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cm sets hls: status %d", resp.StatusCode)
	}
	resp = env.do(t, "PUT", fmt.Sprintf("/api/teams/%s/instances/%s/hls", teamID, inst.ID), viewerToken,
		map[string]string{"hls_url": "x"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer sets hls: status %d, want 403", resp.StatusCode)
	}
	var cleared store.Instance
	env.do(t, "PUT", fmt.Sprintf("/api/teams/%s/instances/%s/hls", teamID, inst.ID), cmToken,
		map[string]string{"hls_url": ""}, &cleared)
	if cleared.HLSURL != "" {
		t.Fatalf("hls not cleared: %q", cleared.HLSURL)
	}

	// Unknown instance in the team scope is a 404.
	resp = env.do(t, "PATCH", "/api/teams/"+teamID+"/instances/nope", ownerToken,
		map[string]string{"name": "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("rename unknown: status %d, want 404", resp.StatusCode)
	}

	// Delete is owner only and actually removes the row.
	resp = env.do(t, "DELETE", fmt.Sprintf("/api/teams/%s/instances/%s", teamID, inst.ID), cmToken, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cm deletes: status %d, want 403", resp.StatusCode)
	}
	resp = env.do(t, "DELETE", fmt.Sprintf("/api/teams/%s/instances/%s", teamID, inst.ID), ownerToken, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("owner deletes: status %d, want 204", resp.StatusCode)
	}
	gone, err := env.store.GetInstance(context.Background(), inst.ID)
	if err != nil || gone != nil {
		t.Fatalf("instance still present: %+v err %v", gone, err)
	}
}

func TestWatcherTracking(t *testing.T) {
	env := newTestEnv(t)
	_, ownerToken := env.seedUser(t, "d-1", "alice")
	_, outsiderToken := env.seedUser(t, "d-2", "bob")

	teamID := env.createTeam(t, ownerToken, "night shift")
	var inst store.Instance
	env.do(t, "POST", "/api/teams/"+teamID+"/instances", ownerToken,
		map[string]string{"name": "main"}, &inst)

	base := fmt.Sprintf("/api/teams/%s/instances/%s", teamID, inst.ID)

	var count map[string]int
	env.do(t, "GET", base+"/viewers", ownerToken, nil, &count)
	if count["viewers"] != 0 {
		t.Fatalf("initial viewers = %d, want 0", count["viewers"])
	}

	resp := env.do(t, "POST", base+"/viewers/heartbeat", ownerToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}
	env.do(t, "GET", base+"/viewers", ownerToken, nil, &count)
	if count["viewers"] != 1 {
		t.Fatalf("viewers after heartbeat = %d, want 1", count["viewers"])
	}

	// Outsiders cannot heartbeat or read counts.
	resp = env.do(t, "POST", base+"/viewers/heartbeat", outsiderToken, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outsider heartbeat: status %d, want 404", resp.StatusCode)
	}
}

func TestBugReportUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "d-1", "alice")

	resp := env.do(t, "POST", "/api/bug-reports", token,
		map[string]string{"title": "broken", "description": "it does not work"}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("bug report without smtp: status %d, want 503", resp.StatusCode)
	}
}
