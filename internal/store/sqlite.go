package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			discord_id TEXT UNIQUE NOT NULL,
			discord_username TEXT NOT NULL DEFAULT '',
			discord_avatar TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role TEXT NOT NULL DEFAULT 'viewer',
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS team_invites (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			invited_by TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			code TEXT UNIQUE NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			status TEXT NOT NULL DEFAULT 'pending',
			max_uses INTEGER NOT NULL DEFAULT 0,
			use_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT 'Default Instance',
			api_key TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			current_video TEXT NOT NULL DEFAULT '',
			current_playlist TEXT NOT NULL DEFAULT '',
			current_category TEXT NOT NULL DEFAULT '',
			obs_connected INTEGER NOT NULL DEFAULT 0,
			uptime_seconds INTEGER NOT NULL DEFAULT 0,
			hls_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_team_members_user_id ON team_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_team_members_team_id ON team_members(team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_team_invites_code ON team_invites(code)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_team_id ON instances(team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_api_key ON instances(api_key)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// Added after initial release; SQLite has no ADD COLUMN IF NOT EXISTS.
	if err := s.addColumnIfNotExists("teams", "created_by", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("add column teams.created_by: %w", err)
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) UpsertDiscordUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, discord_id, discord_username, discord_avatar, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(discord_id) DO UPDATE SET
		   discord_username=excluded.discord_username,
		   discord_avatar=excluded.discord_avatar`,
		user.ID, user.DiscordID, user.DiscordUsername, user.DiscordAvatar, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, discord_id, discord_username, discord_avatar, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.DiscordID, &u.DiscordUsername, &u.DiscordAvatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByDiscordID(ctx context.Context, discordID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, discord_id, discord_username, discord_avatar, created_at FROM users WHERE discord_id = ?", discordID,
	).Scan(&u.ID, &u.DiscordID, &u.DiscordUsername, &u.DiscordAvatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Teams ---

func (s *SQLiteStore) CreateTeam(ctx context.Context, team *Team) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO teams (id, name, created_by, created_at) VALUES (?, ?, ?, ?)",
		team.ID, team.Name, team.CreatedBy, team.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var t Team
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_by, created_at FROM teams WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &t.CreatedBy, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

func (s *SQLiteStore) ListTeamsByUser(ctx context.Context, userID string) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.created_by, t.created_at FROM teams t
		 JOIN team_members m ON m.team_id = t.id
		 WHERE m.user_id = ? ORDER BY t.created_at`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// --- Members ---

func (s *SQLiteStore) AddMember(ctx context.Context, m *TeamMember) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO team_members (id, team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.TeamID, m.UserID, m.Role, m.JoinedAt,
	)
	return err
}

func (s *SQLiteStore) GetMember(ctx context.Context, teamID, memberID string) (*TeamMember, error) {
	var m TeamMember
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.team_id, m.user_id, m.role, m.joined_at, u.discord_username, u.discord_avatar
		 FROM team_members m JOIN users u ON u.id = m.user_id
		 WHERE m.id = ? AND m.team_id = ?`, memberID, teamID,
	).Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.JoinedAt, &m.DiscordUsername, &m.DiscordAvatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *SQLiteStore) GetMembership(ctx context.Context, teamID, userID string) (*TeamMember, error) {
	var m TeamMember
	err := s.db.QueryRowContext(ctx,
		"SELECT id, team_id, user_id, role, joined_at FROM team_members WHERE team_id = ? AND user_id = ?",
		teamID, userID,
	).Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *SQLiteStore) ListMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.team_id, m.user_id, m.role, m.joined_at, u.discord_username, u.discord_avatar
		 FROM team_members m JOIN users u ON u.id = m.user_id
		 WHERE m.team_id = ? ORDER BY m.joined_at`, teamID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.JoinedAt, &m.DiscordUsername, &m.DiscordAvatar); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) UpdateMemberRole(ctx context.Context, memberID string, role TeamRole) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE team_members SET role = ? WHERE id = ?", role, memberID,
	)
	return err
}

func (s *SQLiteStore) RemoveMember(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM team_members WHERE id = ?", memberID)
	return err
}

// --- Invites ---

func (s *SQLiteStore) CreateInvite(ctx context.Context, inv *TeamInvite) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_invites (id, team_id, invited_by, code, role, status, max_uses, use_count, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TeamID, inv.InvitedBy, inv.Code, inv.Role, inv.Status,
		inv.MaxUses, inv.UseCount, inv.CreatedAt, inv.ExpiresAt,
	)
	return err
}

const inviteColumns = "id, team_id, invited_by, code, role, status, max_uses, use_count, created_at, expires_at"

func scanInvite(row interface{ Scan(...any) error }) (*TeamInvite, error) {
	var inv TeamInvite
	err := row.Scan(&inv.ID, &inv.TeamID, &inv.InvitedBy, &inv.Code, &inv.Role, &inv.Status,
		&inv.MaxUses, &inv.UseCount, &inv.CreatedAt, &inv.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *SQLiteStore) GetInvite(ctx context.Context, teamID, inviteID string) (*TeamInvite, error) {
	return scanInvite(s.db.QueryRowContext(ctx,
		"SELECT "+inviteColumns+" FROM team_invites WHERE id = ? AND team_id = ?", inviteID, teamID))
}

func (s *SQLiteStore) GetInviteByCode(ctx context.Context, code string) (*TeamInvite, error) {
	return scanInvite(s.db.QueryRowContext(ctx,
		"SELECT "+inviteColumns+" FROM team_invites WHERE code = ?", code))
}

func (s *SQLiteStore) ListInvites(ctx context.Context, teamID string) ([]TeamInvite, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+inviteColumns+" FROM team_invites WHERE team_id = ? ORDER BY created_at DESC", teamID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var invites []TeamInvite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, *inv)
	}
	return invites, rows.Err()
}

func (s *SQLiteStore) UpdateInvite(ctx context.Context, inv *TeamInvite) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE team_invites SET status = ?, use_count = ? WHERE id = ?",
		inv.Status, inv.UseCount, inv.ID,
	)
	return err
}

// --- Instances ---

const instanceColumns = `id, team_id, name, api_key, status, last_seen, created_at,
	current_video, current_playlist, current_category, obs_connected, uptime_seconds, hls_url`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.TeamID, &inst.Name, &inst.APIKey, &inst.Status,
		&inst.LastSeen, &inst.CreatedAt, &inst.CurrentVideo, &inst.CurrentPlaylist,
		&inst.CurrentCategory, &inst.OBSConnected, &inst.UptimeSeconds, &inst.HLSURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, team_id, name, api_key, status, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TeamID, inst.Name, inst.APIKey, inst.Status, inst.LastSeen, inst.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE id = ?", id))
}

func (s *SQLiteStore) GetInstanceByAPIKey(ctx context.Context, apiKey string) (*Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE api_key = ?", apiKey))
}

func (s *SQLiteStore) ListInstancesByTeam(ctx context.Context, teamID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE team_id = ? ORDER BY created_at", teamID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) UpdateInstanceName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE instances SET name = ? WHERE id = ?", name, id)
	return err
}

func (s *SQLiteStore) UpdateInstanceHLS(ctx context.Context, id, hlsURL string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE instances SET hls_url = ? WHERE id = ?", hlsURL, id)
	return err
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) SetInstanceStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE instances SET status = ?, last_seen = ? WHERE id = ?", status, lastSeen, id,
	)
	return err
}

func (s *SQLiteStore) UpdateInstanceSnapshot(ctx context.Context, id string, snap *InstanceSnapshot, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, current_video = ?, current_playlist = ?,
		 current_category = ?, obs_connected = ?, uptime_seconds = ?, last_seen = ?
		 WHERE id = ?`,
		snap.Status, snap.CurrentVideo, snap.CurrentPlaylist, snap.CurrentCategory,
		snap.OBSConnected, snap.UptimeSeconds, lastSeen, id,
	)
	return err
}

// --- Health / lifecycle ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
