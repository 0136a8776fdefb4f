package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new Postgres store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			discord_id TEXT UNIQUE NOT NULL,
			discord_username TEXT NOT NULL DEFAULT '',
			discord_avatar TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role TEXT NOT NULL DEFAULT 'viewer',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT 'Default Instance',
			api_key TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			current_video TEXT NOT NULL DEFAULT '',
			current_playlist TEXT NOT NULL DEFAULT '',
			current_category TEXT NOT NULL DEFAULT '',
			obs_connected BOOLEAN NOT NULL DEFAULT FALSE,
			uptime_seconds BIGINT NOT NULL DEFAULT 0,
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
	return nil
}

// --- Users ---

func (s *PostgresStore) UpsertDiscordUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, discord_id, discord_username, discord_avatar, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (discord_id) DO UPDATE SET
		   discord_username = EXCLUDED.discord_username,
		   discord_avatar = EXCLUDED.discord_avatar`,
		user.ID, user.DiscordID, user.DiscordUsername, user.DiscordAvatar, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, discord_id, discord_username, discord_avatar, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.DiscordID, &u.DiscordUsername, &u.DiscordAvatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByDiscordID(ctx context.Context, discordID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, discord_id, discord_username, discord_avatar, created_at FROM users WHERE discord_id = $1", discordID,
	).Scan(&u.ID, &u.DiscordID, &u.DiscordUsername, &u.DiscordAvatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Teams ---

func (s *PostgresStore) CreateTeam(ctx context.Context, team *Team) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO teams (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)",
		team.ID, team.Name, team.CreatedBy, team.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var t Team
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_by, created_at FROM teams WHERE id = $1", id,
	).Scan(&t.ID, &t.Name, &t.CreatedBy, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

func (s *PostgresStore) ListTeamsByUser(ctx context.Context, userID string) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.created_by, t.created_at FROM teams t
		 JOIN team_members m ON m.team_id = t.id
		 WHERE m.user_id = $1 ORDER BY t.created_at`, userID,
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

func (s *PostgresStore) AddMember(ctx context.Context, m *TeamMember) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO team_members (id, team_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)",
		m.ID, m.TeamID, m.UserID, m.Role, m.JoinedAt,
	)
	return err
}

func (s *PostgresStore) GetMember(ctx context.Context, teamID, memberID string) (*TeamMember, error) {
	var m TeamMember
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.team_id, m.user_id, m.role, m.joined_at, u.discord_username, u.discord_avatar
		 FROM team_members m JOIN users u ON u.id = m.user_id
		 WHERE m.id = $1 AND m.team_id = $2`, memberID, teamID,
	).Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.JoinedAt, &m.DiscordUsername, &m.DiscordAvatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *PostgresStore) GetMembership(ctx context.Context, teamID, userID string) (*TeamMember, error) {
	var m TeamMember
	err := s.db.QueryRowContext(ctx,
		"SELECT id, team_id, user_id, role, joined_at FROM team_members WHERE team_id = $1 AND user_id = $2",
		teamID, userID,
	).Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.team_id, m.user_id, m.role, m.joined_at, u.discord_username, u.discord_avatar
		 FROM team_members m JOIN users u ON u.id = m.user_id
		 WHERE m.team_id = $1 ORDER BY m.joined_at`, teamID,
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

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, memberID string, role TeamRole) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE team_members SET role = $1 WHERE id = $2", role, memberID,
	)
	return err
}

func (s *PostgresStore) RemoveMember(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM team_members WHERE id = $1", memberID)
	return err
}

// --- Invites ---

func (s *PostgresStore) CreateInvite(ctx context.Context, inv *TeamInvite) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_invites (id, team_id, invited_by, code, role, status, max_uses, use_count, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.TeamID, inv.InvitedBy, inv.Code, inv.Role, inv.Status,
		inv.MaxUses, inv.UseCount, inv.CreatedAt, inv.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetInvite(ctx context.Context, teamID, inviteID string) (*TeamInvite, error) {
	return scanInvite(s.db.QueryRowContext(ctx,
		"SELECT "+inviteColumns+" FROM team_invites WHERE id = $1 AND team_id = $2", inviteID, teamID))
}

func (s *PostgresStore) GetInviteByCode(ctx context.Context, code string) (*TeamInvite, error) {
	return scanInvite(s.db.QueryRowContext(ctx,
		"SELECT "+inviteColumns+" FROM team_invites WHERE code = $1", code))
}

func (s *PostgresStore) ListInvites(ctx context.Context, teamID string) ([]TeamInvite, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+inviteColumns+" FROM team_invites WHERE team_id = $1 ORDER BY created_at DESC", teamID,
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

func (s *PostgresStore) UpdateInvite(ctx context.Context, inv *TeamInvite) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE team_invites SET status = $1, use_count = $2 WHERE id = $3",
		inv.Status, inv.UseCount, inv.ID,
	)
	return err
}

// --- Instances ---

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, team_id, name, api_key, status, last_seen, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.TeamID, inst.Name, inst.APIKey, inst.Status, inst.LastSeen, inst.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE id = $1", id))
}

func (s *PostgresStore) GetInstanceByAPIKey(ctx context.Context, apiKey string) (*Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE api_key = $1", apiKey))
}

func (s *PostgresStore) ListInstancesByTeam(ctx context.Context, teamID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE team_id = $1 ORDER BY created_at", teamID,
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

func (s *PostgresStore) UpdateInstanceName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE instances SET name = $1 WHERE id = $2", name, id)
	return err
}

func (s *PostgresStore) UpdateInstanceHLS(ctx context.Context, id, hlsURL string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE instances SET hls_url = $1 WHERE id = $2", hlsURL, id)
	return err
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE id = $1", id)
	return err
}

func (s *PostgresStore) SetInstanceStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE instances SET status = $1, last_seen = $2 WHERE id = $3", status, lastSeen, id,
	)
	return err
}

func (s *PostgresStore) UpdateInstanceSnapshot(ctx context.Context, id string, snap *InstanceSnapshot, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = $1, current_video = $2, current_playlist = $3,
		 current_category = $4, obs_connected = $5, uptime_seconds = $6, last_seen = $7
		 WHERE id = $8`,
		snap.Status, snap.CurrentVideo, snap.CurrentPlaylist, snap.CurrentCategory,
		snap.OBSConnected, snap.UptimeSeconds, lastSeen, id,
	)
	return err
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
