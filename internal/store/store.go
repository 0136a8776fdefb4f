// Package store defines the persistence interface for the dashboard backend
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// TeamRole is a member's role within a team.
type TeamRole string

const (
	RoleOwner          TeamRole = "owner"
	RoleContentManager TeamRole = "content_manager"
	RoleModerator      TeamRole = "moderator"
	RoleViewer         TeamRole = "viewer"
)

// Ranks start at 1 so an unknown role maps to the zero value and never
// satisfies AtLeast, not even for viewer-gated checks.
var roleRank = map[TeamRole]int{
	RoleViewer:         1,
	RoleModerator:      2,
	RoleContentManager: 3,
	RoleOwner:          4,
}

// Valid reports whether r is a known role.
func (r TeamRole) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r meets or exceeds the required role in the
// owner > content_manager > moderator > viewer hierarchy.
func (r TeamRole) AtLeast(required TeamRole) bool {
	return roleRank[r] >= roleRank[required]
}

// Invite lifecycle states.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusRevoked  = "revoked"
)

// Store is the persistence interface for the dashboard backend.
type Store interface {
	// Users
	UpsertDiscordUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByDiscordID(ctx context.Context, discordID string) (*User, error)

	// Teams
	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	ListTeamsByUser(ctx context.Context, userID string) ([]Team, error)

	// Members
	AddMember(ctx context.Context, m *TeamMember) error
	GetMember(ctx context.Context, teamID, memberID string) (*TeamMember, error)
	GetMembership(ctx context.Context, teamID, userID string) (*TeamMember, error)
	ListMembers(ctx context.Context, teamID string) ([]TeamMember, error)
	UpdateMemberRole(ctx context.Context, memberID string, role TeamRole) error
	RemoveMember(ctx context.Context, memberID string) error

	// Invites
	CreateInvite(ctx context.Context, inv *TeamInvite) error
	GetInvite(ctx context.Context, teamID, inviteID string) (*TeamInvite, error)
	GetInviteByCode(ctx context.Context, code string) (*TeamInvite, error)
	ListInvites(ctx context.Context, teamID string) ([]TeamInvite, error)
	UpdateInvite(ctx context.Context, inv *TeamInvite) error

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByAPIKey(ctx context.Context, apiKey string) (*Instance, error)
	ListInstancesByTeam(ctx context.Context, teamID string) ([]Instance, error)
	UpdateInstanceName(ctx context.Context, id, name string) error
	UpdateInstanceHLS(ctx context.Context, id, hlsURL string) error
	DeleteInstance(ctx context.Context, id string) error
	SetInstanceStatus(ctx context.Context, id, status string, lastSeen time.Time) error
	UpdateInstanceSnapshot(ctx context.Context, id string, snap *InstanceSnapshot, lastSeen time.Time) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a dashboard user authenticated via Discord OAuth.
type User struct {
	ID              string    `json:"id"`
	DiscordID       string    `json:"discord_id"`
	DiscordUsername string    `json:"discord_username"`
	DiscordAvatar   string    `json:"discord_avatar,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Team manages one 24/7 stream.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TeamMember links a user to a team with a role. DiscordUsername and
// DiscordAvatar are populated by list/get queries that join users.
type TeamMember struct {
	ID              string    `json:"id"`
	TeamID          string    `json:"team_id"`
	UserID          string    `json:"user_id"`
	Role            TeamRole  `json:"role"`
	JoinedAt        time.Time `json:"joined_at"`
	DiscordUsername string    `json:"discord_username,omitempty"`
	DiscordAvatar   string    `json:"discord_avatar,omitempty"`
}

// TeamInvite is a shareable invite link granting team access with a role.
// MaxUses of zero means unlimited.
type TeamInvite struct {
	ID        string     `json:"id"`
	TeamID    string     `json:"team_id"`
	InvitedBy string     `json:"invited_by"`
	Code      string     `json:"code"`
	Role      TeamRole   `json:"role"`
	Status    string     `json:"status"`
	MaxUses   int        `json:"max_uses"`
	UseCount  int        `json:"use_count"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the invite can still be redeemed at now.
func (inv *TeamInvite) Usable(now time.Time) bool {
	if inv.Status != InviteStatusPending {
		return false
	}
	if inv.ExpiresAt != nil && now.After(*inv.ExpiresAt) {
		return false
	}
	if inv.MaxUses > 0 && inv.UseCount >= inv.MaxUses {
		return false
	}
	return true
}

// Instance is a registered OSR deployment. The current_* columns are a
// denormalized copy of the last reported state so the REST API can render
// instance cards when no live connection exists.
type Instance struct {
	ID              string     `json:"id"`
	TeamID          string     `json:"team_id"`
	Name            string     `json:"name"`
	APIKey          string     `json:"api_key"`
	Status          string     `json:"status"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CurrentVideo    string     `json:"current_video,omitempty"`
	CurrentPlaylist string     `json:"current_playlist,omitempty"`
	CurrentCategory string     `json:"current_category,omitempty"`
	OBSConnected    bool       `json:"obs_connected"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	HLSURL          string     `json:"hls_url,omitempty"`
}

// InstanceSnapshot carries the display fields persisted on every state push.
type InstanceSnapshot struct {
	Status          string
	CurrentVideo    string
	CurrentPlaylist string
	CurrentCategory string
	OBSConnected    bool
	UptimeSeconds   int64
}
