package relay

import (
	"github.com/openstreamrotator/osrweb/internal/store"
)

// defaultCommandRoles maps command actions to the minimum role allowed to
// issue them. Actions not listed here require moderator.
var defaultCommandRoles = map[string]store.TeamRole{
	"get_state":        store.RoleViewer,
	"get_logs":         store.RoleViewer,
	"skip_video":       store.RoleModerator,
	"trigger_rotation": store.RoleModerator,
	"pause_rotation":   store.RoleModerator,
	"resume_rotation":  store.RoleModerator,
	"update_setting":   store.RoleContentManager,
	"set_playlist":     store.RoleContentManager,
	"reload_env":       store.RoleContentManager,
	"update_env":       store.RoleOwner,
}

// commandTable resolves the minimum role required for a command action.
// Config overrides take precedence over the built-in defaults.
type commandTable struct {
	overrides map[string]store.TeamRole
}

func newCommandTable(overrides map[string]string) *commandTable {
	t := &commandTable{overrides: make(map[string]store.TeamRole, len(overrides))}
	for action, role := range overrides {
		t.overrides[action] = store.TeamRole(role)
	}
	return t
}

// MinRole returns the minimum role required for action. Unknown actions
// default to moderator so a new agent-side command never leaks to viewers.
func (t *commandTable) MinRole(action string) store.TeamRole {
	if r, ok := t.overrides[action]; ok {
		return r
	}
	if r, ok := defaultCommandRoles[action]; ok {
		return r
	}
	return store.RoleModerator
}

// Allowed reports whether a member with the given role may issue action.
func (t *commandTable) Allowed(role store.TeamRole, action string) bool {
	return role.AtLeast(t.MinRole(action))
}
