package relay

import (
	"testing"

	"github.com/openstreamrotator/osrweb/internal/store"
)

func TestCommandTableDefaults(t *testing.T) {
	table := newCommandTable(nil)

	cases := []struct {
		role   store.TeamRole
		action string
		want   bool
	}{
		{store.RoleViewer, "get_state", true},
		{store.RoleViewer, "skip_video", false},
		{store.RoleModerator, "skip_video", true},
		{store.RoleModerator, "pause_rotation", true},
		{store.RoleModerator, "reload_env", false},
		{store.RoleContentManager, "reload_env", true},
		{store.RoleContentManager, "set_playlist", true},
		{store.RoleContentManager, "update_env", false},
		{store.RoleOwner, "update_env", true},
		// Unknown actions require moderator.
		{store.RoleViewer, "mystery_action", false},
		{store.RoleModerator, "mystery_action", true},
	}
	for _, c := range cases {
		if got := table.Allowed(c.role, c.action); got != c.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", c.role, c.action, got, c.want)
		}
	}
}

func TestCommandTableOverrides(t *testing.T) {
	table := newCommandTable(map[string]string{
		"skip_video":    "viewer",
		"custom_action": "owner",
	})

	if !table.Allowed(store.RoleViewer, "skip_video") {
		t.Error("override should allow viewers to skip_video")
	}
	if table.Allowed(store.RoleContentManager, "custom_action") {
		t.Error("custom_action overridden to owner-only")
	}
	if !table.Allowed(store.RoleOwner, "custom_action") {
		t.Error("owner should pass custom_action")
	}
	// Non-overridden defaults still apply.
	if table.Allowed(store.RoleModerator, "update_env") {
		t.Error("update_env should remain owner-only")
	}
}
