package relay

import (
	"testing"
	"time"
)

func TestWatchersHeartbeatAndExpiry(t *testing.T) {
	w := NewWatchers(50 * time.Millisecond)

	w.Heartbeat("inst-1", "tab-a")
	w.Heartbeat("inst-1", "tab-b")
	w.Heartbeat("inst-2", "tab-c")

	if got := w.Count("inst-1"); got != 2 {
		t.Errorf("Count(inst-1) = %d, want 2", got)
	}
	if got := w.Count("inst-2"); got != 1 {
		t.Errorf("Count(inst-2) = %d, want 1", got)
	}
	if got := w.Count("inst-3"); got != 0 {
		t.Errorf("Count(inst-3) = %d, want 0", got)
	}

	time.Sleep(60 * time.Millisecond)
	w.Heartbeat("inst-1", "tab-a") // refreshed; tab-b expires

	if got := w.Count("inst-1"); got != 1 {
		t.Errorf("Count(inst-1) after expiry = %d, want 1", got)
	}
	if got := w.Count("inst-2"); got != 0 {
		t.Errorf("Count(inst-2) after expiry = %d, want 0", got)
	}
}
