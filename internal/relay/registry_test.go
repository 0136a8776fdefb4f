package relay

import (
	"testing"
)

func TestRegistrySessionReuse(t *testing.T) {
	r := NewRegistry(10)
	a := r.session("inst-1")
	b := r.session("inst-1")
	if a != b {
		t.Fatal("same instance must map to the same session")
	}
	if _, ok := r.lookup("inst-2"); ok {
		t.Fatal("lookup must not create sessions")
	}
	if r.count() != 1 {
		t.Errorf("count = %d, want 1", r.count())
	}
}

func TestSessionUpstreamSupersession(t *testing.T) {
	r := NewRegistry(10)
	s := r.session("inst-1")

	first := &agentConn{}
	second := &agentConn{}

	if old := s.attachUpstream(first); old != nil {
		t.Fatal("no previous upstream expected")
	}
	if old := s.attachUpstream(second); old != first {
		t.Fatal("attach must return the superseded connection")
	}

	// The superseded connection's cleanup must not detach the new one.
	if s.detachUpstream(first) {
		t.Fatal("detach of a superseded connection must be a no-op")
	}
	if s.currentUpstream() != second {
		t.Fatal("second connection should still be attached")
	}
	if !s.detachUpstream(second) {
		t.Fatal("detach of the current connection must succeed")
	}
	if s.currentUpstream() != nil {
		t.Fatal("upstream should be nil after detach")
	}
}

func TestSessionViewerRemoveIdempotent(t *testing.T) {
	r := NewRegistry(10)
	s := r.session("inst-1")

	vc := &viewerConn{id: "c1", userID: "u1"}
	s.addViewer(vc)
	if len(s.snapshotViewers()) != 1 {
		t.Fatal("viewer not registered")
	}

	s.removeViewer(vc)
	s.removeViewer(vc) // second remove must be safe
	if len(s.snapshotViewers()) != 0 {
		t.Fatal("viewer still registered after remove")
	}
}

func TestSessionIssuerTracking(t *testing.T) {
	r := NewRegistry(10)
	s := r.session("inst-1")

	s.recordIssuer("req-1", "conn-a")
	s.recordIssuer("req-2", "conn-b")

	// Ack with an id resolves and consumes the matching entry.
	if id, ok := s.takeIssuer("req-1"); !ok || id != "conn-a" {
		t.Fatalf("takeIssuer(req-1) = %q, %v", id, ok)
	}
	if _, ok := s.takeIssuer("req-1"); ok {
		t.Fatal("consumed request id must not resolve twice")
	}

	// Ack without an id falls back to the most recent issuer.
	if id, ok := s.takeIssuer(""); !ok || id != "conn-b" {
		t.Fatalf("takeIssuer(\"\") = %q, %v", id, ok)
	}

	// Unknown request id does not fall back.
	if _, ok := s.takeIssuer("req-unknown"); ok {
		t.Fatal("unknown request id must not resolve")
	}
}

func TestSessionRemoveViewerClearsPending(t *testing.T) {
	r := NewRegistry(10)
	s := r.session("inst-1")

	vc := &viewerConn{id: "c1", userID: "u1"}
	s.addViewer(vc)
	s.recordIssuer("req-1", "c1")
	s.removeViewer(vc)

	if _, ok := s.takeIssuer("req-1"); ok {
		t.Fatal("pending entry should be cleared with its viewer")
	}
	if _, ok := s.takeIssuer(""); ok {
		t.Fatal("last issuer should be cleared with its viewer")
	}
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry(10)
	r.session("inst-1")

	if _, ok := r.drop("inst-1"); !ok {
		t.Fatal("drop of existing session must succeed")
	}
	if _, ok := r.drop("inst-1"); ok {
		t.Fatal("second drop must report missing")
	}
	if r.count() != 0 {
		t.Errorf("count = %d, want 0", r.count())
	}
}

func TestSessionViewersForUser(t *testing.T) {
	r := NewRegistry(10)
	s := r.session("inst-1")

	s.addViewer(&viewerConn{id: "c1", userID: "u1"})
	s.addViewer(&viewerConn{id: "c2", userID: "u1"})
	s.addViewer(&viewerConn{id: "c3", userID: "u2"})

	if got := len(s.viewersForUser("u1")); got != 2 {
		t.Errorf("viewersForUser(u1) = %d, want 2", got)
	}
	if got := len(s.viewersForUser("u3")); got != 0 {
		t.Errorf("viewersForUser(u3) = %d, want 0", got)
	}
}
