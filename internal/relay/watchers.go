package relay

import (
	"sync"
	"time"
)

// Watchers tracks who is viewing an instance's HLS preview. Watchers are
// browser tabs that heartbeat periodically; an entry expires when its TTL
// passes without a refresh.
type Watchers struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]map[string]time.Time // instance_id -> watcher_id -> last heartbeat
}

// NewWatchers creates a watcher tracker with the given heartbeat TTL.
func NewWatchers(ttl time.Duration) *Watchers {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &Watchers{
		ttl: ttl,
		m:   make(map[string]map[string]time.Time),
	}
}

// Heartbeat records that watcherID is still viewing instanceID.
func (w *Watchers) Heartbeat(instanceID, watcherID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byID, ok := w.m[instanceID]
	if !ok {
		byID = make(map[string]time.Time)
		w.m[instanceID] = byID
	}
	byID[watcherID] = time.Now()
}

// Count returns the number of live watchers for instanceID, pruning expired
// entries as a side effect.
func (w *Watchers) Count(instanceID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	byID, ok := w.m[instanceID]
	if !ok {
		return 0
	}
	cutoff := time.Now().Add(-w.ttl)
	for id, last := range byID {
		if last.Before(cutoff) {
			delete(byID, id)
		}
	}
	if len(byID) == 0 {
		delete(w.m, instanceID)
		return 0
	}
	return len(byID)
}
