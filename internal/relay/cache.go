package relay

import (
	"encoding/json"
	"sync"
)

// defaultLogCacheSize is the per-instance log buffer capacity.
const defaultLogCacheSize = 2000

// stateCache holds the latest state snapshot and a bounded log history for a
// single instance. It survives upstream disconnects so late-joining viewers
// still get the last known state and recent logs.
type stateCache struct {
	mu sync.RWMutex

	state json.RawMessage // last state frame payload, nil until first state

	// logs is a ring buffer ordered oldest-first.
	logs  []json.RawMessage
	head  int // index of oldest entry
	count int
}

func newStateCache(logCapacity int) *stateCache {
	if logCapacity <= 0 {
		logCapacity = defaultLogCacheSize
	}
	return &stateCache{logs: make([]json.RawMessage, logCapacity)}
}

// SetState overwrites the cached state snapshot.
func (c *stateCache) SetState(data json.RawMessage) {
	c.mu.Lock()
	c.state = data
	c.mu.Unlock()
}

// State returns the cached snapshot, or nil if no state has been seen yet.
func (c *stateCache) State() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AppendLog adds a log entry as the newest, evicting the oldest at capacity.
func (c *stateCache) AppendLog(entry json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count < len(c.logs) {
		c.logs[(c.head+c.count)%len(c.logs)] = entry
		c.count++
		return
	}
	c.logs[c.head] = entry
	c.head = (c.head + 1) % len(c.logs)
}

// PrependHistory inserts a batch of older entries (oldest-first) ahead of the
// current buffer contents. Entries that would exceed capacity are dropped from
// the front of the batch so the newest data always wins.
func (c *stateCache) PrependHistory(entries []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := len(c.logs) - c.count
	if room <= 0 {
		return
	}
	if len(entries) > room {
		entries = entries[len(entries)-room:]
	}
	for i := len(entries) - 1; i >= 0; i-- {
		c.head = (c.head - 1 + len(c.logs)) % len(c.logs)
		c.logs[c.head] = entries[i]
		c.count++
	}
}

// Logs returns a copy of the buffered entries, oldest-first.
func (c *stateCache) Logs() []json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]json.RawMessage, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.logs[(c.head+i)%len(c.logs)]
	}
	return out
}

// LogCount returns the number of buffered entries.
func (c *stateCache) LogCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
