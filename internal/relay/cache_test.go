package relay

import (
	"encoding/json"
	"fmt"
	"testing"
)

func rawLog(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"level":"info","message":"entry %d"}`, i))
}

func TestStateCacheOverwrite(t *testing.T) {
	c := newStateCache(10)
	if c.State() != nil {
		t.Fatal("fresh cache should have nil state")
	}

	c.SetState(json.RawMessage(`{"status":"online"}`))
	c.SetState(json.RawMessage(`{"status":"paused"}`))
	if got := string(c.State()); got != `{"status":"paused"}` {
		t.Errorf("state = %s, want the last snapshot", got)
	}
}

func TestLogRingAppendAndEvict(t *testing.T) {
	c := newStateCache(3)
	for i := 0; i < 5; i++ {
		c.AppendLog(rawLog(i))
	}
	logs := c.Logs()
	if len(logs) != 3 {
		t.Fatalf("got %d entries, want 3", len(logs))
	}
	// Oldest two evicted; remaining ordered oldest-first.
	for i, want := range []int{2, 3, 4} {
		if string(logs[i]) != string(rawLog(want)) {
			t.Errorf("logs[%d] = %s, want entry %d", i, logs[i], want)
		}
	}
}

func TestLogRingPrependHistory(t *testing.T) {
	c := newStateCache(10)
	c.AppendLog(rawLog(100)) // live entry arrives first
	c.PrependHistory([]json.RawMessage{rawLog(0), rawLog(1), rawLog(2)})

	logs := c.Logs()
	want := []int{0, 1, 2, 100}
	if len(logs) != len(want) {
		t.Fatalf("got %d entries, want %d", len(logs), len(want))
	}
	for i, w := range want {
		if string(logs[i]) != string(rawLog(w)) {
			t.Errorf("logs[%d] = %s, want entry %d", i, logs[i], w)
		}
	}
}

func TestLogRingPrependClipsToCapacity(t *testing.T) {
	c := newStateCache(4)
	c.AppendLog(rawLog(100))
	c.AppendLog(rawLog(101))

	// Five historical entries into two free slots: only the newest two fit.
	c.PrependHistory([]json.RawMessage{rawLog(0), rawLog(1), rawLog(2), rawLog(3), rawLog(4)})

	logs := c.Logs()
	want := []int{3, 4, 100, 101}
	if len(logs) != len(want) {
		t.Fatalf("got %d entries, want %d", len(logs), len(want))
	}
	for i, w := range want {
		if string(logs[i]) != string(rawLog(w)) {
			t.Errorf("logs[%d] = %s, want entry %d", i, logs[i], w)
		}
	}

	// Full buffer: prepend is a no-op.
	c.PrependHistory([]json.RawMessage{rawLog(9)})
	if c.LogCount() != 4 {
		t.Errorf("count = %d after prepend into full buffer, want 4", c.LogCount())
	}
}

func TestLogRingPrependThenEvict(t *testing.T) {
	c := newStateCache(3)
	c.PrependHistory([]json.RawMessage{rawLog(0), rawLog(1)})
	c.AppendLog(rawLog(2))
	c.AppendLog(rawLog(3)) // evicts entry 0

	logs := c.Logs()
	want := []int{1, 2, 3}
	for i, w := range want {
		if string(logs[i]) != string(rawLog(w)) {
			t.Errorf("logs[%d] = %s, want entry %d", i, logs[i], w)
		}
	}
}
