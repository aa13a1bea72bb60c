package reliability

import (
	"time"

	"github.com/hdds-platform/hdds/rtps"
)

// seenKey identifies one delivered sample.
type seenKey struct {
	writer rtps.GUID
	seq    int64
}

// SeenCache drops duplicate DATA already delivered: a bounded ring of
// recently processed (writer, seq) keys within a time window.
type SeenCache struct {
	window  time.Duration
	entries map[seenKey]time.Time
	order   []seenKey
	head    int
}

// NewSeenCache creates a cache of at most capacity keys kept for window.
func NewSeenCache(capacity int, window time.Duration) *SeenCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &SeenCache{
		window:  window,
		entries: make(map[seenKey]time.Time, capacity),
		order:   make([]seenKey, capacity),
	}
}

// Check records the key and reports whether it was already present within
// the window.
func (c *SeenCache) Check(writer rtps.GUID, seq int64, now time.Time) bool {
	key := seenKey{writer: writer, seq: seq}
	if at, ok := c.entries[key]; ok && now.Sub(at) <= c.window {
		return true
	}
	// Ring slot reuse evicts the oldest key.
	old := c.order[c.head]
	if old != (seenKey{}) {
		delete(c.entries, old)
	}
	c.order[c.head] = key
	c.head = (c.head + 1) % len(c.order)
	c.entries[key] = now
	return false
}
