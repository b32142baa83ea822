package delivery

import (
	"sync"
	"time"

	"github.com/opd-ai/peerpost/clock"
)

// SeenCache remembers recently received message ids per sender so that a
// retransmission after a lost acknowledgment is acknowledged again but not
// surfaced twice. Entries expire after the configured TTL; Sweep removes
// them.
type SeenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[seenKey]time.Time // key -> expiry
}

type seenKey struct {
	sender string
	id     string
}

// NewSeenCache creates a cache whose entries live for ttl.
func NewSeenCache(ttl time.Duration, clk clock.Clock) *SeenCache {
	return &SeenCache{
		ttl:     ttl,
		clock:   clock.OrReal(clk),
		entries: make(map[seenKey]time.Time),
	}
}

// Seen reports whether id from sender is remembered and not expired.
func (c *SeenCache) Seen(sender, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[seenKey{sender, id}]
	return ok && c.clock.Now().Before(expiry)
}

// CheckAndStore records id from sender. It returns true if the id is new and
// false if it was already remembered.
func (c *SeenCache) CheckAndStore(sender, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	key := seenKey{sender, id}
	if expiry, ok := c.entries[key]; ok && now.Before(expiry) {
		return false
	}
	c.entries[key] = now.Add(c.ttl)
	return true
}

// Sweep drops expired entries and returns how many were removed.
func (c *SeenCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	removed := 0
	for key, expiry := range c.entries {
		if !now.Before(expiry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered entries, expired or not.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
