package ownership

import (
	"encoding/hex"
	"sync"
	"time"
)

// replayCache remembers nonces of accepted proofs until they age past the
// freshness window, at which point the timestamp check rejects them anyway.
// Entries are swept lazily on insert.
type replayCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// remember records the nonce and reports whether it was already present.
func (c *replayCache) remember(nonce []byte, now time.Time) bool {
	key := hex.EncodeToString(nonce)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = now
	return false
}
