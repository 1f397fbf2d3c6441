// Package dedup provides the bounded fingerprint cache that suppresses
// duplicate delivery of transcript turns. The cache is shared between the
// tailer (so externally-written turns broadcast at most once) and the
// request delivery path (so the relay's own replies are never re-broadcast
// by the tail cycle).
package dedup

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
)

// Fingerprint derives a stable identity for a turn's text: whitespace is
// collapsed before hashing so transport-level reformatting doesn't defeat
// deduplication. The digest is a full-content SHA-256 truncated to 128 bits;
// the source relay's 32-bit prefix hash could collide on long messages with
// identical openings.
func Fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum[:16])
}

// Cache is an insertion-ordered set of fingerprints with FIFO eviction.
// Size never exceeds the configured capacity.
type Cache struct {
	mu    sync.Mutex
	cap   int
	set   map[string]struct{}
	order []string
}

// NewCache creates a cache holding at most capacity fingerprints.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

// Seen reports whether the fingerprint is present.
func (c *Cache) Seen(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[fp]
	return ok
}

// Add inserts a fingerprint, evicting the oldest entries once the capacity
// is exceeded. Adding an existing fingerprint is a no-op and does not
// refresh its age.
func (c *Cache) Add(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.set[fp]; ok {
		return
	}
	c.set[fp] = struct{}{}
	c.order = append(c.order, fp)
	for len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.set, oldest)
	}
}

// AddText fingerprints the text and inserts it, returning the fingerprint.
func (c *Cache) AddText(text string) string {
	fp := Fingerprint(text)
	c.Add(fp)
	return fp
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.set)
}

// Cap returns the configured capacity.
func (c *Cache) Cap() int {
	return c.cap
}
