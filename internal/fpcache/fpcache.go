// Package fpcache is the content-addressed, size- and age-bounded
// store of previously processed detection fingerprints. It is the only
// shared mutable state inside a cycle, so every operation is
// mutex-serialized, and its durable form survives process restarts so
// duplicate suppression holds across them.
package fpcache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/integration"
)

// Entry is the cached outcome for one fingerprint. At most one active
// entry exists per fingerprint.
type Entry struct {
	Fingerprint string                 `json:"fingerprint"`
	LastSeen    time.Time              `json:"last_seen"`
	ApproxSize  int64                  `json:"approx_size"`
	Ticket      *integration.TicketRef `json:"ticket,omitempty"`
	Hits        int                    `json:"hits,omitempty"`
}

// Options bound the cache. Zero MaxBytes or MaxAge disables the
// respective bound.
type Options struct {
	Path     string // empty = memory only, Load/Flush are no-ops
	MaxAge   time.Duration
	MaxBytes int64
}

// Stats is a point-in-time snapshot for metrics and cycle summaries.
type Stats struct {
	Entries       int
	Bytes         int64
	Evictions     uint64
	DroppedOnLoad int
}

// Cache deduplicates recurring detections. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	total     int64
	evictions uint64
	dropped   int

	opts Options
	now  func() time.Time
}

// New creates an empty cache with the given bounds.
func New(opts Options) *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		opts:    opts,
		now:     time.Now,
	}
}

// Lookup returns the active entry for a fingerprint. An entry older
// than MaxAge is treated as absent (lazy expiry); it stays on disk
// until the next eviction pass physically removes it.
func (c *Cache) Lookup(fp string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return Entry{}, false
	}
	if c.expired(e) {
		return Entry{}, false
	}
	cp := *e
	return cp, true
}

// Record inserts or refreshes the entry for a fingerprint and updates
// its last-seen timestamp. A nil ticket keeps any previously linked
// ticket. Eviction runs synchronously before Record returns, so the
// aggregate size never exceeds MaxBytes after any insertion.
func (c *Cache) Record(fp string, ticket *integration.TicketRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		e = &Entry{Fingerprint: fp}
		c.entries[fp] = e
	}
	c.total -= e.ApproxSize
	e.LastSeen = c.now()
	e.Hits++
	if ticket != nil {
		e.Ticket = ticket
	}
	e.ApproxSize = approxSize(e)
	c.total += e.ApproxSize

	c.evict()
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes returns the aggregate approximate size.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Snapshot returns current cache statistics.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:       len(c.entries),
		Bytes:         c.total,
		Evictions:     c.evictions,
		DroppedOnLoad: c.dropped,
	}
}

func (c *Cache) expired(e *Entry) bool {
	return c.opts.MaxAge > 0 && c.now().Sub(e.LastSeen) > c.opts.MaxAge
}

// evict removes expired entries first, then the oldest-last-seen
// entries until the aggregate size is back under the bound.
// Caller holds the lock.
func (c *Cache) evict() {
	for fp, e := range c.entries {
		if c.expired(e) {
			c.remove(fp)
		}
	}

	if c.opts.MaxBytes <= 0 || c.total <= c.opts.MaxBytes {
		return
	}

	byAge := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].LastSeen.Before(byAge[j].LastSeen)
	})

	for _, e := range byAge {
		if c.total <= c.opts.MaxBytes {
			break
		}
		c.remove(e.Fingerprint)
	}
}

func (c *Cache) remove(fp string) {
	if e, ok := c.entries[fp]; ok {
		c.total -= e.ApproxSize
		delete(c.entries, fp)
		c.evictions++
	}
}

// approxSize is the serialized size of the entry, which is what the
// persisted file will actually hold per record.
func approxSize(e *Entry) int64 {
	b, err := json.Marshal(e)
	if err != nil {
		return 64 // cannot happen for this shape, keep accounting sane
	}
	return int64(len(b)) + 1 // newline
}
