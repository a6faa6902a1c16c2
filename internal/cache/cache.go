// Package cache holds the per-session resource cache.
//
// Each entry maps a fully resolved URL to one of three states: Hit (text
// contents), MissPermanent (the fetch failed and is never retried
// automatically) or Absent. Entries are write-once: the first permanent
// outcome recorded for a URL sticks for the lifetime of the cache.
//
// A Cache belongs to exactly one sandboxed session. Entries are never
// shared between sessions since cached content is a function of session
// identity.
package cache

import (
	"sync"
)

// State is the tri-state of a cache entry
type State int

const (
	Absent State = iota
	Hit
	MissPermanent
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Hit:
		return "hit"
	case MissPermanent:
		return "miss-permanent"
	default:
		return "absent"
	}
}

// Entry is the recorded outcome for one URL
type Entry struct {
	State    State
	Contents string
	// ContentType is the media type seen on the live response, "" when
	// the entry was seeded or put by a script
	ContentType string
}

// Seed is a single pre-recorded outcome used to populate a fresh cache.
// A nil Contents records a failure.
type Seed struct {
	URL      string
	Contents *string
}

// Cache is a write-once URL -> outcome store
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty cache
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Get returns the entry for url; unknown URLs report Absent
func (c *Cache) Get(url string) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[url]
}

// Put records a hit. It returns false if url already has a permanent outcome.
func (c *Cache) Put(url, contents string) bool {
	return c.set(url, Entry{State: Hit, Contents: contents})
}

// PutTyped records a hit along with the response's media type
func (c *Cache) PutTyped(url, contents, contentType string) bool {
	return c.set(url, Entry{State: Hit, Contents: contents, ContentType: contentType})
}

// PutFailure records a miss-permanent outcome. It returns false if url
// already has a permanent outcome.
func (c *Cache) PutFailure(url string) bool {
	return c.set(url, Entry{State: MissPermanent})
}

func (c *Cache) set(url string, e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[url]; ok && existing.State != Absent {
		return false
	}
	c.entries[url] = e
	return true
}

// Seed populates the cache from pre-recorded outcomes
func (c *Cache) Seed(seeds []Seed) {
	for _, s := range seeds {
		if s.Contents == nil {
			c.PutFailure(s.URL)
		} else {
			c.Put(s.URL, *s.Contents)
		}
	}
}

// Len returns the number of recorded URLs
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of every recorded entry
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
