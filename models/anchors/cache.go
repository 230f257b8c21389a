// Package anchors - Prior box generation and a per-model anchor cache.
package anchors

import "sync"

// Anchor is a prior box in model input pixels, in centre/size form.
type Anchor struct {
	// CX is the horizontal centre.
	CX float32
	// CY is the vertical centre.
	CY float32
	// W is the width.
	W float32
	// H is the height.
	H float32
}

// Key identifies the anchors of one output layer for a given feature map size.
type Key struct {
	Layer int
	H     int
	W     int
}

// GenerateFunc builds the anchors for a key.
type GenerateFunc func(key Key) []Anchor

// Cache memoizes anchors per layer and feature map size.
//
// A Cache belongs to one decoder instance. It is safe for concurrent use;
// generate runs at most once per key and the returned slices must be
// treated as read-only.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

type entry struct {
	once    sync.Once
	anchors []Anchor
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]*entry)}
}

// Get returns the anchors for key, generating them on first use.
//
// Layers of the same frame may call Get concurrently. Generation for
// different keys runs in parallel; callers for the same key wait for the
// first generation to finish.
//
// Arguments:
//   - key: The layer and feature map size.
//   - generate: Builds the anchors when the key is not cached yet.
//
// Returns:
//   - []Anchor: The cached anchors.
func (c *Cache) Get(key Key, generate GenerateFunc) []Anchor {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[Key]*entry)
	}
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.anchors = generate(key)
	})
	return e.anchors
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
}
