// Package cache provides the string-to-string stores that back rendered
// diagram caching. The enhancer only reads and writes entries; lifetime and
// eviction belong to the owner of the store.
package cache

import "sync"

// Store is the caller-owned mapping from content-derived keys to rendered
// output. Implementations must be safe for concurrent use; last writer wins.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	m sync.Map
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Get returns the cached value for key, if present.
func (c *Memory) Get(key string) (string, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value under key, replacing any previous entry.
func (c *Memory) Set(key, value string) {
	c.m.Store(key, value)
}

// Len reports the number of entries currently held.
func (c *Memory) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
