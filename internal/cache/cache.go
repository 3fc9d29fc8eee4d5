// Package cache provides a small in-process TTL cache for read-mostly state
// such as service policies.
package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrMiss signals that a key was not found or has expired.
var ErrMiss = errors.New("cache miss")

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is a concurrency-safe map with per-entry TTLs. Expired entries are
// reaped lazily on access.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory constructs an empty cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

// Get returns the cached value or ErrMiss.
func (m *Memory) Get(key string) (any, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return e.value, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (m *Memory) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

// Del removes key.
func (m *Memory) Del(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Flush removes everything.
func (m *Memory) Flush() {
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
}
