package cachestore

import (
	"context"
	"sync"
	"time"

	"github.com/converselabs/converse/types"
)

// Memory provides an in-memory implementation of the Store interface with
// TTL semantics matching the Redis store. Intended for tests and single-node
// deployments; entries do not survive process restart, so version purging
// is a no-op.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	turns     []types.Turn
	expiresAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryTTL sets the entry time-to-live. Default is one hour.
// Set to 0 for no expiration.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.ttl = ttl
	}
}

// withClock overrides the time source for expiry tests.
func withClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory cache store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load retrieves the cached turn sequence for a conversation.
func (m *Memory) Load(ctx context.Context, id string) ([]types.Turn, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok || m.expired(entry) {
		return nil, ErrNotFound
	}

	// Copy so callers cannot mutate the cached slice.
	turns := make([]types.Turn, len(entry.turns))
	copy(turns, entry.turns)
	return turns, nil
}

// Save writes the turn sequence for a conversation, refreshing its TTL.
func (m *Memory) Save(ctx context.Context, id string, turns []types.Turn) error {
	if id == "" {
		return ErrInvalidID
	}

	stored := make([]types.Turn, len(turns))
	copy(stored, turns)

	var expiresAt time.Time
	if m.ttl > 0 {
		expiresAt = m.now().Add(m.ttl)
	}

	m.mu.Lock()
	m.entries[id] = memoryEntry{turns: stored, expiresAt: expiresAt}
	m.mu.Unlock()

	return nil
}

// Delete removes the cache entry for a conversation.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	return nil
}

// Exists reports whether an unexpired cache entry is present.
func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}

	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()

	return ok && !m.expired(entry), nil
}

// PurgeStaleVersions is a no-op for the in-memory store: entries only ever
// exist under the process's current schema version.
func (m *Memory) PurgeStaleVersions(ctx context.Context) (int, error) {
	return 0, nil
}

func (m *Memory) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt)
}
