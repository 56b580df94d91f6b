package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBag is an in-memory Bag for tests and the built-in cookie session
// manager. Save is a no-op: mutations are immediately visible.
type MemoryBag struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryBag creates an empty in-memory session bag.
func NewMemoryBag() *MemoryBag {
	return &MemoryBag{values: make(map[string]string)}
}

// Get returns the value for key.
func (b *MemoryBag) Get(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// Set stores a value for key.
func (b *MemoryBag) Set(key, value string) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
}

// Delete removes key from the bag.
func (b *MemoryBag) Delete(key string) {
	b.mu.Lock()
	delete(b.values, key)
	b.mu.Unlock()
}

// Save commits the bag. In-memory bags have nothing to flush.
func (b *MemoryBag) Save(ctx context.Context) error {
	return nil
}

// Manager hands out in-memory session bags keyed by an opaque token,
// standing in for the external identity/session collaborator in development
// and tests.
type Manager struct {
	mu   sync.Mutex
	bags map[string]*MemoryBag
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{bags: make(map[string]*MemoryBag)}
}

// Issue creates a new session and returns its token.
func (m *Manager) Issue() string {
	token := uuid.NewString()
	m.mu.Lock()
	m.bags[token] = NewMemoryBag()
	m.mu.Unlock()
	return token
}

// Lookup returns the bag for a token, or nil for unknown tokens.
func (m *Manager) Lookup(token string) *MemoryBag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bags[token]
}

// Resolve returns the bag for a token, issuing a new session when the token
// is unknown or empty. The second return is the (possibly new) token.
func (m *Manager) Resolve(token string) (*MemoryBag, string) {
	if token != "" {
		if bag := m.Lookup(token); bag != nil {
			return bag, token
		}
	}
	token = m.Issue()
	return m.Lookup(token), token
}
