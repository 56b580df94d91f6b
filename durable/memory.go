package durable

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/converselabs/converse/types"
)

// MemoryStore provides an in-memory implementation of the Store interface
// with the same semantics as the Mongo store. Used in tests and for
// storage-free development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory durable store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Upsert creates or replaces the record for rec.ID.
func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidID
	}
	if rec.Temporary {
		return ErrTemporary
	}

	stored := *rec
	stored.Turns = make([]types.Turn, len(rec.Turns))
	copy(stored.Turns, rec.Turns)
	stored.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	if existing, ok := s.records[rec.ID]; ok && stored.StartedAt.IsZero() {
		stored.StartedAt = existing.StartedAt
	} else if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now().UTC()
	}
	s.records[rec.ID] = stored
	s.mu.Unlock()

	return nil
}

// FindByID retrieves a record by conversation id, enforcing ownership.
func (s *MemoryStore) FindByID(ctx context.Context, id, requester string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if err := CheckOwnership(&rec, requester); err != nil {
		return nil, err
	}

	out := rec
	out.Turns = make([]types.Turn, len(rec.Turns))
	copy(out.Turns, rec.Turns)
	return &out, nil
}

// FindByOwner returns the owner's records matching q, newest first.
func (s *MemoryStore) FindByOwner(ctx context.Context, owner string, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	s.mu.RLock()
	var matched []Record
	for _, rec := range s.records {
		if matches(rec, owner, q) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// DeleteByOwner removes all of an owner's records.
func (s *MemoryStore) DeleteByOwner(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.OwnerID == owner {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func matches(rec Record, owner string, q Query) bool {
	if owner == "" {
		return q.ActiveID != "" && rec.ID == q.ActiveID && rec.OwnerID == ""
	}
	if rec.OwnerID != owner {
		return false
	}
	if q.EndedOnly && !rec.Ended() && rec.ID != q.ActiveID {
		return false
	}
	return true
}
