// Package session binds a client session to exactly one active conversation
// id and owns the reset/new-conversation protocol. The session itself is an
// external collaborator, abstracted as a Bag.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/history"
	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/metrics"
)

// conversationKey is the bag key holding the bound conversation id.
const conversationKey = "conversation_id"

// Bag is the mutable per-client session supplied by the identity
// collaborator. Set/Delete mutate in memory; Save commits the bag so the
// binding survives. A binding that is never committed orphans its cache
// entry, so the Binder always saves before returning a new id.
type Bag interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Save(ctx context.Context) error
}

// Binder maps a session to its single active conversation id.
type Binder struct {
	coord *history.Coordinator
	store durable.Store
	newID func() string
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithIDGenerator overrides conversation id generation (tests).
func WithIDGenerator(gen func() string) BinderOption {
	return func(b *Binder) {
		b.newID = gen
	}
}

// NewBinder creates a binder over the coordinator and durable store.
func NewBinder(coord *history.Coordinator, store durable.Store, opts ...BinderOption) *Binder {
	b := &Binder{
		coord: coord,
		store: store,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ResolveActive returns the session's bound conversation id, minting and
// committing a fresh binding when none exists.
func (b *Binder) ResolveActive(ctx context.Context, bag Bag) (string, error) {
	if id, ok := bag.Get(conversationKey); ok && id != "" {
		return id, nil
	}

	id := b.newID()
	bag.Set(conversationKey, id)
	if err := bag.Save(ctx); err != nil {
		return "", fmt.Errorf("failed to commit session binding: %w", err)
	}
	return id, nil
}

// Bound returns the currently bound conversation id, or "" when the session
// has none.
func (b *Binder) Bound(bag Bag) string {
	id, _ := bag.Get(conversationKey)
	return id
}

// Reset finalizes the currently bound conversation and atomically replaces
// the binding with a fresh id. wasTemporary describes the conversation being
// finalized; newTemporary the mode of the replacement. For a non-temporary
// replacement an empty durable record is created eagerly so lookups by id
// succeed before the first assistant turn completes.
func (b *Binder) Reset(ctx context.Context, bag Bag, owner string, wasTemporary, newTemporary bool) (string, error) {
	if old, ok := bag.Get(conversationKey); ok && old != "" {
		if err := b.coord.Finalize(ctx, old, owner, wasTemporary); err != nil {
			return "", fmt.Errorf("failed to finalize conversation %s: %w", old, err)
		}
	}

	id := b.newID()
	bag.Set(conversationKey, id)
	if err := bag.Save(ctx); err != nil {
		return "", fmt.Errorf("failed to commit session binding: %w", err)
	}

	if !newTemporary {
		if err := b.store.Upsert(ctx, &durable.Record{ID: id, OwnerID: owner}); err != nil {
			// Non-fatal: the record will be created on the first user turn.
			logger.Warn("eager durable create failed on reset", "conversation_id", id, "error", err)
			metrics.IncPersistenceError("durable")
		}
	}

	return id, nil
}
