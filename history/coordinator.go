// Package history coordinates conversation state across the cache and
// durable tiers: duplicate suppression, bounded-history trimming,
// temporary/persistent routing, and cache/durable reconciliation.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/converselabs/converse/cachestore"
	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/metrics"
	"github.com/converselabs/converse/types"
)

// ErrEmptyMessage indicates a user turn with no content.
var ErrEmptyMessage = errors.New("message must not be empty")

// DefaultMaxHistory bounds the number of user/assistant turns kept per
// conversation. A leading system turn does not count against the bound.
const DefaultMaxHistory = 20

// Coordinator is the only component that mutates the cache and durable
// stores. Writes are last-write-wins; there is no transactional guarantee
// across the two tiers. Persistence failures are logged and counted, never
// surfaced to an in-flight client response.
type Coordinator struct {
	cache        cachestore.Store
	store        durable.Store
	systemPrompt string
	maxHistory   int
	now          func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSystemPrompt seeds new conversations with a leading system turn.
func WithSystemPrompt(prompt string) CoordinatorOption {
	return func(c *Coordinator) {
		c.systemPrompt = prompt
	}
}

// WithMaxHistory overrides the history bound. Values < 1 keep the default.
func WithMaxHistory(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxHistory = n
		}
	}
}

// withCoordinatorClock overrides the time source for tests.
func withCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator over the given cache and durable
// stores.
func NewCoordinator(cache cachestore.Store, store durable.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cache:      cache,
		store:      store,
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the conversation's turn sequence, reconciling the two tiers:
// the cache is read first; on a miss the durable store is consulted and the
// cache repopulated. Cache unavailability degrades to the durable read.
// Ownership is enforced on both paths: cache entries hold turns only, so a
// cache hit still checks the requester against the durable record.
func (c *Coordinator) Load(ctx context.Context, id, requester string) ([]types.Turn, error) {
	turns, err := c.cache.Load(ctx, id)
	if err == nil {
		if err := c.authorize(ctx, id, requester); err != nil {
			return nil, err
		}
		return turns, nil
	}
	if !errors.Is(err, cachestore.ErrNotFound) && !errors.Is(err, cachestore.ErrInvalidID) {
		logger.Warn("cache read failed, falling back to durable store", "conversation_id", id, "error", err)
		metrics.IncPersistenceError("cache")
	}

	rec, err := c.store.FindByID(ctx, id, requester)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Save(ctx, id, rec.Turns); err != nil {
		logger.Warn("cache repopulation failed", "conversation_id", id, "error", err)
		metrics.IncPersistenceError("cache")
	}

	return rec.Turns, nil
}

// authorize applies the durable ownership rule to a cached read.
// Conversations with no durable record (temporary, or persistent before the
// first real turn lands) carry no owner to enforce. Durable unavailability
// fails closed rather than leaking another owner's turns.
func (c *Coordinator) authorize(ctx context.Context, id, requester string) error {
	_, err := c.store.FindByID(ctx, id, requester)
	if err == nil || errors.Is(err, durable.ErrNotFound) {
		return nil
	}
	return err
}

// AppendUserTurn appends a user turn to the conversation, seeding an empty
// sequence with the system turn. Consecutive identical user turns are
// collapsed to one, making client resubmission idempotent. For non-temporary
// conversations the durable record is created on the first real turn.
func (c *Coordinator) AppendUserTurn(ctx context.Context, id, owner, text string, temporary bool) error {
	if text == "" {
		return ErrEmptyMessage
	}

	turns, err := c.Load(ctx, id, owner)
	if err != nil {
		if !errors.Is(err, durable.ErrNotFound) {
			return err
		}
		turns = c.seed()
	}

	if last := len(turns) - 1; last >= 0 && turns[last].Role == types.RoleUser && turns[last].Content == text {
		// Duplicate resubmission of the same user message: no-op.
		return nil
	}

	turns = append(turns, types.User(text))

	if err := c.cache.Save(ctx, id, turns); err != nil {
		logger.Error("cache write failed for user turn", "conversation_id", id, "error", err)
		metrics.IncPersistenceError("cache")
	}

	if temporary {
		return nil
	}

	// First real turn of a persistent conversation creates its record so
	// lookups by id succeed before the first assistant turn completes.
	if _, err := c.store.FindByID(ctx, id, owner); errors.Is(err, durable.ErrNotFound) {
		rec := &durable.Record{
			ID:        id,
			OwnerID:   owner,
			Turns:     turns,
			StartedAt: c.now().UTC(),
		}
		if err := c.store.Upsert(ctx, rec); err != nil {
			logger.Error("durable create failed for user turn", "conversation_id", id, "error", err)
			metrics.IncPersistenceError("durable")
		}
	}

	return nil
}

// AppendAssistantTurn appends the completed assistant text, trims the
// sequence to the history bound, and writes both tiers for non-temporary
// conversations. Storage failures do not fail the caller: the user has
// already received the streamed tokens.
func (c *Coordinator) AppendAssistantTurn(ctx context.Context, id, owner, text string, temporary bool) error {
	if text == "" {
		return nil
	}

	turns, err := c.Load(ctx, id, owner)
	if err != nil {
		if !errors.Is(err, durable.ErrNotFound) {
			return err
		}
		turns = c.seed()
	}

	turns = append(turns, types.Assistant(text))
	turns = Trim(turns, c.maxHistory)

	if err := c.cache.Save(ctx, id, turns); err != nil {
		logger.Error("cache write failed for assistant turn", "conversation_id", id, "error", err)
		metrics.IncPersistenceError("cache")
	}

	if temporary {
		return nil
	}

	rec := &durable.Record{ID: id, OwnerID: owner, Turns: turns}
	if err := c.store.Upsert(ctx, rec); err != nil {
		logger.Error("durable write failed for assistant turn", "conversation_id", id, "error", err)
		metrics.IncPersistenceError("durable")
	}

	return nil
}

// Finalize ends a conversation: a non-temporary conversation with at least
// one real turn is flushed to the durable store with its end timestamp, and
// the cache entry is deleted regardless of the persistence outcome.
func (c *Coordinator) Finalize(ctx context.Context, id, owner string, temporary bool) error {
	turns, loadErr := c.cache.Load(ctx, id)
	if loadErr != nil && !temporary {
		// The cache entry may have expired before the reset arrived. Fall
		// back to the durable record so the end timestamp still lands and
		// the conversation stays visible in the listing.
		if rec, err := c.store.FindByID(ctx, id, owner); err == nil {
			turns, loadErr = rec.Turns, nil
		}
	}

	if loadErr == nil && !temporary && types.CountReal(turns) > 0 {
		ended := c.now().UTC()
		rec := &durable.Record{
			ID:      id,
			OwnerID: owner,
			Turns:   turns,
			EndedAt: &ended,
		}
		if err := c.store.Upsert(ctx, rec); err != nil {
			logger.Error("durable write failed during finalize", "conversation_id", id, "error", err)
			metrics.IncPersistenceError("durable")
		} else {
			metrics.IncFinalized()
		}
	}

	if err := c.cache.Delete(ctx, id); err != nil {
		logger.Warn("cache delete failed during finalize", "conversation_id", id, "error", err)
		metrics.IncPersistenceError("cache")
	}

	return nil
}

// Active reports whether the conversation has a live cache entry.
func (c *Coordinator) Active(ctx context.Context, id string) bool {
	active, err := c.cache.Exists(ctx, id)
	if err != nil {
		logger.Warn("cache existence probe failed", "conversation_id", id, "error", err)
		return false
	}
	return active
}

// seed returns the initial sequence for a new conversation.
func (c *Coordinator) seed() []types.Turn {
	if c.systemPrompt == "" {
		return nil
	}
	return []types.Turn{types.System(c.systemPrompt)}
}

// Trim drops the oldest non-system turns until at most maxHistory real turns
// remain. A leading system turn always survives and does not count against
// the bound. maxHistory < 1 disables trimming.
func Trim(turns []types.Turn, maxHistory int) []types.Turn {
	if maxHistory < 1 {
		return turns
	}

	real := turns
	var system []types.Turn
	if types.HasSystem(turns) {
		system = turns[:1]
		real = turns[1:]
	}

	if len(real) <= maxHistory {
		return turns
	}

	trimmed := make([]types.Turn, 0, maxHistory+len(system))
	trimmed = append(trimmed, system...)
	trimmed = append(trimmed, real[len(real)-maxHistory:]...)
	return trimmed
}
