package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converselabs/converse/cachestore"
	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/history"
)

func newTestBinder(opts ...BinderOption) (*Binder, *history.Coordinator, durable.Store, cachestore.Store) {
	cache := cachestore.NewMemory()
	store := durable.NewMemoryStore()
	coord := history.NewCoordinator(cache, store)
	return NewBinder(coord, store, opts...), coord, store, cache
}

func TestBinder_ResolveActiveCreatesBinding(t *testing.T) {
	binder, _, _, _ := newTestBinder()
	bag := NewMemoryBag()
	ctx := context.Background()

	id, err := binder.ResolveActive(ctx, bag)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// The binding is committed on the session.
	bound, ok := bag.Get("conversation_id")
	require.True(t, ok)
	assert.Equal(t, id, bound)
}

func TestBinder_ResolveActiveReturnsExistingBinding(t *testing.T) {
	binder, _, _, _ := newTestBinder()
	bag := NewMemoryBag()
	ctx := context.Background()

	first, err := binder.ResolveActive(ctx, bag)
	require.NoError(t, err)
	second, err := binder.ResolveActive(ctx, bag)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBinder_ResetFinalizesOldConversation(t *testing.T) {
	binder, coord, store, cache := newTestBinder()
	bag := NewMemoryBag()
	ctx := context.Background()

	old, err := binder.ResolveActive(ctx, bag)
	require.NoError(t, err)
	require.NoError(t, coord.AppendUserTurn(ctx, old, "alice", "Hello", false))
	require.NoError(t, coord.AppendAssistantTurn(ctx, old, "alice", "Hi", false))

	fresh, err := binder.Reset(ctx, bag, "alice", false, false)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, fresh, binder.Bound(bag))

	// The old conversation is finalized and flushed out of the cache.
	rec, err := store.FindByID(ctx, old, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Ended())
	_, err = cache.Load(ctx, old)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestBinder_ResetEagerlyCreatesDurableRecord(t *testing.T) {
	binder, _, store, _ := newTestBinder()
	bag := NewMemoryBag()
	ctx := context.Background()

	fresh, err := binder.Reset(ctx, bag, "alice", false, false)
	require.NoError(t, err)

	// The empty record exists before any turn is appended.
	rec, err := store.FindByID(ctx, fresh, "alice")
	require.NoError(t, err)
	assert.Empty(t, rec.Turns)
	assert.False(t, rec.Ended())
}

func TestBinder_ResetTemporarySkipsEagerCreate(t *testing.T) {
	binder, _, store, _ := newTestBinder()
	bag := NewMemoryBag()
	ctx := context.Background()

	fresh, err := binder.Reset(ctx, bag, "alice", false, true)
	require.NoError(t, err)

	_, err = store.FindByID(ctx, fresh, "alice")
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestBinder_ResetTemporaryLeavesNoDurableTrace(t *testing.T) {
	binder, coord, store, cache := newTestBinder()
	bag := NewMemoryBag()
	ctx := context.Background()

	id, err := binder.ResolveActive(ctx, bag)
	require.NoError(t, err)
	require.NoError(t, coord.AppendUserTurn(ctx, id, "", "secret question", true))
	require.NoError(t, coord.AppendAssistantTurn(ctx, id, "", "secret answer", true))

	_, err = binder.Reset(ctx, bag, "", true, true)
	require.NoError(t, err)

	_, err = store.FindByID(ctx, id, "")
	assert.ErrorIs(t, err, durable.ErrNotFound)
	_, err = cache.Load(ctx, id)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestBinder_RapidResetsProduceDistinctIDs(t *testing.T) {
	seq := 0
	binder, coord, store, _ := newTestBinder(WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("conv-%d", seq)
	}))
	bag := NewMemoryBag()
	ctx := context.Background()

	first, err := binder.ResolveActive(ctx, bag)
	require.NoError(t, err)
	require.NoError(t, coord.AppendUserTurn(ctx, first, "alice", "Hello", false))

	second, err := binder.Reset(ctx, bag, "alice", false, false)
	require.NoError(t, err)
	third, err := binder.Reset(ctx, bag, "alice", false, false)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, second, third)

	// The first conversation was finalized before the second was created.
	rec, err := store.FindByID(ctx, first, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Ended())
}

type failingBag struct {
	*MemoryBag
	saveErr error
}

func (b *failingBag) Save(ctx context.Context) error {
	return b.saveErr
}

func TestBinder_SaveFailureSurfaces(t *testing.T) {
	binder, _, _, _ := newTestBinder()
	bag := &failingBag{MemoryBag: NewMemoryBag(), saveErr: errors.New("session store down")}

	_, err := binder.ResolveActive(context.Background(), bag)
	assert.Error(t, err)

	_, err = binder.Reset(context.Background(), bag, "", false, false)
	assert.Error(t, err)
}

func TestManager_ResolveIssuesAndReuses(t *testing.T) {
	m := NewManager()

	bag, token := m.Resolve("")
	require.NotNil(t, bag)
	require.NotEmpty(t, token)

	bag.Set("conversation_id", "conv-1")

	again, sameToken := m.Resolve(token)
	assert.Equal(t, token, sameToken)
	v, ok := again.Get("conversation_id")
	require.True(t, ok)
	assert.Equal(t, "conv-1", v)

	_, otherToken := m.Resolve("unknown-token")
	assert.NotEqual(t, token, otherToken)
}
