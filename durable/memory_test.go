package durable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converselabs/converse/types"
)

func TestMemoryStore_UpsertAndFindByID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{
		ID:      "conv-123",
		OwnerID: "alice",
		Turns: []types.Turn{
			types.System("prompt"),
			types.User("Hello"),
			types.Assistant("Hi there"),
		},
	}
	require.NoError(t, store.Upsert(ctx, rec))

	found, err := store.FindByID(ctx, "conv-123", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", found.OwnerID)
	assert.Len(t, found.Turns, 3)
	assert.False(t, found.StartedAt.IsZero())
	assert.False(t, found.Ended())
}

func TestMemoryStore_FindByIDNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.FindByID(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OwnershipEnforced(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{ID: "owned", OwnerID: "alice"}))

	_, err := store.FindByID(ctx, "owned", "mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// An anonymous requester cannot read an owned record either.
	_, err = store.FindByID(ctx, "owned", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMemoryStore_AnonymousRecordReadableByAnyone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{ID: "anon"}))

	_, err := store.FindByID(ctx, "anon", "")
	assert.NoError(t, err)
	_, err = store.FindByID(ctx, "anon", "bob")
	assert.NoError(t, err)
}

func TestMemoryStore_UpsertRejectsTemporary(t *testing.T) {
	store := NewMemoryStore()

	err := store.Upsert(context.Background(), &Record{ID: "tmp", Temporary: true})
	assert.ErrorIs(t, err, ErrTemporary)

	_, err = store.FindByID(context.Background(), "tmp", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpsertPreservesStartedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Upsert(ctx, &Record{ID: "conv", StartedAt: started}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "conv", Turns: []types.Turn{types.User("hi")}}))

	found, err := store.FindByID(ctx, "conv", "")
	require.NoError(t, err)
	assert.Equal(t, started, found.StartedAt)
	assert.Len(t, found.Turns, 1)
}

func TestMemoryStore_FindByOwnerEndedOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ended := time.Now().UTC()
	require.NoError(t, store.Upsert(ctx, &Record{ID: "done", OwnerID: "alice", EndedAt: &ended}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "open", OwnerID: "alice"}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "other", OwnerID: "bob", EndedAt: &ended}))

	records, err := store.FindByOwner(ctx, "alice", Query{EndedOnly: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "done", records[0].ID)
}

func TestMemoryStore_FindByOwnerIncludesActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ended := time.Now().UTC()
	require.NoError(t, store.Upsert(ctx, &Record{ID: "done", OwnerID: "alice", EndedAt: &ended}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "open", OwnerID: "alice"}))

	records, err := store.FindByOwner(ctx, "alice", Query{EndedOnly: true, ActiveID: "open"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemoryStore_FindByOwnerAnonymous(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{ID: "anon-active"}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "anon-other"}))

	// Without an active id an anonymous caller sees nothing.
	records, err := store.FindByOwner(ctx, "", Query{})
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = store.FindByOwner(ctx, "", Query{ActiveID: "anon-active"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "anon-active", records[0].ID)
}

func TestMemoryStore_FindByOwnerLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Upsert(ctx, &Record{
			ID:      fmt.Sprintf("conv-%d", i),
			OwnerID: "alice",
		}))
	}

	records, err := store.FindByOwner(ctx, "alice", Query{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestMemoryStore_DeleteByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{ID: "a", OwnerID: "alice"}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "b", OwnerID: "alice"}))
	require.NoError(t, store.Upsert(ctx, &Record{ID: "c", OwnerID: "bob"}))

	n, err := store.DeleteByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.FindByID(ctx, "a", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByID(ctx, "c", "bob")
	assert.NoError(t, err)
}

func TestMemoryStore_FindByIDReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{ID: "conv", Turns: []types.Turn{types.User("original")}}))

	found, err := store.FindByID(ctx, "conv", "")
	require.NoError(t, err)
	found.Turns[0].Content = "mutated"

	again, err := store.FindByID(ctx, "conv", "")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Turns[0].Content)
}
