// Package cachestore provides the fast, TTL-bound tier of conversation
// storage. A cache entry for a conversation id is authoritative for whether
// that conversation is currently active.
//
// Entries are namespaced by schema version so that a format change never
// requires a blocking migration: PurgeStaleVersions deletes entries written
// under any other version at startup.
package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/converselabs/converse/types"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates no cache entry exists for the conversation id.
	ErrNotFound = errors.New("conversation not found in cache")

	// ErrInvalidID indicates an empty or malformed conversation id.
	ErrInvalidID = errors.New("invalid conversation id")
)

// DefaultTTL is the default lifetime of a cache entry.
const DefaultTTL = time.Hour

// DefaultSchemaVersion is the current on-the-wire format version for cached
// turn sequences. Bump the major or minor component when the serialized
// layout changes incompatibly.
const DefaultSchemaVersion = "1.0.0"

// Store is the cache tier for active conversation state.
type Store interface {
	// Load retrieves the cached turn sequence for a conversation.
	// Returns ErrNotFound on a cache miss.
	Load(ctx context.Context, id string) ([]types.Turn, error)

	// Save writes the turn sequence for a conversation, refreshing its TTL.
	Save(ctx context.Context, id string, turns []types.Turn) error

	// Delete removes the cache entry for a conversation.
	// Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a cache entry is present, i.e. whether the
	// conversation is currently active.
	Exists(ctx context.Context, id string) (bool, error)

	// PurgeStaleVersions deletes every entry whose schema version namespace
	// does not match the store's current version. Run once at startup.
	// Returns the number of entries removed.
	PurgeStaleVersions(ctx context.Context) (int, error)
}
