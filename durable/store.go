// Package durable provides the persistent tier of conversation storage.
// One record holds the full denormalized turn sequence of a non-temporary
// conversation. Records are append-only from the caller's perspective:
// there is no per-conversation delete, only an owner-level cascade used
// when an account is removed.
package durable

import (
	"context"
	"errors"
	"time"

	"github.com/converselabs/converse/types"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates no record exists for the conversation id.
	ErrNotFound = errors.New("conversation record not found")

	// ErrInvalidID indicates an empty conversation id.
	ErrInvalidID = errors.New("invalid conversation id")

	// ErrUnauthorized indicates the requesting identity does not own the
	// record.
	ErrUnauthorized = errors.New("requester does not own this conversation")

	// ErrTemporary indicates an attempt to persist a temporary conversation.
	// Temporary conversations live in the cache only.
	ErrTemporary = errors.New("temporary conversations are never persisted")
)

// Record is one persisted conversation. OwnerID is empty for anonymous
// conversations. EndedAt is nil while the conversation is still active.
type Record struct {
	ID        string       `bson:"conversation_id" json:"conversation_id"`
	OwnerID   string       `bson:"owner_id,omitempty" json:"owner_id,omitempty"`
	Turns     []types.Turn `bson:"turns" json:"turns"`
	StartedAt time.Time    `bson:"started_at" json:"started_at"`
	EndedAt   *time.Time   `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	UpdatedAt time.Time    `bson:"updated_at" json:"updated_at"`
	Temporary bool         `bson:"temporary" json:"temporary"`
}

// Ended reports whether the conversation has been finalized.
func (r *Record) Ended() bool {
	return r.EndedAt != nil
}

// Query filters FindByOwner results.
type Query struct {
	// EndedOnly restricts results to finalized conversations.
	EndedOnly bool

	// ActiveID, when set, additionally includes this conversation even if
	// it has not ended yet (the caller's currently bound conversation).
	ActiveID string

	// Limit caps the number of returned records. 0 applies the store
	// default of 100.
	Limit int
}

// DefaultQueryLimit is applied when Query.Limit is zero.
const DefaultQueryLimit = 100

// Store is the durable store adapter contract.
type Store interface {
	// Upsert creates or replaces the record for rec.ID. Rejects temporary
	// records with ErrTemporary (invariant: temporary conversations never
	// reach durable storage).
	Upsert(ctx context.Context, rec *Record) error

	// FindByID retrieves a record, enforcing ownership: a non-anonymous
	// record requested by a different (or empty) identity yields
	// ErrUnauthorized.
	FindByID(ctx context.Context, id, requester string) (*Record, error)

	// FindByOwner returns the owner's records matching q, most recently
	// updated first. With an empty owner only the anonymous record named
	// by q.ActiveID (if any) is returned.
	FindByOwner(ctx context.Context, owner string, q Query) ([]Record, error)

	// DeleteByOwner removes every record belonging to the owner. Used only
	// for account-deletion cascades; returns the number of records removed.
	DeleteByOwner(ctx context.Context, owner string) (int, error)
}

// CheckOwnership applies the shared access rule: anonymous records are
// readable by anyone, owned records only by their owner.
func CheckOwnership(rec *Record, requester string) error {
	if rec.OwnerID != "" && rec.OwnerID != requester {
		return ErrUnauthorized
	}
	return nil
}
