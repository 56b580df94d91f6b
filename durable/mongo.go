package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection and field names in MongoDB.
const (
	conversationsCollection = "conversations"

	fieldConversationID = "conversation_id"
	fieldOwnerID        = "owner_id"
	fieldTurns          = "turns"
	fieldStartedAt      = "started_at"
	fieldEndedAt        = "ended_at"
	fieldUpdatedAt      = "updated_at"
	fieldTemporary      = "temporary"
)

// MongoStore provides a MongoDB-backed implementation of the Store
// interface. Conversations are stored denormalized, one document per
// conversation with the full turn sequence embedded.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a Mongo-backed durable store on the given database.
// EnsureIndexes should be called once at startup.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(conversationsCollection)}
}

// EnsureIndexes creates the unique conversation-id index and the owner
// listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: fieldConversationID, Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: fieldOwnerID, Value: 1}, {Key: fieldUpdatedAt, Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Upsert creates or replaces the record for rec.ID.
func (s *MongoStore) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidID
	}
	if rec.Temporary {
		return ErrTemporary
	}

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err := s.coll.UpdateOne(ctx,
		bson.M{fieldConversationID: rec.ID},
		bson.M{
			"$setOnInsert": bson.M{
				fieldConversationID: rec.ID,
				fieldStartedAt:      startedAt,
			},
			"$set": bson.M{
				fieldOwnerID:   rec.OwnerID,
				fieldTurns:     rec.Turns,
				fieldEndedAt:   rec.EndedAt,
				fieldTemporary: false,
				fieldUpdatedAt: time.Now().UTC(),
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo upsert failed: %w", err)
	}
	return nil
}

// FindByID retrieves a record by conversation id, enforcing ownership.
func (s *MongoStore) FindByID(ctx context.Context, id, requester string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	var rec Record
	err := s.coll.FindOne(ctx, bson.M{fieldConversationID: id}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo find failed: %w", err)
	}

	if err := CheckOwnership(&rec, requester); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByOwner returns the owner's records matching q, newest first.
func (s *MongoStore) FindByOwner(ctx context.Context, owner string, q Query) ([]Record, error) {
	filter := ownerFilter(owner, q)
	if filter == nil {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	cursor, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: fieldUpdatedAt, Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("mongo find failed: %w", err)
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("mongo cursor decode failed: %w", err)
	}
	return records, nil
}

// DeleteByOwner removes all of an owner's records (account deletion cascade).
func (s *MongoStore) DeleteByOwner(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, nil
	}

	res, err := s.coll.DeleteMany(ctx, bson.M{fieldOwnerID: owner})
	if err != nil {
		return 0, fmt.Errorf("mongo delete failed: %w", err)
	}
	return int(res.DeletedCount), nil
}

// ownerFilter builds the Mongo filter for FindByOwner. Returns nil when the
// query cannot match anything (anonymous owner with no active id).
func ownerFilter(owner string, q Query) bson.M {
	if owner == "" {
		// Anonymous callers only ever see their own active conversation.
		if q.ActiveID == "" {
			return nil
		}
		return bson.M{fieldConversationID: q.ActiveID, fieldOwnerID: ""}
	}

	base := bson.M{fieldOwnerID: owner}
	if !q.EndedOnly {
		return base
	}

	ended := bson.M{fieldEndedAt: bson.M{"$ne": nil}}
	if q.ActiveID == "" {
		base[fieldEndedAt] = bson.M{"$ne": nil}
		return base
	}

	return bson.M{
		"$and": []bson.M{
			base,
			{"$or": []bson.M{ended, {fieldConversationID: q.ActiveID}}},
		},
	}
}
