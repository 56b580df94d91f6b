package history

import (
	"context"
	"time"

	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/types"
)

// Recency bucket names, in display order.
const (
	BucketToday          = "Today"
	BucketPrevious7Days  = "Previous 7 Days"
	BucketPrevious30Days = "Previous 30 Days"
)

// BucketOrder is the display order of recency buckets.
var BucketOrder = []string{BucketToday, BucketPrevious7Days, BucketPrevious30Days}

// Listing defaults.
const (
	DefaultListLimit     = 50
	DefaultPreviewLength = 60
)

// Item is one conversation in a listing.
type Item struct {
	ID        string    `json:"id"`
	Preview   string    `json:"preview"`
	Timestamp time.Time `json:"timestamp"`
}

// Query builds the recency-bucketed conversation listing from the durable
// store. Only finalized conversations appear, plus the caller's currently
// active one.
type Query struct {
	store      durable.Store
	listLimit  int
	previewLen int
	now        func() time.Time
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// WithListLimit caps the total number of listed conversations.
func WithListLimit(n int) QueryOption {
	return func(q *Query) {
		if n > 0 {
			q.listLimit = n
		}
	}
}

// WithPreviewLength sets the character budget for preview strings.
func WithPreviewLength(n int) QueryOption {
	return func(q *Query) {
		if n > 0 {
			q.previewLen = n
		}
	}
}

// withQueryClock overrides the time source for tests.
func withQueryClock(now func() time.Time) QueryOption {
	return func(q *Query) {
		q.now = now
	}
}

// NewQuery creates a query service over the durable store.
func NewQuery(store durable.Store, opts ...QueryOption) *Query {
	q := &Query{
		store:      store,
		listLimit:  DefaultListLimit,
		previewLen: DefaultPreviewLength,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ListFor returns the owner's conversations grouped into recency buckets,
// most recent first within each bucket. activeID, when non-empty, includes
// the caller's currently bound conversation even though it has not ended.
// Conversations with no extractable user-turn preview, and conversations
// older than 30 days, are omitted.
func (q *Query) ListFor(ctx context.Context, owner, activeID string) (map[string][]Item, error) {
	records, err := q.store.FindByOwner(ctx, owner, durable.Query{
		EndedOnly: true,
		ActiveID:  activeID,
		Limit:     q.listLimit,
	})
	if err != nil {
		return nil, err
	}

	now := q.now()
	buckets := make(map[string][]Item, len(BucketOrder))
	total := 0

	for _, rec := range records {
		if total >= q.listLimit {
			break
		}

		preview := types.FirstUserContent(rec.Turns)
		if preview == "" {
			continue
		}

		ts := activityTime(&rec)
		bucket := bucketFor(now, ts)
		if bucket == "" {
			continue
		}

		buckets[bucket] = append(buckets[bucket], Item{
			ID:        rec.ID,
			Preview:   truncate(preview, q.previewLen),
			Timestamp: ts,
		})
		total++
	}

	return buckets, nil
}

// activityTime is the record's most recent activity: its end time once
// finalized, otherwise its last update.
func activityTime(rec *durable.Record) time.Time {
	if rec.EndedAt != nil {
		return *rec.EndedAt
	}
	return rec.UpdatedAt
}

// bucketFor assigns a timestamp to a recency bucket, or "" when it falls
// outside the 30-day listing window.
func bucketFor(now, ts time.Time) string {
	if ts.After(now) {
		return BucketToday
	}
	if sameDay(now, ts) {
		return BucketToday
	}
	age := now.Sub(ts)
	switch {
	case age <= 7*24*time.Hour:
		return BucketPrevious7Days
	case age <= 30*24*time.Hour:
		return BucketPrevious30Days
	default:
		return ""
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// truncate cuts s to at most n runes, appending an ellipsis when shortened.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
