package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"

	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/types"
)

// RedisStore provides a Redis-backed implementation of the Store interface.
// It uses JSON serialization and TTL-based cleanup, and is suitable for
// multi-process deployments where conversation activity must be shared.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	version *semver.Version
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisConfig)

type redisConfig struct {
	ttl     time.Duration
	prefix  string
	version string
}

// WithTTL sets the time-to-live for cache entries. After this duration an
// untouched conversation expires and is no longer considered active.
// Default is one hour. Set to 0 for no expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(c *redisConfig) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix for Redis keys. Default is "converse".
func WithPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// WithSchemaVersion overrides the schema version namespace. The value must
// parse as semver; NewRedisStore fails otherwise.
func WithSchemaVersion(version string) RedisOption {
	return func(c *redisConfig) {
		c.version = version
	}
}

// NewRedisStore creates a new Redis-backed cache store.
//
// Example:
//
//	store, err := cachestore.NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    cachestore.WithTTL(time.Hour),
//	    cachestore.WithPrefix("myapp"),
//	)
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	cfg := redisConfig{
		ttl:     DefaultTTL,
		prefix:  "converse",
		version: DefaultSchemaVersion,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	version, err := semver.NewVersion(cfg.version)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version %q: %w", cfg.version, err)
	}

	return &RedisStore{
		client:  client,
		ttl:     cfg.ttl,
		prefix:  cfg.prefix,
		version: version,
	}, nil
}

// Load retrieves the cached turn sequence for a conversation.
func (s *RedisStore) Load(ctx context.Context, id string) ([]types.Turn, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.conversationKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var turns []types.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal turns: %w", err)
	}

	return turns, nil
}

// Save writes the turn sequence for a conversation with the configured TTL.
func (s *RedisStore) Save(ctx context.Context, id string, turns []types.Turn) error {
	if id == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal turns: %w", err)
	}

	if err := s.client.Set(ctx, s.conversationKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Delete removes the cache entry for a conversation. Missing keys are not
// an error: the entry may already have expired.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	if err := s.client.Del(ctx, s.conversationKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}

	return nil
}

// Exists reports whether a cache entry is present for the conversation.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}

	n, err := s.client.Exists(ctx, s.conversationKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}

	return n > 0, nil
}

// PurgeStaleVersions scans all conversation keys under the prefix and
// deletes every entry whose version namespace differs from the current
// schema version. Deletions are batched through a pipeline.
func (s *RedisStore) PurgeStaleVersions(ctx context.Context) (int, error) {
	pattern := fmt.Sprintf("%s:v*:conversation:*", s.prefix)

	var stale []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		version := s.extractVersion(key)
		if version == "" {
			// Unparseable key under our prefix: treat as stale.
			stale = append(stale, key)
			continue
		}

		parsed, err := semver.NewVersion(version)
		if err != nil || !parsed.Equal(s.version) {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	for _, key := range stale {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}

	logger.Info("purged stale cache entries",
		"count", len(stale),
		"current_version", s.version.String(),
	)

	return len(stale), nil
}

// conversationKey generates the Redis key for a conversation.
func (s *RedisStore) conversationKey(id string) string {
	return fmt.Sprintf("%s:v%s:conversation:%s", s.prefix, s.version, id)
}

// extractVersion pulls the version segment out of a conversation key,
// returning "" if the key does not match the expected layout.
func (s *RedisStore) extractVersion(key string) string {
	rest, ok := strings.CutPrefix(key, s.prefix+":v")
	if !ok {
		return ""
	}
	version, _, ok := strings.Cut(rest, ":conversation:")
	if !ok {
		return ""
	}
	return version
}
