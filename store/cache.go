package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// CategoryCacheKey holds the template category list.
const CategoryCacheKey = "fg_category_cache_v1:"

type cacheEnvelope struct {
	Version int             `json:"version"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// VersionedCache stores a payload inside a {version, ts} envelope with a TTL.
// Unlike the session entries it is self-invalidating on version bumps.
type VersionedCache struct {
	kv      KV
	key     string
	version int
	ttl     time.Duration
	now     func() time.Time
}

// NewVersionedCache creates a cache entry under key
func NewVersionedCache(kv KV, key string, version int, ttl time.Duration) *VersionedCache {
	return &VersionedCache{
		kv:      kv,
		key:     key,
		version: version,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Read decodes a live payload into dst and reports whether one was found.
// Missing, stale, foreign-version and corrupt entries all report false.
func (c *VersionedCache) Read(ctx context.Context, dst any) bool {
	logger := zerolog.Ctx(ctx)

	raw, ok, err := c.kv.Get(ctx, c.key)
	if err != nil {
		logger.Warn().Str("key", c.key).Err(err).Msg("Failed to read cache")
		return false
	}
	if !ok || raw == "" {
		return false
	}

	var env cacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Warn().Str("key", c.key).Err(err).Msg("Unreadable cache envelope")
		return false
	}
	if env.Version != c.version || env.TS <= 0 || len(env.Payload) == 0 {
		return false
	}
	if c.now().Sub(time.UnixMilli(env.TS)) > c.ttl {
		logger.Debug().Str("key", c.key).Msg("Cache expired")
		return false
	}

	if err := json.Unmarshal(env.Payload, dst); err != nil {
		logger.Warn().Str("key", c.key).Err(err).Msg("Unreadable cache payload")
		return false
	}
	return true
}

// Write replaces the cached payload; failures are logged and ignored
func (c *VersionedCache) Write(ctx context.Context, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Str("key", c.key).Err(err).Msg("Failed to encode cache payload")
		return
	}

	env, err := json.Marshal(cacheEnvelope{
		Version: c.version,
		TS:      c.now().UnixMilli(),
		Payload: data,
	})
	if err != nil {
		return
	}

	if err := c.kv.Set(ctx, c.key, string(env)); err != nil {
		zerolog.Ctx(ctx).Warn().Str("key", c.key).Err(err).Msg("Failed to write cache")
	}
}
