// variants.go - resized images cached in Redis.

package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultVariantPrefix = "images:variant:"
	defaultVariantTTL    = 24 * time.Hour
)

// VariantCache keeps resized images for a limited time. Each entry is a
// hash with the bytes and their content type. The entries of one image
// are tracked in a set so they can be dropped when the image changes.
type VariantCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewVariantCache creates a new [*VariantCache]. An empty prefix and a
// non-positive ttl get defaults.
func NewVariantCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *VariantCache {
	if prefix == "" {
		prefix = defaultVariantPrefix
	}
	if ttl <= 0 {
		ttl = defaultVariantTTL
	}
	return &VariantCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (v *VariantCache) key(path, variant string) string { return v.prefix + path + "?" + variant }

func (v *VariantCache) setKey(path string) string { return v.prefix + "set:" + path }

// Get returns the cached variant of the image at path. The boolean is
// false on a miss.
func (v *VariantCache) Get(ctx context.Context, path, variant string) ([]byte, string, bool, error) {
	fields, err := v.rdb.HGetAll(ctx, v.key(path, variant)).Result()
	if err != nil {
		return nil, "", false, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, "", false, nil
	}
	return []byte(data), fields["type"], true, nil
}

// Put stores a variant, replacing any previous one.
func (v *VariantCache) Put(ctx context.Context, path, variant string, data []byte, contentType string) error {
	key, set := v.key(path, variant), v.setKey(path)
	_, err := v.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "data", data, "type", contentType)
		pipe.Expire(ctx, key, v.ttl)
		pipe.SAdd(ctx, set, key)
		pipe.Expire(ctx, set, v.ttl)
		return nil
	})
	return err
}

// Invalidate drops every cached variant of the image at path.
func (v *VariantCache) Invalidate(ctx context.Context, path string) error {
	set := v.setKey(path)
	keys, err := v.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return err
	}
	return v.rdb.Del(ctx, append(keys, set)...).Err()
}
