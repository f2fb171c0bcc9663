package store

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each key as one string value under a prefix.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "qapilot:"
	}
	return &RedisBackend{client: client, prefix: normalized}
}

func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (r *RedisBackend) Save(ctx context.Context, key string, raw []byte) error {
	return r.client.Set(ctx, r.prefix+key, raw, 0).Err()
}

func (r *RedisBackend) Remove(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisBackend) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
