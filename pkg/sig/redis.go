package sig

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists signature artifacts in Redis so cached signatures
// survive process restarts. Entries expire server-side a little after the
// signature itself would, so the store never serves an artifact the Manager
// would not have expired anyway.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	ttl     time.Duration
}

func NewRedisStore(client *redis.Client, timeout, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, timeout: timeout, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get signature")
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return errors.Wrap(s.client.Set(ctx, key, value, s.ttl).Err(), "set signature")
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return errors.Wrap(s.client.Del(ctx, key).Err(), "delete signature")
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan signatures")
	}
	return keys, nil
}
