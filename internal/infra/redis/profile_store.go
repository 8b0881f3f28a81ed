package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-attempt-client/internal/domain"
)

// ProfileStore keeps profile entries in Redis so a profile can follow the
// user between machines. Entries are stored as: SET quiz:profile:{name}:{key}
// with a sliding TTL refreshed on every write.
type ProfileStore struct {
	client *redis.Client
	name   string
	ttl    time.Duration
}

func NewProfileStore(client *redis.Client, name string, ttl time.Duration) *ProfileStore {
	return &ProfileStore{
		client: client,
		name:   name,
		ttl:    ttl,
	}
}

func (s *ProfileStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (s *ProfileStore) Put(ctx context.Context, key string, value []byte) error {
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *ProfileStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Purge removes every entry of the profile.
func (s *ProfileStore) Purge(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.key("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan profile %s: %w", s.name, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis purge profile %s: %w", s.name, err)
	}
	return nil
}

func (s *ProfileStore) key(key string) string {
	return "quiz:profile:" + s.name + ":" + key
}
