package persistence

import (
	"context"
	"fmt"

	"github.com/darsavelidze/safe-school/pkg/config"
	"github.com/go-redis/redis/v8"
)

// NewRedisClient creates a client for the snapshot backend
func NewRedisClient(cfg *config.PersistenceConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisStore keeps the snapshot under a single key without expiry
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Name() string {
	return "redis"
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, blob []byte) error {
	if err := s.client.Set(ctx, s.key, blob, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot key %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read snapshot key %s: %w", s.key, err)
	}
	return blob, nil
}
