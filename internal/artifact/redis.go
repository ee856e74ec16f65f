package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "forgemend:artifact:"

// RedisStore persists artifacts as JSON blobs in Redis. Useful when several
// orchestrator processes share artifact state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using a redis:// URL and verifies the
// connection with a short ping.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Artifact, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return unmarshalArtifact(data)
}

func (s *RedisStore) Save(ctx context.Context, a *Artifact) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("invalid artifact")
	}
	data, err := marshalArtifact(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+a.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(redisKeyPrefix):])
	}
	return ids, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
