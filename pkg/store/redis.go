package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/bondcast/pkg/errorsx"
)

// RedisContextStore reads user_<id>_intro and user_<id>_context.
type RedisContextStore struct {
	client redis.UniversalClient
}

func NewRedisContextStore(client redis.UniversalClient) *RedisContextStore {
	return &RedisContextStore{client: client}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisContextStore) Load(ctx context.Context, userID int64) (Context, error) {
	vals, err := s.client.MGet(ctx, IntroKey(userID), ContextKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Context{}, errorsx.Wrap(fmt.Errorf("load context for user %d: %w", userID, err), errorsx.ReasonContextLoad)
	}
	var c Context
	if len(vals) == 2 {
		c.OpeningGreeting = stringValue(vals[0])
		c.Background = stringValue(vals[1])
	}
	return c, nil
}

func (s *RedisContextStore) Save(ctx context.Context, userID int64, c Context) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, IntroKey(userID), c.OpeningGreeting, ContextTTL)
		pipe.Set(ctx, ContextKey(userID), c.Background, ContextTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save context for user %d: %w", userID, err)
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
