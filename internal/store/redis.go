package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fireside/connect-client-go/internal/model"
	redisclient "github.com/fireside/connect-client-go/internal/redis"
)

// RedisStore keeps the record under a single string key. The key carries a
// TTL matching the session expiry so a dead record evicts itself even if no
// sweep runs.
type RedisStore struct {
	client *redisclient.Client
}

func NewRedisStore(client *redisclient.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context) (*model.SessionRecord, error) {
	data, err := s.client.Get(ctx, redisclient.SessionKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}

	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec *model.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	ttl := time.Until(rec.Expiry)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, redisclient.SessionKey(), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, redisclient.SessionKey()).Err(); err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}
