package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pricing-analytics/internal/model"
)

const keyPrefix = "pricing-analytics:result:"

// Store shares successful result sets between service instances.
type Store interface {
	Get(ctx context.Context, key string) (*model.ResultSet, bool, error)
	Put(ctx context.Context, key string, rs *model.ResultSet) error
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisStore struct {
	rdb redisClient
	ttl time.Duration
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore connects and pings the server once.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisStore(rdb, opts.TTL), nil
}

func newRedisStore(rdb redisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.ResultSet, bool, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	var rs model.ResultSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	rs.FromStore = true
	return &rs, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rs *model.ResultSet) error {
	if rs == nil {
		return nil
	}
	stored := *rs
	stored.FromStore = false
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
