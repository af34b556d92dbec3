package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for a RedisStore.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore is a DataStore backed by Redis, used when Citadel runs across
// more than one process so fingerprint state is shared.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore dials Redis and verifies connectivity before returning.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("citadel: connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "citadel:"
	}

	slog.Info("redis datastore initialized", "addr", cfg.Addr, "key_prefix", prefix)

	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + key
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("citadel: redis get %q: %w", key, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("citadel: unmarshal %q: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("citadel: marshal %q: %w", key, err)
	}
	expiry := ttl
	if expiry <= 0 {
		expiry = 0
	}
	if err := s.client.Set(ctx, s.key(key), raw, expiry).Err(); err != nil {
		return fmt.Errorf("citadel: redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("citadel: redis del %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("citadel: redis zadd %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.client.ZRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("citadel: redis zrange %q: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(key), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("citadel: redis zrangebyscore %q: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("citadel: redis zcard %q: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	err := s.client.ZRemRangeByScore(ctx, s.key(key), formatScore(min), formatScore(max)).Err()
	if err != nil {
		return fmt.Errorf("citadel: redis zremrangebyscore %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	err := s.client.ZRemRangeByRank(ctx, s.key(key), start, stop).Err()
	if err != nil {
		return fmt.Errorf("citadel: redis zremrangebyrank %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	if err := s.client.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("citadel: redis expire %q: %w", key, err)
	}
	return nil
}

func formatScore(f float64) string {
	switch {
	case f == NegInf:
		return "-inf"
	case f == PosInf:
		return "+inf"
	default:
		return fmt.Sprintf("%f", f)
	}
}

// redisPipeliner adapts redis.Pipeliner to the Pipeliner contract, queuing
// commands and deferring Val()/Err() resolution to after Exec runs.
type redisPipeliner struct {
	pipe      redis.Pipeliner
	keyPrefix string
}

func (p *redisPipeliner) key(key string) string { return p.keyPrefix + key }

// Each queued command returns a Result whose resolve func reads back the
// underlying *redis.Cmd lazily. The cmd itself is only populated once
// pipe.Exec runs in RedisStore.Pipeline, after fn returns, so resolve must
// never be called before then.

func (p *redisPipeliner) ZRemRangeByScore(key string, min, max float64) *IntResult {
	cmd := p.pipe.ZRemRangeByScore(context.Background(), p.key(key), formatScore(min), formatScore(max))
	return &IntResult{resolve: func() (int64, error) { return cmd.Val(), cmd.Err() }}
}

func (p *redisPipeliner) ZRemRangeByRank(key string, start, stop int64) *IntResult {
	cmd := p.pipe.ZRemRangeByRank(context.Background(), p.key(key), start, stop)
	return &IntResult{resolve: func() (int64, error) { return cmd.Val(), cmd.Err() }}
}

func (p *redisPipeliner) ZAdd(key string, score float64, member string) *IntResult {
	cmd := p.pipe.ZAdd(context.Background(), p.key(key), redis.Z{Score: score, Member: member})
	return &IntResult{resolve: func() (int64, error) { return cmd.Val(), cmd.Err() }}
}

func (p *redisPipeliner) Expire(key string, ttl time.Duration) *BoolResult {
	cmd := p.pipe.Expire(context.Background(), p.key(key), ttl)
	return &BoolResult{resolve: func() (bool, error) { return cmd.Val(), cmd.Err() }}
}

func (p *redisPipeliner) ZCard(key string) *IntResult {
	cmd := p.pipe.ZCard(context.Background(), p.key(key))
	return &IntResult{resolve: func() (int64, error) { return cmd.Val(), cmd.Err() }}
}

func (p *redisPipeliner) ZRange(key string, start, stop int64) *StringsResult {
	cmd := p.pipe.ZRange(context.Background(), p.key(key), start, stop)
	return &StringsResult{resolve: func() ([]string, error) { return cmd.Val(), cmd.Err() }}
}

func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipeliner) error) error {
	pipe := s.client.TxPipeline()
	p := &redisPipeliner{pipe: pipe, keyPrefix: s.keyPrefix}
	if err := fn(p); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("citadel: redis pipeline exec: %w", err)
	}
	return nil
}
