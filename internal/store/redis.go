package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)

// Redis implements Store on go-redis. The caller owns the client lifecycle.
type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

// Client returns the underlying Redis client.
func (s *Redis) Client() redis.Cmdable { return s.client }

func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := s.client.HSet(ctx, key, toArgs(fields)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return vals, nil
}

func (s *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *Redis) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}
	if limit > 0 {
		opt.Offset = 0
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (s *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

func (s *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *Redis) Schedule(ctx context.Context, queueKey, member string, score float64, recordKey string, fields map[string]string) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: member})
	pipe.HSet(ctx, recordKey, toArgs(fields))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", member, err)
	}
	return nil
}

func (s *Redis) Complete(ctx context.Context, queueKey, member, recordKey string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey)
	pipe.ZRem(ctx, queueKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", member, err)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func toArgs(fields map[string]string) map[string]interface{} {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return args
}
