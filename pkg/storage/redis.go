package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis-compatible endpoint
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds connection parameters for the Redis backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", mapRedisErr(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) Type(ctx context.Context, key string) (string, error) {
	return s.client.Type(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return members, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return s.client.ZRemRangeByRank(ctx, key, start, stop).Err()
}

func (s *RedisStore) Pipeline(ctx context.Context, ops []Op) ([]Result, error) {
	pipe := s.client.Pipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			cmds[i] = pipe.Get(ctx, op.Key)
		case OpSet:
			ttl := op.TTL
			if ttl < 0 {
				ttl = 0
			}
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, ttl)
		case OpDel:
			cmds[i] = pipe.Del(ctx, op.Key)
		default:
			return nil, fmt.Errorf("unknown pipeline op %q", op.Kind)
		}
	}

	// Exec returns the first command error; per-command errors are
	// collected below so a single missing key does not fail the batch.
	_, _ = pipe.Exec(ctx)

	results := make([]Result, len(ops))
	for i, cmd := range cmds {
		switch c := cmd.(type) {
		case *redis.StringCmd:
			val, err := c.Result()
			results[i] = Result{Value: val, Err: mapRedisErr(err)}
		case *redis.StatusCmd:
			results[i] = Result{Err: c.Err()}
		case *redis.IntCmd:
			results[i] = Result{Err: c.Err()}
		}
	}
	return results, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// mapRedisErr converts go-redis errors into the store's sentinel errors
func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return ErrWrongType
	default:
		return err
	}
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
