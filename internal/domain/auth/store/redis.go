package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "cmail:"
	defaultGrace       = time.Minute
	maxWatchRetries    = 8
)

type redisStore[T Expirable] struct {
	client *redis.Client
	prefix string
	grace  time.Duration
}

// NewRedisClient dials and pings redis.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedis constructs a redis-backed code store over a shared client. Keys
// carry a TTL so redis reclaims unredeemed codes on its own.
func NewRedis[T Expirable](client *redis.Client, cfg Config) CodeStore[T] {
	prefix := defaultRedisPrefix
	if cfg.Redis != nil && cfg.Redis.Prefix != "" {
		prefix = cfg.Redis.Prefix
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	return &redisStore[T]{
		client: client,
		prefix: prefix + cfg.Namespace + ":",
		grace:  grace,
	}
}

func (s *redisStore[T]) key(id string) string {
	return s.prefix + id
}

func (s *redisStore[T]) ttl(rec T) time.Duration {
	ttl := time.Until(rec.Expiry())
	if ttl < 0 {
		ttl = 0
	}
	return ttl + s.grace
}

func (s *redisStore[T]) decode(raw []byte) (T, error) {
	var rec T
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode code record: %w", err)
	}
	return rec, nil
}

func (s *redisStore[T]) Put(ctx context.Context, key string, rec T) error {
	if key == "" {
		return fmt.Errorf("code key required")
	}
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode code record: %w", err)
	}
	return s.client.Set(ctx, s.key(key), data, s.ttl(rec)).Err()
}

func (s *redisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	rec, err := s.decode(raw)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

func (s *redisStore[T]) Take(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	rec, err := s.decode(raw)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

func (s *redisStore[T]) Update(ctx context.Context, key string, fn func(T) (T, Action)) (T, bool, Action, error) {
	var (
		next   T
		found  bool
		action Action
	)
	k := s.key(key)

	txf := func(tx *redis.Tx) error {
		found, action = false, ActionKeep
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := s.decode(raw)
		if err != nil {
			return err
		}
		found = true
		var decided Action
		next, decided = fn(rec)

		var data []byte
		if decided == ActionReplace {
			if data, err = sonic.Marshal(next); err != nil {
				return fmt.Errorf("encode code record: %w", err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch decided {
			case ActionReplace:
				pipe.Set(ctx, k, data, s.ttl(next))
			case ActionDelete:
				pipe.Del(ctx, k)
			}
			return nil
		})
		if err == nil {
			action = decided
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var zero T
			return zero, false, ActionKeep, err
		}
		return next, found, action, nil
	}
	var zero T
	return zero, false, ActionKeep, fmt.Errorf("update %s: too much contention", key)
}

func (s *redisStore[T]) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Sweep is a no-op: redis expires keys itself.
func (s *redisStore[T]) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *redisStore[T]) keys(ctx context.Context) ([]string, error) {
	var cursor uint64
	keys := make([]string, 0)
	pattern := s.prefix + "*"
	for {
		res, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range res {
			keys = append(keys, strings.TrimPrefix(key, s.prefix))
		}
		if nextCursor == 0 {
			break
		}
		cursor = nextCursor
	}
	return keys, nil
}

func (s *redisStore[T]) Stats(ctx context.Context) (map[string]any, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":   DriverRedis,
		"prefix": s.prefix,
		"total":  len(keys),
	}, nil
}

// Close leaves the shared client open; its owner closes it.
func (s *redisStore[T]) Close(context.Context) error {
	return nil
}
