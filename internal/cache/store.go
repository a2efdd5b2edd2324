package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix   = "shopcart:"
	defaultPingTimeout = 2 * time.Second
)

// ErrMissingLoader is returned by GetOrLoad when no loader was supplied.
var ErrMissingLoader = errors.New("cache: loader must be provided")

// Store is a byte-oriented key/value cache with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Config selects and configures the cache backend.
type Config struct {
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	PingTimeout   time.Duration
	Logger        *zap.Logger
}

// NewStore returns a redis-backed store when an address is configured and the
// server answers a ping, otherwise an in-memory store.
func NewStore(ctx context.Context, cfg Config) Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	address := strings.TrimSpace(cfg.RedisAddress)
	if address == "" {
		logger.Info("cache backend selected", zap.String("backend", "memory"))
		return NewMemoryStore(0)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, falling back to memory cache",
			zap.String("address", address),
			zap.Error(err),
		)
		_ = client.Close()
		return NewMemoryStore(0)
	}

	logger.Info("cache backend selected", zap.String("backend", "redis"), zap.String("address", address))
	return NewRedisStore(client, cfg.KeyPrefix)
}

// GetOrLoad returns the cached JSON value for key, invoking load and caching its
// result on a miss. Cache failures are treated as misses.
func GetOrLoad[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if load == nil {
		return zero, ErrMissingLoader
	}
	if store == nil {
		return load(ctx)
	}

	if raw, found, err := store.Get(ctx, key); err == nil && found {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return zero, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	_ = store.Set(ctx, key, encoded, ttl)
	return value, nil
}

// Key joins parts into a colon-separated cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced with keyPrefix.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		prefixed = append(prefixed, s.keyPrefix+key)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key under prefix using SCAN so large keyspaces do not block redis.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	iterator := s.client.Scan(ctx, 0, s.keyPrefix+prefix+"*", 100).Iterator()
	var batch []string
	for iterator.Next(ctx) {
		batch = append(batch, iterator.Val())
		if len(batch) == 100 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache delete prefix %s: %w", prefix, err)
			}
			batch = batch[:0]
		}
	}
	if err := iterator.Err(); err != nil {
		return fmt.Errorf("cache scan prefix %s: %w", prefix, err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache delete prefix %s: %w", prefix, err)
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
