package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix namespaces driftpad entries in a shared Redis.
const defaultKeyPrefix = "driftpad:"

// RedisConfig carries the connection settings for a Redis cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache implements Cache on Redis with JSON-encoded values.
type RedisCache[T any] struct {
	client  *redis.Client
	options *Options
	prefix  string
}

var _ Cache[string] = (*RedisCache[string])(nil)

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache[T any](cfg RedisConfig, options *Options) (*RedisCache[T], error) {
	if options == nil {
		options = DefaultOptions()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "connect to redis")
	}

	return &RedisCache[T]{
		client:  client,
		options: options,
		prefix:  prefix,
	}, nil
}

// NewRedisCacheFromURL parses a redis:// URL and connects.
func NewRedisCacheFromURL[T any](rawURL string, options *Options) (*RedisCache[T], error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return NewRedisCache[T](RedisConfig{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	}, options)
}

// Get returns the cached value or ErrCacheMiss.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var value T
	if key == "" {
		return value, ErrInvalidKey
	}

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return value, ErrCacheMiss
		}
		return value, errors.Wrap(err, "redis get")
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return value, errors.Wrap(err, "decode cached value")
	}
	return value, nil
}

// Set stores the value under the configured TTL.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode cache value")
	}
	return errors.Wrap(c.client.Set(ctx, c.prefix+key, data, ttl).Err(), "redis set")
}

// Delete removes the key.
func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return errors.Wrap(c.client.Del(ctx, c.prefix+key).Err(), "redis del")
}

// Clear removes every key under the prefix.
func (c *RedisCache[T]) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return errors.Wrap(err, "redis scan")
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "redis del")
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the client.
func (c *RedisCache[T]) Close() error {
	return c.client.Close()
}
