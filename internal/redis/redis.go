package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memorychat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

// ErrConflict is returned by Guarded when a watched key changed underneath.
var ErrConflict = redis.TxFailedErr

var errNotInitialised = errors.New("redis client not initialized")

// NewRedisClient creates the redis client from app config.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}
	return Dial(fmt.Sprintf("%s:%d", host, port), cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
}

// Dial connects to addr and verifies the server answers.
func Dial(addr, username, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialised
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get fetches the key as string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c == nil || c.inner == nil {
		return "", errNotInitialised
	}
	return c.inner.Get(ctx, key).Result()
}

// Bump increments a version counter and drops the keys it guards in one
// transaction.
func (c *Client) Bump(ctx context.Context, versionKey string, ttl time.Duration, keys ...string) error {
	if c == nil || c.inner == nil {
		return errNotInitialised
	}
	_, err := c.inner.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey)
		pipe.Expire(ctx, versionKey, ttl)
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	return err
}

// Guarded runs load and stores its result under key only if versionKey was
// not modified meanwhile. ErrConflict reports a lost race.
func (c *Client) Guarded(ctx context.Context, versionKey, key string, ttl time.Duration, load func() (string, error)) error {
	if c == nil || c.inner == nil {
		return errNotInitialised
	}
	return c.inner.Watch(ctx, func(tx *redis.Tx) error {
		value, err := load()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}, versionKey)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errNotInitialised
	}
	return c.inner.Ping(ctx).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
