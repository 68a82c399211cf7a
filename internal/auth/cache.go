package auth

import (
	"context"
	"fmt"
	"time"

	"memorychat/internal/redis"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// IdentityCache remembers user ids that were recently confirmed to exist so
// that reconnect storms do not hit the database for every handshake.
type IdentityCache interface {
	has(ctx context.Context, userID int64) bool
	remember(ctx context.Context, userID int64)
}

type localIdentityCache struct {
	items *gocache.Cache
}

func newLocalIdentityCache(ttl time.Duration) *localIdentityCache {
	return &localIdentityCache{items: gocache.New(ttl, 2*ttl)}
}

func (c *localIdentityCache) has(_ context.Context, userID int64) bool {
	_, ok := c.items.Get(identityKey(userID))
	return ok
}

func (c *localIdentityCache) remember(_ context.Context, userID int64) {
	c.items.SetDefault(identityKey(userID), struct{}{})
}

type redisIdentityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *redisIdentityCache) has(ctx context.Context, userID int64) bool {
	_, err := c.client.Get(ctx, identityKey(userID))
	if err != nil && err != redis.ErrCacheMiss {
		log.WithError(err).Warn("identity cache lookup failed")
	}
	return err == nil
}

func (c *redisIdentityCache) remember(ctx context.Context, userID int64) {
	if err := c.client.Set(ctx, identityKey(userID), "1", c.ttl); err != nil {
		log.WithError(err).Warn("identity cache write failed")
	}
}

// NewIdentityCache picks redis when a client is available and an in-process
// cache otherwise.
func NewIdentityCache(client *redis.Client, ttl time.Duration) IdentityCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if client != nil {
		return &redisIdentityCache{client: client, ttl: ttl}
	}
	return newLocalIdentityCache(ttl)
}

func identityKey(userID int64) string {
	return fmt.Sprintf("auth:user:%d", userID)
}
