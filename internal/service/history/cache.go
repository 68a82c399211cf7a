package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"memorychat/internal/models"
	"memorychat/internal/redis"

	"github.com/cenkalti/backoff/v4"
)

const (
	windowCacheTTL     = 5 * time.Minute
	invalidateAttempts = 3
)

// errStaleWindow means a chat's cached window may miss a committed turn.
var errStaleWindow = errors.New("cached window may be stale")

// windowStore is the part of the redis client the cache needs.
type windowStore interface {
	Get(ctx context.Context, key string) (string, error)
	Guarded(ctx context.Context, versionKey, key string, ttl time.Duration, load func() (string, error)) error
	Bump(ctx context.Context, versionKey string, ttl time.Duration, keys ...string) error
}

// windowCache keeps the newest turns of each chat in redis. Every write bumps
// a per-chat version key; fills run under WATCH on that key so a reader that
// raced a writer never stores a stale window. Chats whose bump failed are
// read from the database until a later bump succeeds.
type windowCache struct {
	store   windowStore
	depth   int
	backoff time.Duration

	mu    sync.Mutex
	dirty map[int64]struct{}
}

func newWindowCache(store windowStore, depth int) *windowCache {
	return &windowCache{
		store:   store,
		depth:   depth,
		backoff: 50 * time.Millisecond,
		dirty:   make(map[int64]struct{}),
	}
}

func windowKey(chatID int64) string  { return fmt.Sprintf("history:window:%d", chatID) }
func versionKey(chatID int64) string { return fmt.Sprintf("history:version:%d", chatID) }

func (c *windowCache) recent(ctx context.Context, chatID int64, load func() ([]*models.Turn, error)) ([]*models.Turn, error) {
	if c.isDirty(chatID) {
		if err := c.bump(ctx, chatID); err != nil {
			return nil, errStaleWindow
		}
		c.setDirty(chatID, false)
	}

	raw, err := c.store.Get(ctx, windowKey(chatID))
	if err == nil {
		var turns []*models.Turn
		if err := json.Unmarshal([]byte(raw), &turns); err == nil {
			return turns, nil
		}
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		return nil, err
	}

	var loaded []*models.Turn
	err = c.store.Guarded(ctx, versionKey(chatID), windowKey(chatID), windowCacheTTL, func() (string, error) {
		turns, err := load()
		if err != nil {
			return "", err
		}
		loaded = turns
		data, err := json.Marshal(turns)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if errors.Is(err, redis.ErrConflict) {
		// a writer landed while we were reading; the data is still a valid
		// snapshot, it just isn't cached
		return loaded, nil
	}
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// invalidate drops the cached window after a write, retrying with backoff.
// If every attempt fails the chat is marked dirty so reads bypass the cache.
func (c *windowCache) invalidate(ctx context.Context, chatID int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, invalidateAttempts-1), ctx)
	err := backoff.Retry(func() error {
		return c.bump(ctx, chatID)
	}, policy)
	c.setDirty(chatID, err != nil)
	return err
}

func (c *windowCache) bump(ctx context.Context, chatID int64) error {
	return c.store.Bump(ctx, versionKey(chatID), windowCacheTTL, windowKey(chatID))
}

func (c *windowCache) isDirty(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dirty[chatID]
	return ok
}

func (c *windowCache) setDirty(chatID int64, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dirty {
		c.dirty[chatID] = struct{}{}
	} else {
		delete(c.dirty, chatID)
	}
}
