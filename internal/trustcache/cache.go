// Package trustcache answers "is this user a known spammer" from a local ban
// list first and a remote reputation oracle second, caching remote answers
// with asymmetric lifetimes.
package trustcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/schedule"
	"chatguard/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Oracle interface {
	IsBanned(ctx context.Context, userID int64) (bool, error)
}

type entry struct {
	banned   bool
	cachedAt time.Time
}

type Cache struct {
	mu        sync.RWMutex
	entries   map[int64]entry
	oracle    Oracle
	local     *storage.Set
	clock     schedule.Clock
	cleanTTL  time.Duration
	bannedTTL time.Duration
	timeout   time.Duration
	group     singleflight.Group
	logger    *zap.Logger
}

// New builds a cache over oracle, which may be nil, and the durable local ban
// list.
func New(cfg config.TrustCacheConfig, oracle Oracle, local *storage.Set, logger *zap.Logger) *Cache {
	c := &Cache{
		entries:   make(map[int64]entry),
		oracle:    oracle,
		local:     local,
		clock:     schedule.System(),
		cleanTTL:  cfg.CleanTTL,
		bannedTTL: cfg.BannedTTL,
		timeout:   5 * time.Second,
		logger:    logger,
	}
	if c.cleanTTL <= 0 {
		c.cleanTTL = 5 * time.Second
	}
	if c.bannedTTL <= 0 {
		c.bannedTTL = 3 * time.Hour
	}
	return c
}

func (c *Cache) WithClock(clock schedule.Clock) {
	c.clock = clock
}

func (c *Cache) WithOracleTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// IsBanned never fails: an oracle error counts as "not banned" and is not
// cached, so the next call asks again.
func (c *Cache) IsBanned(ctx context.Context, userID int64) bool {
	if c.local != nil && c.local.Contains(storage.UserKey(userID)) {
		return true
	}
	if banned, ok := c.cached(userID); ok {
		return banned
	}
	if c.oracle == nil {
		return false
	}

	value, err, _ := c.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		banned, err := c.oracle.IsBanned(callCtx, userID)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.entries[userID] = entry{banned: banned, cachedAt: c.clock.Now()}
		c.mu.Unlock()
		return banned, nil
	})
	if err != nil {
		c.logger.Warn("reputation lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return value.(bool)
}

func (c *Cache) cached(userID int64) (bool, bool) {
	c.mu.RLock()
	item, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if c.clock.Now().Sub(item.cachedAt) > c.ttl(item.banned) {
		return false, false
	}
	return item.banned, true
}

func (c *Cache) ttl(banned bool) time.Duration {
	if banned {
		return c.bannedTTL
	}
	return c.cleanTTL
}

// MarkBanned records a local ban that overrides the oracle.
func (c *Cache) MarkBanned(ctx context.Context, userID int64) {
	if c.local != nil {
		c.local.Add(ctx, storage.UserKey(userID))
	}
	c.mu.Lock()
	c.entries[userID] = entry{banned: true, cachedAt: c.clock.Now()}
	c.mu.Unlock()
}

// Unban removes the local override and forgets the cached answer.
func (c *Cache) Unban(ctx context.Context, userID int64) {
	if c.local != nil {
		c.local.Remove(ctx, storage.UserKey(userID))
	}
	c.Invalidate(userID)
}

func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Preload merges a bulk ban list into the local override set.
func (c *Cache) Preload(ctx context.Context, ids []int64) int {
	if c.local == nil || len(ids) == 0 {
		return 0
	}
	members := make([]string, 0, len(ids))
	for _, id := range ids {
		members = append(members, storage.UserKey(id))
	}
	return c.local.AddMany(ctx, members)
}

// Purge drops expired entries.
func (c *Cache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for userID, item := range c.entries {
		if now.Sub(item.cachedAt) > c.ttl(item.banned) {
			delete(c.entries, userID)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge(c.clock.Now())
		}
	}
}
