package trust

import (
	"context"
	"sync"

	"chatguard/internal/config"
	"chatguard/internal/storage"

	"go.uber.org/zap"
)

// Counter counts consecutive clean messages per user, across all chats, and
// converts them into a durable approval.
type Counter struct {
	mu        sync.Mutex
	threshold int
	entries   map[int64]int
	approved  *storage.Set
	logger    *zap.Logger
}

func NewCounter(cfg config.ModerationConfig, approved *storage.Set, logger *zap.Logger) *Counter {
	threshold := cfg.GoodMessagesToTrust
	if threshold <= 0 {
		threshold = 3
	}
	return &Counter{
		threshold: threshold,
		entries:   make(map[int64]int),
		approved:  approved,
		logger:    logger,
	}
}

// RecordClean adds one clean message. On reaching the threshold the user is
// approved and the counter starts over from zero.
func (c *Counter) RecordClean(ctx context.Context, userID int64) (int, bool) {
	c.mu.Lock()
	count := c.entries[userID] + 1
	if count < c.threshold {
		c.entries[userID] = count
		c.mu.Unlock()
		return count, false
	}
	delete(c.entries, userID)
	c.mu.Unlock()

	c.Approve(ctx, userID)
	c.logger.Info("user approved", zap.Int64("user_id", userID), zap.Int("clean_messages", count))
	return 0, true
}

// Reset drops the streak, e.g. after a flagged message.
func (c *Counter) Reset(userID int64) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

func (c *Counter) Count(userID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[userID]
}

func (c *Counter) Approve(ctx context.Context, userID int64) {
	c.approved.Add(ctx, storage.UserKey(userID))
}

func (c *Counter) Revoke(ctx context.Context, userID int64) {
	c.Reset(userID)
	c.approved.Remove(ctx, storage.UserKey(userID))
}

func (c *Counter) Approved(userID int64) bool {
	return c.approved.Contains(storage.UserKey(userID))
}
