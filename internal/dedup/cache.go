// Package dedup remembers recent message texts across chats so that the same
// spam posted by several accounts can be flagged.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"chatguard/internal/filters"
	"chatguard/internal/schedule"

	"go.uber.org/zap"
)

type Occurrence struct {
	ChatID    int64
	ChatTitle string
	MessageID int64
	UserID    int64
	FirstName string
	LastName  string
	At        time.Time
}

func (o Occurrence) sameSource(other Occurrence) bool {
	return o.ChatID == other.ChatID && o.UserID == other.UserID
}

type entry struct {
	mu    sync.Mutex
	items []Occurrence
	dead  bool
}

type Cache struct {
	entries sync.Map
	clock   schedule.Clock
	window  time.Duration
	sweep   time.Duration
	logger  *zap.Logger
}

func New(window, sweep time.Duration, logger *zap.Logger) *Cache {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if sweep <= 0 {
		sweep = 15 * time.Minute
	}
	return &Cache{clock: schedule.System(), window: window, sweep: sweep, logger: logger}
}

func (c *Cache) WithClock(clock schedule.Clock) {
	c.clock = clock
}

// Hash keys text by its normalized form.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(filters.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Record appends occ under hash and returns the earlier sightings from other
// (user, chat) pairs that are still inside the window.
func (c *Cache) Record(hash string, occ Occurrence) []Occurrence {
	if occ.At.IsZero() {
		occ.At = c.clock.Now()
	}
	cutoff := c.clock.Now().Add(-c.window)
	for {
		value, _ := c.entries.LoadOrStore(hash, &entry{})
		e := value.(*entry)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		var prior []Occurrence
		for _, item := range e.items {
			if item.At.Before(cutoff) || item.sameSource(occ) {
				continue
			}
			prior = append(prior, item)
		}
		e.items = append(e.items, occ)
		e.mu.Unlock()
		return prior
	}
}

// Forget drops everything recorded under hash.
func (c *Cache) Forget(hash string) {
	value, ok := c.entries.LoadAndDelete(hash)
	if !ok {
		return
	}
	e := value.(*entry)
	e.mu.Lock()
	e.dead = true
	e.items = nil
	e.mu.Unlock()
}

// Sweep removes occurrences older than the window and returns how many
// entries became empty and were dropped.
func (c *Cache) Sweep(now time.Time) int {
	cutoff := now.Add(-c.window)
	removed := 0
	c.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		kept := e.items[:0]
		for _, item := range e.items {
			if !item.At.Before(cutoff) {
				kept = append(kept, item)
			}
		}
		e.items = kept
		if len(kept) == 0 && !e.dead {
			e.dead = true
			c.entries.CompareAndDelete(key, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

func (c *Cache) Len() int {
	count := 0
	c.entries.Range(func(any, any) bool {
		count++
		return true
	})
	return count
}

// Run sweeps on a fixed interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(c.clock.Now()); removed > 0 {
				c.logger.Debug("dedup sweep", zap.Int("removed", removed), zap.Int("entries", c.Len()))
			}
		}
	}
}
