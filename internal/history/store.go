// Package history keeps each user's recent messages per chat so operators can
// see what a member said before someone else sanctioned them.
package history

import (
	"context"
	"sync"
	"time"

	"chatguard/internal/schedule"

	"go.uber.org/zap"
)

type Snapshot struct {
	MessageID int64
	Text      string
	Caption   string
	At        time.Time
}

type key struct {
	userID int64
	chatID int64
}

type window struct {
	mu    sync.Mutex
	items []Snapshot
	dead  bool
}

type Store struct {
	windows sync.Map
	clock   schedule.Clock
	span    time.Duration
	sweep   time.Duration
	logger  *zap.Logger
}

func New(span, sweep time.Duration, logger *zap.Logger) *Store {
	if span <= 0 {
		span = 24 * time.Hour
	}
	if sweep <= 0 {
		sweep = 15 * time.Minute
	}
	return &Store{clock: schedule.System(), span: span, sweep: sweep, logger: logger}
}

func (s *Store) WithClock(clock schedule.Clock) {
	s.clock = clock
}

// Add appends a snapshot. Arrival time is clamped so each queue stays ordered.
func (s *Store) Add(userID, chatID int64, snap Snapshot) {
	if snap.At.IsZero() {
		snap.At = s.clock.Now()
	}
	k := key{userID: userID, chatID: chatID}
	for {
		value, _ := s.windows.LoadOrStore(k, &window{})
		w := value.(*window)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		if n := len(w.items); n > 0 && snap.At.Before(w.items[n-1].At) {
			snap.At = w.items[n-1].At
		}
		w.items = append(w.items, snap)
		w.mu.Unlock()
		return
	}
}

// Get returns a copy of the user's messages in chat, oldest first.
func (s *Store) Get(userID, chatID int64) []Snapshot {
	value, ok := s.windows.Load(key{userID: userID, chatID: chatID})
	if !ok {
		return nil
	}
	w := value.(*window)
	cutoff := s.clock.Now().Add(-s.span)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Snapshot, 0, len(w.items))
	for _, item := range w.items {
		if !item.At.Before(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

// Last returns the most recent message still inside the window.
func (s *Store) Last(userID, chatID int64) (Snapshot, bool) {
	items := s.Get(userID, chatID)
	if len(items) == 0 {
		return Snapshot{}, false
	}
	return items[len(items)-1], true
}

// Sweep trims expired snapshots from the head of every queue and drops empty
// queues.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.span)
	removed := 0
	s.windows.Range(func(k, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		idx := 0
		for idx < len(w.items) && w.items[idx].At.Before(cutoff) {
			idx++
		}
		w.items = w.items[idx:]
		if len(w.items) == 0 && !w.dead {
			w.dead = true
			s.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(s.clock.Now()); removed > 0 {
				s.logger.Debug("history sweep", zap.Int("removed", removed))
			}
		}
	}
}
