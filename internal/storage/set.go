package storage

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	SetTrustedUsers = "trusted_users"
	SetBannedUsers  = "banned_users"
	SetBadMessages  = "bad_messages"
)

// Set is a durable set of strings. Reads go to an immutable in-memory snapshot
// and never lock; writers serialize on one mutex, persist the row and then
// publish a new snapshot. A failed write is logged and the in-memory change
// is kept.
type Set struct {
	name     string
	store    *Store
	logger   *zap.Logger
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]struct{}]
}

// OpenSet loads the named set. A nil store gives a memory-only set.
func OpenSet(ctx context.Context, store *Store, name string, logger *zap.Logger) (*Set, error) {
	s := &Set{name: name, store: store, logger: logger}
	members := make(map[string]struct{})
	if store != nil {
		loaded, err := store.loadMembers(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, member := range loaded {
			members[member] = struct{}{}
		}
	}
	s.snapshot.Store(&members)
	return s, nil
}

func (s *Set) Name() string {
	return s.name
}

func (s *Set) Contains(member string) bool {
	_, ok := (*s.snapshot.Load())[member]
	return ok
}

func (s *Set) Len() int {
	return len(*s.snapshot.Load())
}

// Iterate calls fn for each member until fn returns false.
func (s *Set) Iterate(fn func(member string) bool) {
	for member := range *s.snapshot.Load() {
		if !fn(member) {
			return
		}
	}
}

// Add reports whether member was not present before.
func (s *Set) Add(ctx context.Context, member string) bool {
	return s.AddMany(ctx, []string{member}) == 1
}

// AddMany adds members and returns how many were new.
func (s *Set) AddMany(ctx context.Context, members []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	var fresh []string
	for _, member := range members {
		if _, ok := current[member]; ok {
			continue
		}
		fresh = append(fresh, member)
	}
	if len(fresh) == 0 {
		return 0
	}

	next := make(map[string]struct{}, len(current)+len(fresh))
	for member := range current {
		next[member] = struct{}{}
	}
	for _, member := range fresh {
		next[member] = struct{}{}
		if s.store == nil {
			continue
		}
		if err := s.store.insertMember(ctx, s.name, member); err != nil {
			s.logger.Error("set persist failed", zap.String("set", s.name), zap.String("member", member), zap.Error(err))
		}
	}
	s.snapshot.Store(&next)
	return len(fresh)
}

// Remove reports whether member was present.
func (s *Set) Remove(ctx context.Context, member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	if _, ok := current[member]; !ok {
		return false
	}
	next := make(map[string]struct{}, len(current))
	for existing := range current {
		if existing != member {
			next[existing] = struct{}{}
		}
	}
	if s.store != nil {
		if err := s.store.deleteMember(ctx, s.name, member); err != nil {
			s.logger.Error("set delete failed", zap.String("set", s.name), zap.String("member", member), zap.Error(err))
		}
	}
	s.snapshot.Store(&next)
	return true
}

// UserKey formats a user id as a set member.
func UserKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
