package trustcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/schedule"
	"chatguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOracle struct {
	mu     sync.Mutex
	banned map[int64]bool
	err    error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeOracle) IsBanned(ctx context.Context, userID int64) (bool, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.banned[userID], nil
}

func (f *fakeOracle) set(userID int64, banned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[userID] = banned
}

func newTestCache(t *testing.T, oracle Oracle) (*Cache, *schedule.ManualClock, *storage.Set) {
	t.Helper()
	local, err := storage.OpenSet(context.Background(), nil, storage.SetBannedUsers, zap.NewNop())
	require.NoError(t, err)
	clock := schedule.NewManualClock(time.Unix(1_000_000, 0))
	cache := New(config.TrustCacheConfig{CleanTTL: 5 * time.Second, BannedTTL: 3 * time.Hour}, oracle, local, zap.NewNop())
	cache.WithClock(clock)
	return cache, clock, local
}

func TestCleanAnswerExpiresQuickly(t *testing.T) {
	oracle := &fakeOracle{banned: map[int64]bool{}}
	cache, clock, _ := newTestCache(t, oracle)
	ctx := context.Background()

	assert.False(t, cache.IsBanned(ctx, 1))
	assert.False(t, cache.IsBanned(ctx, 1))
	assert.Equal(t, int32(1), oracle.calls.Load())

	oracle.set(1, true)
	clock.Advance(4 * time.Second)
	assert.False(t, cache.IsBanned(ctx, 1))

	clock.Advance(2 * time.Second)
	assert.True(t, cache.IsBanned(ctx, 1))
	assert.Equal(t, int32(2), oracle.calls.Load())
}

func TestBannedAnswerIsSticky(t *testing.T) {
	oracle := &fakeOracle{banned: map[int64]bool{7: true}}
	cache, clock, _ := newTestCache(t, oracle)
	ctx := context.Background()

	assert.True(t, cache.IsBanned(ctx, 7))
	oracle.set(7, false)
	clock.Advance(2 * time.Hour)
	assert.True(t, cache.IsBanned(ctx, 7))
	assert.Equal(t, int32(1), oracle.calls.Load())

	clock.Advance(2 * time.Hour)
	assert.False(t, cache.IsBanned(ctx, 7))
}

func TestOracleErrorIsNotCached(t *testing.T) {
	oracle := &fakeOracle{banned: map[int64]bool{}, err: errors.New("timeout")}
	cache, _, _ := newTestCache(t, oracle)
	ctx := context.Background()

	assert.False(t, cache.IsBanned(ctx, 1))
	assert.False(t, cache.IsBanned(ctx, 1))
	assert.Equal(t, int32(2), oracle.calls.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestLocalOverride(t *testing.T) {
	oracle := &fakeOracle{banned: map[int64]bool{}}
	cache, _, local := newTestCache(t, oracle)
	ctx := context.Background()

	cache.MarkBanned(ctx, 3)
	assert.True(t, local.Contains("3"))
	assert.True(t, cache.IsBanned(ctx, 3))
	assert.Equal(t, int32(0), oracle.calls.Load())

	cache.Unban(ctx, 3)
	assert.False(t, cache.IsBanned(ctx, 3))
	assert.Equal(t, 2, cache.Preload(ctx, []int64{4, 5}))
	assert.True(t, cache.IsBanned(ctx, 5))
}

func TestConcurrentLookupsCoalesce(t *testing.T) {
	oracle := &fakeOracle{banned: map[int64]bool{9: true}, gate: make(chan struct{})}
	cache, _, _ := newTestCache(t, oracle)

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.IsBanned(context.Background(), 9)
		}(i)
	}
	require.Eventually(t, func() bool { return oracle.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(oracle.gate)
	wg.Wait()

	for _, banned := range results {
		assert.True(t, banned)
	}
	assert.LessOrEqual(t, oracle.calls.Load(), int32(2))
}

func TestPurge(t *testing.T) {
	oracle := &fakeOracle{banned: map[int64]bool{2: true}}
	cache, clock, _ := newTestCache(t, oracle)
	ctx := context.Background()

	cache.IsBanned(ctx, 1)
	cache.IsBanned(ctx, 2)
	clock.Advance(time.Minute)
	assert.Equal(t, 1, cache.Purge(clock.Now()))
	assert.Equal(t, 1, cache.Len())
}
