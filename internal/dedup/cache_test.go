package dedup

import (
	"sync"
	"testing"
	"time"

	"chatguard/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache() (*Cache, *schedule.ManualClock) {
	clock := schedule.NewManualClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	cache := New(24*time.Hour, 15*time.Minute, zap.NewNop())
	cache.WithClock(clock)
	return cache, clock
}

func TestRecordReturnsPriorOccurrencesFromOthers(t *testing.T) {
	cache, clock := newTestCache()
	hash := Hash("same text everywhere")

	assert.Empty(t, cache.Record(hash, Occurrence{ChatID: 1, UserID: 10, MessageID: 100}))
	clock.Advance(time.Minute)
	assert.Len(t, cache.Record(hash, Occurrence{ChatID: 2, UserID: 20, MessageID: 200}), 1)
	clock.Advance(time.Minute)

	prior := cache.Record(hash, Occurrence{ChatID: 3, UserID: 30, MessageID: 300})
	require.Len(t, prior, 2)
	assert.Equal(t, int64(10), prior[0].UserID)
	assert.Equal(t, int64(20), prior[1].UserID)

	clock.Advance(24*time.Hour + time.Minute)
	assert.Equal(t, 1, cache.Sweep(clock.Now()))
	assert.Equal(t, 0, cache.Len())
	assert.Empty(t, cache.Record(hash, Occurrence{ChatID: 4, UserID: 40, MessageID: 400}))
}

func TestRecordExcludesSameUserAndChat(t *testing.T) {
	cache, _ := newTestCache()
	hash := Hash("hello again")

	cache.Record(hash, Occurrence{ChatID: 1, UserID: 10, MessageID: 1})
	assert.Empty(t, cache.Record(hash, Occurrence{ChatID: 1, UserID: 10, MessageID: 2}))
	assert.Len(t, cache.Record(hash, Occurrence{ChatID: 2, UserID: 10, MessageID: 3}), 2)
}

func TestCoordinatedSpamAcrossChats(t *testing.T) {
	cache, clock := newTestCache()

	cache.Record(Hash("WIN FREE CRYPTO NOW"), Occurrence{ChatID: 1, ChatTitle: "chat1", UserID: 'A', MessageID: 5})
	clock.Advance(10 * time.Minute)

	prior := cache.Record(Hash("win free crypto now!!"), Occurrence{ChatID: 2, ChatTitle: "chat2", UserID: 'B', MessageID: 6})
	require.Len(t, prior, 1)
	assert.Equal(t, int64(1), prior[0].ChatID)
	assert.Equal(t, int64('A'), prior[0].UserID)
}

func TestHashIgnoresSurroundingSymbols(t *testing.T) {
	want := Hash("WIN FREE CRYPTO NOW")
	for _, text := range []string{"win free crypto now!!", "🔥win free crypto now", "  win free crypto now 💰💰"} {
		assert.Equal(t, want, Hash(text), text)
	}
}

func TestExpiredOccurrencesAreIgnoredBeforeSweep(t *testing.T) {
	cache, clock := newTestCache()
	hash := Hash("old news")

	cache.Record(hash, Occurrence{ChatID: 1, UserID: 1})
	clock.Advance(25 * time.Hour)
	assert.Empty(t, cache.Record(hash, Occurrence{ChatID: 2, UserID: 2}))

	assert.Equal(t, 0, cache.Sweep(clock.Now()))
	assert.Equal(t, 1, cache.Len())
}

func TestForget(t *testing.T) {
	cache, _ := newTestCache()
	hash := Hash("reclassified as ham")

	cache.Record(hash, Occurrence{ChatID: 1, UserID: 1})
	cache.Forget(hash)
	cache.Forget(hash)
	assert.Empty(t, cache.Record(hash, Occurrence{ChatID: 2, UserID: 2}))
}

func TestConcurrentRecordAndSweep(t *testing.T) {
	cache, clock := newTestCache()
	hash := Hash("burst")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cache.Record(hash, Occurrence{ChatID: int64(i), UserID: int64(i)})
		}(i)
		go func() {
			defer wg.Done()
			cache.Sweep(clock.Now())
		}()
	}
	wg.Wait()

	prior := cache.Record(hash, Occurrence{ChatID: 1000, UserID: 1000})
	assert.Len(t, prior, 50)
}
