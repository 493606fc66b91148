package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/model"
	"chatguard/internal/platform/platformtest"
	"chatguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLogWritesRow(t *testing.T) {
	store, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	sink := NewSink(store, nil, config.AuditConfig{}, zap.NewNop())
	ctx := context.Background()
	sink.Log(ctx, LevelWarn, -100, 7, "auto_ban", "known bad message")

	logs, err := store.ListAuditLogs(ctx, -100, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(7), logs[0].UserID)
	assert.Equal(t, "auto_ban", logs[0].Event)
	assert.Equal(t, LevelWarn, logs[0].Level)
}

func TestNotifyRoutesToAdminChat(t *testing.T) {
	fake := platformtest.New()
	sink := NewSink(nil, fake, config.AuditConfig{AdminChatID: -1, AdminChats: map[int64]int64{-200: -2}}, zap.NewNop())
	ctx := context.Background()

	_, err := sink.Notify(ctx, Notice{ChatID: -100, Text: "a"})
	require.NoError(t, err)
	_, err = sink.Notify(ctx, Notice{ChatID: -200, Text: "b"})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(-1), calls[0].ChatID)
	assert.Equal(t, int64(-2), calls[1].ChatID)

	_, err = sink.Forward(ctx, model.MessageRef{ChatID: -100, MessageID: 5})
	require.NoError(t, err)
	last, ok := fake.Last("forward")
	require.True(t, ok)
	assert.Equal(t, int64(5), last.Ref.MessageID)
}

func TestNotifyWithoutAdminChatIsNoop(t *testing.T) {
	fake := platformtest.New()
	sink := NewSink(nil, fake, config.AuditConfig{}, zap.NewNop())
	ref, err := sink.Notify(context.Background(), Notice{ChatID: -100, Text: "a"})
	require.NoError(t, err)
	assert.True(t, ref.IsZero())
	assert.Empty(t, fake.Calls())
}

func TestNotifyFailureIsReturned(t *testing.T) {
	fake := platformtest.New()
	fake.Fail("send", errors.New("forbidden"))
	sink := NewSink(nil, fake, config.AuditConfig{AdminChatID: -1}, zap.NewNop())
	_, err := sink.Notify(context.Background(), Notice{ChatID: -100, Text: "a"})
	assert.Error(t, err)
}
