package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/dedup"
	"chatguard/internal/history"
	"chatguard/internal/model"
	"chatguard/internal/moderation"
	"chatguard/internal/modules/audit"
	"chatguard/internal/platform"
	"chatguard/internal/platform/platformtest"
	"chatguard/internal/schedule"
	"chatguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBans struct {
	mu     sync.Mutex
	banned map[int64]bool
}

func (f *fakeBans) MarkBanned(ctx context.Context, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[userID] = true
}

func (f *fakeBans) Unban(ctx context.Context, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.banned, userID)
}

func (f *fakeBans) is(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[userID]
}

type fakeTrust struct {
	mu       sync.Mutex
	approved map[int64]bool
}

func (f *fakeTrust) Approve(ctx context.Context, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved[userID] = true
}

func (f *fakeTrust) Revoke(ctx context.Context, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.approved, userID)
}

type fakeLabeler struct {
	mu       sync.Mutex
	examples map[string]bool
	done     chan struct{}
}

func (f *fakeLabeler) AddLabeledExample(ctx context.Context, text string, isSpam bool) error {
	f.mu.Lock()
	f.examples[text] = isSpam
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

type fakeProfiles struct{ cleared []int64 }

func (f *fakeProfiles) MarkProfileOK(userID int64) { f.cleared = append(f.cleared, userID) }

var adminReport = model.MessageRef{ChatID: -999, MessageID: 5}

type harness struct {
	engine   *Engine
	fake     *platformtest.Fake
	clock    *schedule.ManualClock
	bans     *fakeBans
	trust    *fakeTrust
	labeler  *fakeLabeler
	profiles *fakeProfiles
	history  *history.Store
	dedup    *dedup.Cache
	bad      *storage.Set
}

func newHarness(t *testing.T, mutate func(*config.ModerationConfig)) *harness {
	t.Helper()
	cfg := config.DefaultConfig().Moderation
	if mutate != nil {
		mutate(&cfg)
	}
	clock := schedule.NewManualClock(time.Unix(1_700_000_000, 0))
	sched := schedule.New(clock, zap.NewNop())
	t.Cleanup(sched.Close)
	bad, err := storage.OpenSet(context.Background(), nil, storage.SetBadMessages, zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		fake:     platformtest.New(),
		clock:    clock,
		bans:     &fakeBans{banned: map[int64]bool{}},
		trust:    &fakeTrust{approved: map[int64]bool{}},
		labeler:  &fakeLabeler{examples: map[string]bool{}, done: make(chan struct{}, 4)},
		profiles: &fakeProfiles{},
		history:  history.New(24*time.Hour, 15*time.Minute, zap.NewNop()),
		dedup:    dedup.New(24*time.Hour, 15*time.Minute, zap.NewNop()),
		bad:      bad,
	}
	h.engine = NewEngine(cfg, Deps{
		Transport:   h.fake,
		Audit:       audit.NewSink(nil, h.fake, config.AuditConfig{AdminChatID: -999}, zap.NewNop()),
		History:     h.history,
		Bans:        h.bans,
		Trust:       h.trust,
		Labeler:     h.labeler,
		Profiles:    h.profiles,
		Dedup:       h.dedup,
		BadMessages: bad,
		Scheduler:   sched,
	}, zap.NewNop())
	return h
}

func spamMessage() *model.Message {
	return &model.Message{
		Ref:  model.MessageRef{ChatID: -100, MessageID: 10},
		Chat: model.ChatRef{ID: -100, Title: "Go chat"},
		From: model.UserRef{ID: 7, DisplayName: "Spammer"},
		Text: "earn 500 usd a day from home, write me in private messages",
	}
}

func (h *harness) waitLabel(t *testing.T) {
	t.Helper()
	select {
	case <-h.labeler.done:
	case <-time.After(time.Second):
		t.Fatal("labeled example not delivered")
	}
}

func TestAutoBanOrder(t *testing.T) {
	h := newHarness(t, nil)
	verdict := moderation.Verdict{Action: model.AutoBan, Stage: moderation.StageKnownBad, Reason: "known spam"}

	result := h.engine.Apply(context.Background(), verdict, spamMessage())
	require.NoError(t, result.Err)
	assert.Equal(t, []string{"forward", "delete", "ban", "send"}, h.fake.Methods())
	assert.True(t, result.Forwarded && result.Deleted && result.Banned && result.Reported)
	assert.True(t, h.bans.is(7))

	ban, _ := h.fake.Last("ban")
	assert.True(t, ban.Until.IsZero())
}

func TestDeleteAndRestrict(t *testing.T) {
	h := newHarness(t, nil)
	verdict := moderation.Verdict{Action: model.DeleteAndRestrict, Stage: moderation.StageStopWord, Reason: "stop word"}

	result := h.engine.Apply(context.Background(), verdict, spamMessage())
	require.NoError(t, result.Err)
	assert.Equal(t, []string{"forward", "delete", "restrict", "send"}, h.fake.Methods())
	assert.NotEmpty(t, result.RestoreKey)

	restrict, _ := h.fake.Last("restrict")
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), restrict.Until)

	report, _ := h.fake.Last("send")
	assert.Equal(t, int64(-999), report.ChatID)
	require.Len(t, report.Message.Keyboard, 1)
	assert.Len(t, report.Message.Keyboard[0], 3)
	assert.False(t, h.bans.is(7))
}

func TestFailedStepsDoNotStopLaterSteps(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Fail("forward", errors.New("chat not found"))
	h.fake.Fail("delete", errors.New("not enough rights"))
	verdict := moderation.Verdict{Action: model.AutoBan, Stage: moderation.StageMarkup}

	result := h.engine.Apply(context.Background(), verdict, spamMessage())
	assert.Error(t, result.Err)
	assert.ErrorContains(t, result.Err, "forward")
	assert.ErrorContains(t, result.Err, "delete")
	assert.True(t, result.Banned)
	assert.Equal(t, 1, h.fake.Count("ban"))
	assert.Equal(t, 1, h.fake.Count("send"))
}

func TestBenignErrorsCountAsDone(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Fail("delete", errors.New("Bad Request: message to delete not found"))

	result := h.engine.Apply(context.Background(), moderation.Verdict{Action: model.AutoBan}, spamMessage())
	assert.NoError(t, result.Err)
	assert.True(t, result.Deleted)
}

func TestReadOnlyKeepsMessageAndThrottlesProfileReports(t *testing.T) {
	h := newHarness(t, nil)
	verdict := moderation.Verdict{Action: model.ReadOnlyRestrict, Stage: moderation.StageProfile, Review: true}

	h.engine.Apply(context.Background(), verdict, spamMessage())
	h.engine.Apply(context.Background(), verdict, spamMessage())
	assert.Zero(t, h.fake.Count("delete"))
	assert.Equal(t, 2, h.fake.Count("restrict"))
	assert.Equal(t, 1, h.fake.Count("send"))
}

func TestAllowWithNotesIsReported(t *testing.T) {
	h := newHarness(t, nil)
	verdict := moderation.Verdict{Action: model.Allow, Notes: []string{"posted on behalf of channel"}}
	result := h.engine.Apply(context.Background(), verdict, spamMessage())
	assert.True(t, result.Reported)
	assert.Zero(t, h.fake.Count("delete"))

	h = newHarness(t, nil)
	h.engine.Apply(context.Background(), moderation.Verdict{Action: model.Allow}, spamMessage())
	assert.Empty(t, h.fake.Calls())
}

func TestReportOnlyChat(t *testing.T) {
	h := newHarness(t, func(cfg *config.ModerationConfig) { cfg.ReportOnlyChats = []int64{-100} })
	h.engine.Apply(context.Background(), moderation.Verdict{Action: model.AutoBan}, spamMessage())
	assert.Equal(t, []string{"forward", "send"}, h.fake.Methods())
}

func TestChatIgnoreBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Fail("delete", errors.New("not enough rights"))
	h.fake.Fail("ban", errors.New("not enough rights"))
	verdict := moderation.Verdict{Action: model.AutoBan, Stage: moderation.StageBanlist}

	h.engine.Apply(context.Background(), verdict, spamMessage())
	assert.True(t, h.engine.Ignored(-100))
	h.clock.Advance(5 * time.Hour)
	assert.True(t, h.engine.Ignored(-100))
	h.clock.Advance(2 * time.Hour)
	assert.False(t, h.engine.Ignored(-100))
	assert.False(t, h.engine.Ignored(-200))
}

func TestReviewBan(t *testing.T) {
	h := newHarness(t, nil)
	msg := spamMessage()
	result := h.engine.Apply(context.Background(), moderation.Verdict{Action: model.DeleteAndRestrict}, msg)

	h.engine.HandleReview(context.Background(), model.Review{
		Decision:   model.ReviewBan,
		ChatID:     -100,
		UserID:     7,
		RestoreKey: result.RestoreKey,
		Operator:   model.UserRef{ID: 1, DisplayName: "Admin"},
		Report:     model.MessageRef{ChatID: -999, MessageID: 5},
		CallbackID: "cb",
	})
	h.waitLabel(t)

	assert.True(t, h.bans.is(7))
	assert.True(t, h.bad.Contains(dedup.Hash(msg.Text)))
	assert.Equal(t, 1, h.fake.Count("edit_markup"))
	assert.Equal(t, 1, h.fake.Count("answer_callback"))
	h.labeler.mu.Lock()
	assert.True(t, h.labeler.examples[msg.Text])
	h.labeler.mu.Unlock()
}

func TestReviewApproveRestores(t *testing.T) {
	h := newHarness(t, nil)
	msg := spamMessage()
	result := h.engine.Apply(context.Background(), moderation.Verdict{Action: model.DeleteAndRestrict}, msg)
	h.dedup.Record(dedup.Hash(msg.Text), dedup.Occurrence{ChatID: -100, UserID: 7})

	h.engine.HandleReview(context.Background(), model.Review{Decision: model.ReviewApprove, ChatID: -100, UserID: 7, RestoreKey: result.RestoreKey, Report: adminReport})
	h.waitLabel(t)

	assert.True(t, h.trust.approved[7])
	assert.Zero(t, h.dedup.Len())
	restores := func() []platformtest.Call {
		var out []platformtest.Call
		for _, c := range h.fake.Calls() {
			if c.Method == "send" && c.ChatID == -100 {
				out = append(out, c)
			}
		}
		return out
	}
	restored := restores()
	require.Len(t, restored, 1)
	assert.Contains(t, restored[0].Message.Text, msg.Text)

	h.engine.HandleReview(context.Background(), model.Review{Decision: model.ReviewRestore, ChatID: -100, UserID: 7, RestoreKey: result.RestoreKey, Report: adminReport})
	assert.Len(t, restores(), 1, "a message is restored once")
}

func TestReviewOKClearsProfile(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.HandleReview(context.Background(), model.Review{Decision: model.ReviewOK, ChatID: -100, UserID: 7, Report: adminReport})
	assert.Equal(t, []int64{7}, h.profiles.cleared)
}

func TestReportSanctionIncludesLastMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.history.Add(7, -100, history.Snapshot{MessageID: 3, Text: "buy my course"})

	h.engine.ReportSanction(context.Background(), model.ChatRef{ID: -100, Title: "Go chat"}, model.Sanction{
		Kind: model.SanctionBanned,
		User: model.UserRef{ID: 7, DisplayName: "Spammer"},
		By:   model.UserRef{ID: 1, DisplayName: "Admin"},
	})
	report, ok := h.fake.Last("send")
	require.True(t, ok)
	assert.Contains(t, report.Message.Text, "buy my course")
	assert.Contains(t, report.Message.Text, "Admin")
}

func TestBanFromChatSchedulesUnban(t *testing.T) {
	h := newHarness(t, nil)
	until := h.clock.Now().Add(time.Hour)
	require.NoError(t, h.engine.BanFromChat(context.Background(), model.ChatRef{ID: -100}, model.UserRef{ID: 7}, until))
	assert.False(t, h.bans.is(7))

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.fake.Count("unban"))
}

func TestReviewDataRoundTrip(t *testing.T) {
	review, ok := ParseReviewData(ReviewData(model.ReviewRestore, -1001, 42, "abc-def"))
	require.True(t, ok)
	assert.Equal(t, model.ReviewRestore, review.Decision)
	assert.Equal(t, int64(-1001), review.ChatID)
	assert.Equal(t, int64(42), review.UserID)
	assert.Equal(t, "abc-def", review.RestoreKey)

	_, ok = ParseReviewData("cap_1_2")
	assert.False(t, ok)
	_, ok = ParseReviewData("rv:nuke:1:2")
	assert.False(t, ok)
}

func TestUnsupportedStepIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Fail("forward", platform.ErrUnsupported)

	result := h.engine.Apply(context.Background(), moderation.Verdict{Action: model.AutoBan}, spamMessage())
	assert.NoError(t, result.Err)
	assert.False(t, result.Forwarded)
	assert.True(t, result.Banned)
}

func TestReviewOutsideOperatorChatIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.bans.banned[7] = true

	// The callback data was replayed on a bot message in the group itself.
	h.engine.HandleReview(context.Background(), model.Review{
		Decision:   model.ReviewApprove,
		ChatID:     -100,
		UserID:     7,
		Operator:   model.UserRef{ID: 7},
		Report:     model.MessageRef{ChatID: -100, MessageID: 9},
		CallbackID: "cb",
	})
	h.engine.HandleReview(context.Background(), model.Review{
		Decision: model.ReviewBan,
		ChatID:   -100,
		UserID:   8,
		Operator: model.UserRef{ID: 7},
		Report:   model.MessageRef{ChatID: -100, MessageID: 9},
	})

	assert.False(t, h.trust.approved[7])
	assert.True(t, h.bans.is(7))
	assert.False(t, h.bans.is(8))
	assert.Zero(t, h.fake.Count("unban"))
	assert.Zero(t, h.fake.Count("ban"))
	assert.Equal(t, 1, h.fake.Count("answer_callback"))
}

func TestReviewFromOperatorChannelIsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.HandleReview(context.Background(), model.Review{
		Decision: model.ReviewOK,
		ChatID:   -100,
		UserID:   7,
		Report:   model.MessageRef{ChatID: 42, ChannelID: -999, MessageID: 5},
	})
	assert.Equal(t, []int64{7}, h.profiles.cleared)
}
