// Package escalation turns verdicts into platform actions. Every step is
// attempted even when an earlier one fails; failures are collected, counted
// and reported, never returned as a reason to stop.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/dedup"
	"chatguard/internal/history"
	"chatguard/internal/metrics"
	"chatguard/internal/model"
	"chatguard/internal/moderation"
	"chatguard/internal/modules/audit"
	"chatguard/internal/platform"
	"chatguard/internal/schedule"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	restoreTTL      = 24 * time.Hour
	reportThrottle  = 8 * time.Hour
	firstIgnoreSpan = 6 * time.Hour
)

type BanRegistry interface {
	MarkBanned(ctx context.Context, userID int64)
	Unban(ctx context.Context, userID int64)
}

type TrustGranter interface {
	Approve(ctx context.Context, userID int64)
	Revoke(ctx context.Context, userID int64)
}

type Labeler interface {
	AddLabeledExample(ctx context.Context, text string, isSpam bool) error
}

type ProfileClearer interface {
	MarkProfileOK(userID int64)
}

type MemberSet interface {
	Add(ctx context.Context, member string) bool
}

// Deps are the collaborators of an Engine. Labeler, Profiles and BadMessages
// may be nil.
type Deps struct {
	Transport   platform.Transport
	Audit       *audit.Sink
	History     *history.Store
	Bans        BanRegistry
	Trust       TrustGranter
	Labeler     Labeler
	Profiles    ProfileClearer
	Dedup       *dedup.Cache
	BadMessages MemberSet
	Scheduler   *schedule.Scheduler
	Metrics     *metrics.Metrics
}

// AppliedResult describes what actually happened on the platform.
type AppliedResult struct {
	Action     model.Action
	Forwarded  bool
	Deleted    bool
	Restricted bool
	Banned     bool
	Reported   bool
	RestoreKey string
	Err        error
}

type restoreEntry struct {
	ref  model.MessageRef
	user model.UserRef
	text string
}

type reportKey struct {
	chatID int64
	userID int64
}

type ignoreState struct {
	failures int
	until    time.Time
}

type Engine struct {
	cfg        config.ModerationConfig
	deps       Deps
	reportOnly map[int64]struct{}
	restores   *expirable.LRU[string, restoreEntry]
	reported   *expirable.LRU[reportKey, struct{}]
	ignoredMu  sync.Mutex
	ignored    map[int64]ignoreState
	logger     *zap.Logger
}

func NewEngine(cfg config.ModerationConfig, deps Deps, logger *zap.Logger) *Engine {
	if cfg.RestrictDuration <= 0 {
		cfg.RestrictDuration = 10 * time.Minute
	}
	if cfg.BadMessageMinLength <= 0 {
		cfg.BadMessageMinLength = 30
	}
	reportOnly := make(map[int64]struct{}, len(cfg.ReportOnlyChats))
	for _, id := range cfg.ReportOnlyChats {
		reportOnly[id] = struct{}{}
	}
	return &Engine{
		cfg:        cfg,
		deps:       deps,
		reportOnly: reportOnly,
		restores:   expirable.NewLRU[string, restoreEntry](10000, nil, restoreTTL),
		reported:   expirable.NewLRU[reportKey, struct{}](10000, nil, reportThrottle),
		ignored:    make(map[int64]ignoreState),
		logger:     logger,
	}
}

func (e *Engine) now() time.Time {
	return e.deps.Scheduler.Clock().Now()
}

// Apply executes a verdict. It never panics on platform errors and always
// returns what it managed to do.
func (e *Engine) Apply(ctx context.Context, verdict moderation.Verdict, msg *model.Message) AppliedResult {
	result := AppliedResult{Action: verdict.Action}
	if verdict.Action == model.Allow {
		if verdict.Flagged() {
			e.reportSuspicious(ctx, verdict, msg, &result)
		}
		return result
	}

	if _, ok := e.reportOnly[msg.Chat.ID]; ok {
		e.forward(ctx, msg, &result)
		e.report(ctx, verdict, msg, &result, reviewKeyboard(msg.Chat.ID, msg.From.ID, ""))
		e.audit(ctx, audit.LevelWarn, msg, "reported_only", verdict)
		return result
	}

	switch verdict.Action {
	case model.ReadOnlyRestrict:
		e.restrict(ctx, msg, &result)
		if e.throttled(verdict, msg) {
			e.logger.Debug("report throttled", zap.Int64("chat_id", msg.Chat.ID), zap.Int64("user_id", msg.From.ID))
		} else {
			e.report(ctx, verdict, msg, &result, profileKeyboard(msg.Chat.ID, msg.From.ID))
		}
		e.audit(ctx, audit.LevelWarn, msg, "read_only", verdict)

	case model.DeleteAndRestrict:
		e.forward(ctx, msg, &result)
		result.RestoreKey = e.keepForRestore(msg)
		e.delete(ctx, msg, &result)
		e.restrict(ctx, msg, &result)
		e.report(ctx, verdict, msg, &result, reviewKeyboard(msg.Chat.ID, msg.From.ID, result.RestoreKey))
		e.audit(ctx, audit.LevelWarn, msg, "delete_and_restrict", verdict)

	case model.Ban, model.AutoBan:
		e.forward(ctx, msg, &result)
		e.delete(ctx, msg, &result)
		e.ban(ctx, msg.Chat.ID, msg.From.ID, time.Time{}, &result)
		if result.Banned {
			e.deps.Bans.MarkBanned(ctx, msg.From.ID)
		}
		e.report(ctx, verdict, msg, &result, platform.Keyboard{{
			{Text: "Unban and trust", Data: ReviewData(model.ReviewApprove, msg.Chat.ID, msg.From.ID, "")},
		}})
		e.audit(ctx, audit.LevelCrit, msg, verdict.Action.String(), verdict)
		if verdict.Stage == moderation.StageBanlist {
			e.trackIgnore(msg.Chat.ID, result)
		}
	}
	return result
}

func (e *Engine) forward(ctx context.Context, msg *model.Message, result *AppliedResult) {
	_, err := e.deps.Audit.Forward(ctx, msg.Ref)
	if e.step(ctx, msg, "forward", err, result) {
		result.Forwarded = true
	}
}

func (e *Engine) delete(ctx context.Context, msg *model.Message, result *AppliedResult) {
	err := e.deps.Transport.DeleteMessage(ctx, msg.Ref)
	if e.step(ctx, msg, "delete", err, result) {
		result.Deleted = true
	}
}

func (e *Engine) restrict(ctx context.Context, msg *model.Message, result *AppliedResult) {
	until := e.now().Add(e.cfg.RestrictDuration)
	err := e.deps.Transport.RestrictMember(ctx, msg.Chat.ID, msg.From.ID, until)
	if e.step(ctx, msg, "restrict", err, result) {
		result.Restricted = true
	}
}

func (e *Engine) ban(ctx context.Context, chatID, userID int64, until time.Time, result *AppliedResult) {
	err := e.deps.Transport.BanMember(ctx, chatID, userID, until)
	if err == nil || platform.IsBenign(err) {
		result.Banned = true
		return
	}
	e.deps.Metrics.PlatformFailure("ban")
	e.deps.Audit.Log(ctx, audit.LevelWarn, chatID, userID, "action_failed", "ban: "+err.Error())
	result.Err = multierr.Append(result.Err, fmt.Errorf("ban: %w", err))
}

// step records the outcome of one platform call and reports whether it
// counts as done. Benign errors count as done; unsupported steps are skipped
// without counting as failures.
func (e *Engine) step(ctx context.Context, msg *model.Message, name string, err error, result *AppliedResult) bool {
	if err == nil || platform.IsBenign(err) {
		return true
	}
	if errors.Is(err, platform.ErrUnsupported) {
		e.logger.Debug("escalation step unsupported", zap.String("step", name))
		return false
	}
	e.deps.Metrics.PlatformFailure(name)
	e.logger.Warn("escalation step failed", zap.String("step", name), zap.Int64("chat_id", msg.Chat.ID), zap.Int64("user_id", msg.From.ID), zap.Error(err))
	e.deps.Audit.Log(ctx, audit.LevelWarn, msg.Chat.ID, msg.From.ID, "action_failed", name+": "+err.Error())
	result.Err = multierr.Append(result.Err, fmt.Errorf("%s: %w", name, err))
	return false
}

func (e *Engine) keepForRestore(msg *model.Message) string {
	text := msg.Body()
	if text == "" {
		return ""
	}
	key := uuid.NewString()
	e.restores.Add(key, restoreEntry{ref: msg.Ref, user: msg.From, text: text})
	return key
}

// throttled limits profile reports to one per user and chat per window.
func (e *Engine) throttled(verdict moderation.Verdict, msg *model.Message) bool {
	if verdict.Stage != moderation.StageProfile {
		return false
	}
	k := reportKey{msg.Chat.ID, msg.From.ID}
	if e.reported.Contains(k) {
		return true
	}
	e.reported.Add(k, struct{}{})
	return false
}

func (e *Engine) report(ctx context.Context, verdict moderation.Verdict, msg *model.Message, result *AppliedResult, keyboard platform.Keyboard) {
	ref, err := e.deps.Audit.Notify(ctx, audit.Notice{
		ChatID:   msg.Chat.ID,
		Text:     reportText(verdict, msg, result),
		Keyboard: keyboard,
	})
	if err != nil {
		e.deps.Metrics.PlatformFailure("report")
		result.Err = multierr.Append(result.Err, fmt.Errorf("report: %w", err))
		return
	}
	result.Reported = !ref.IsZero()
}

func (e *Engine) reportSuspicious(ctx context.Context, verdict moderation.Verdict, msg *model.Message, result *AppliedResult) {
	e.forward(ctx, msg, result)
	e.report(ctx, verdict, msg, result, reviewKeyboard(msg.Chat.ID, msg.From.ID, ""))
	e.audit(ctx, audit.LevelInfo, msg, "suspicious", verdict)
}

func (e *Engine) audit(ctx context.Context, level string, msg *model.Message, event string, verdict moderation.Verdict) {
	details := fmt.Sprintf("stage=%s reason=%s", verdict.Stage, verdict.Reason)
	e.deps.Audit.Log(ctx, level, msg.Chat.ID, msg.From.ID, event, details)
}

// BanFromChat bans a user, permanently for a zero until, otherwise with an
// unban scheduled for until.
func (e *Engine) BanFromChat(ctx context.Context, chat model.ChatRef, user model.UserRef, until time.Time) error {
	var result AppliedResult
	e.ban(ctx, chat.ID, user.ID, until, &result)
	if until.IsZero() {
		if result.Banned {
			e.deps.Bans.MarkBanned(ctx, user.ID)
		}
		return result.Err
	}
	e.deps.Scheduler.After(until.Sub(e.now()), "escalation unban", func(ctx context.Context) {
		if err := e.deps.Transport.UnbanMember(ctx, chat.ID, user.ID); err != nil && !platform.IsBenign(err) {
			e.deps.Metrics.PlatformFailure("unban")
			e.logger.Warn("scheduled unban failed", zap.Int64("chat_id", chat.ID), zap.Int64("user_id", user.ID), zap.Error(err))
		}
	})
	return result.Err
}

// trackIgnore backs off from chats where the engine can neither delete nor
// ban: six hours on the first failure, then as many hours as failures.
func (e *Engine) trackIgnore(chatID int64, result AppliedResult) {
	e.ignoredMu.Lock()
	defer e.ignoredMu.Unlock()
	if result.Deleted || result.Banned {
		delete(e.ignored, chatID)
		return
	}
	state := e.ignored[chatID]
	state.failures++
	span := max(firstIgnoreSpan, time.Duration(state.failures)*time.Hour)
	state.until = e.now().Add(span)
	e.ignored[chatID] = state
	e.logger.Warn("chat ignored after failed bans", zap.Int64("chat_id", chatID), zap.Int("failures", state.failures), zap.Duration("for", span))
}

// Ignored reports whether the chat is in back-off.
func (e *Engine) Ignored(chatID int64) bool {
	e.ignoredMu.Lock()
	defer e.ignoredMu.Unlock()
	state, ok := e.ignored[chatID]
	return ok && e.now().Before(state.until)
}

func reportText(verdict moderation.Verdict, msg *model.Message, result *AppliedResult) string {
	var b strings.Builder
	title := "Suspicious message"
	if verdict.Action != model.Allow {
		title = "Action: " + verdict.Action.String()
	}
	fmt.Fprintf(&b, "%s in %s\n", title, msg.Chat.Title)
	fmt.Fprintf(&b, "User: %s (%d)\n", msg.From.Label(), msg.From.ID)
	if verdict.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s [%s]\n", verdict.Reason, verdict.Stage)
	}
	if verdict.Confidence != nil {
		fmt.Fprintf(&b, "Confidence: %.2f\n", *verdict.Confidence)
	}
	for _, note := range verdict.Notes {
		fmt.Fprintf(&b, "Note: %s\n", note)
	}
	if len(verdict.Duplicates) > 0 {
		b.WriteString("Same text seen in:\n")
		for _, d := range verdict.Duplicates {
			fmt.Fprintf(&b, "  %s, user %d (%s) at %s\n", d.ChatTitle, d.UserID, d.FirstName, d.At.UTC().Format(time.RFC3339))
		}
	}
	if body := msg.Body(); body != "" {
		fmt.Fprintf(&b, "Text: %s\n", truncate(body, 600))
	}
	if result.Err != nil {
		fmt.Fprintf(&b, "Failed steps: %v\n", result.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
