// Package captcha keeps first-contact users out of a chat until they answer a
// challenge. Each (chat, user) has at most one live challenge, and it is
// resolved exactly once by whichever of answer or timeout takes it first.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/filters"
	"chatguard/internal/metrics"
	"chatguard/internal/model"
	"chatguard/internal/modules/audit"
	"chatguard/internal/platform"
	"chatguard/internal/schedule"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BanChecker interface {
	IsBanned(ctx context.Context, userID int64) bool
}

type Approvals interface {
	Approved(userID int64) bool
}

// IdentityLookup resolves a durable external identity; an empty name means
// none.
type IdentityLookup interface {
	Lookup(ctx context.Context, userID int64) (string, error)
}

type AdmitResult int

const (
	AdmitSkipped AdmitResult = iota
	AdmitTrusted
	AdmitBanned
	AdmitIssued
	AdmitDuplicate
)

func (r AdmitResult) String() string {
	switch r {
	case AdmitSkipped:
		return "skipped"
	case AdmitTrusted:
		return "trusted"
	case AdmitBanned:
		return "banned"
	case AdmitIssued:
		return "issued"
	case AdmitDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	// OutcomeNone means the challenge was already gone.
	OutcomeNone Outcome = iota
	// OutcomeIgnored means someone other than the challenged user pressed.
	OutcomeIgnored
	OutcomePassed
	OutcomeWrongAnswer
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeIgnored:
		return "ignored"
	case OutcomePassed:
		return "passed"
	case OutcomeWrongAnswer:
		return "wrong_answer"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type key struct {
	chatID int64
	userID int64
}

type challenge struct {
	id        string
	chat      model.ChatRef
	user      model.UserRef
	createdAt time.Time
	choices   []int
	correct   int

	mu       sync.Mutex
	prompt   model.MessageRef
	joins    []model.MessageRef
	joinTask *schedule.Task
	resolved bool
}

// takeCleanup cancels the delayed join deletion and returns what is left to
// clean up.
func (c *challenge) takeCleanup() (model.MessageRef, []model.MessageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = true
	c.joinTask.Cancel()
	c.joinTask = nil
	return c.prompt, c.joins
}

var recheckOffsets = []time.Duration{
	15 * time.Minute,
	45 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

type Gate struct {
	cfg        config.CaptchaConfig
	challenges sync.Map
	rechecks   sync.Map
	disabled   map[int64]struct{}
	transport  platform.Transport
	bans       BanChecker
	approvals  Approvals
	identity   IdentityLookup
	sched      *schedule.Scheduler
	audit      *audit.Sink
	metrics    *metrics.Metrics
	masker     *filters.DisplayNameMasker
	pick       func(n int) ([]int, int)
	logger     *zap.Logger
}

type Deps struct {
	Transport platform.Transport
	Bans      BanChecker
	Approvals Approvals
	Identity  IdentityLookup
	Scheduler *schedule.Scheduler
	Audit     *audit.Sink
	Metrics   *metrics.Metrics
}

func NewGate(cfg config.CaptchaConfig, deps Deps, logger *zap.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.WrongAnswerBan <= 0 {
		cfg.WrongAnswerBan = 10 * time.Minute
	}
	if cfg.TimeoutBan <= 0 {
		cfg.TimeoutBan = 20 * time.Minute
	}
	if cfg.Options <= 0 {
		cfg.Options = 8
	}
	disabled := make(map[int64]struct{}, len(cfg.DisabledChats))
	for _, id := range cfg.DisabledChats {
		disabled[id] = struct{}{}
	}
	return &Gate{
		cfg:       cfg,
		disabled:  disabled,
		transport: deps.Transport,
		bans:      deps.Bans,
		approvals: deps.Approvals,
		identity:  deps.Identity,
		sched:     deps.Scheduler,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		masker:    filters.NewDisplayNameMasker(cfg.NameBlacklist, "new member"),
		pick:      pick,
		logger:    logger,
	}
}

func (g *Gate) now() time.Time {
	return g.sched.Clock().Now()
}

// Admit decides whether a joining user gets a challenge. Redelivered joins for
// a pending challenge only re-arm the join message cleanup.
func (g *Gate) Admit(ctx context.Context, chat model.ChatRef, user model.UserRef, join *model.MessageRef) (AdmitResult, error) {
	if user.IsBot {
		return AdmitSkipped, nil
	}
	if g.trusted(ctx, user.ID) {
		return AdmitTrusted, nil
	}
	if g.bans != nil && g.bans.IsBanned(ctx, user.ID) {
		g.banKnownSpammer(ctx, chat, user, join)
		return AdmitBanned, nil
	}
	if !g.cfg.Enabled || g.isDisabled(chat.ID) {
		g.watchNewcomer(chat, user)
		return AdmitSkipped, nil
	}

	k := key{chat.ID, user.ID}
	choices, correct := g.pick(g.cfg.Options)
	c := &challenge{
		id:        uuid.NewString(),
		chat:      chat,
		user:      user,
		createdAt: g.now(),
		choices:   choices,
		correct:   correct,
	}
	// Publish the challenge locked: a Resolve, Sweep or Forget that takes it
	// waits until the prompt ref is known and cleans it up.
	c.mu.Lock()
	actual, loaded := g.challenges.LoadOrStore(k, c)
	if loaded {
		c.mu.Unlock()
		existing := actual.(*challenge)
		if join != nil {
			g.rearmJoinCleanup(existing, *join)
		}
		g.logger.Debug("duplicate join for pending challenge", zap.Int64("chat_id", chat.ID), zap.Int64("user_id", user.ID))
		return AdmitDuplicate, nil
	}

	prompt, err := g.transport.SendMessage(ctx, platform.OutgoingMessage{
		To:       platform.Destination{ChatID: chat.ID},
		Text:     g.greeting(user, correct),
		ReplyTo:  join,
		Keyboard: keyboard(user.ID, choices),
	})
	if err != nil {
		c.mu.Unlock()
		g.challenges.CompareAndDelete(k, c)
		return AdmitSkipped, fmt.Errorf("send challenge to %d in %d: %w", user.ID, chat.ID, err)
	}
	c.prompt = prompt
	if join != nil {
		c.joins = append(c.joins, *join)
	}
	c.mu.Unlock()
	if join != nil {
		g.rearmJoinCleanup(c, *join)
	}

	g.metrics.Challenge("issued")
	g.logger.Info("challenge issued", zap.String("challenge_id", c.id), zap.Int64("chat_id", chat.ID), zap.Int64("user_id", user.ID))
	return AdmitIssued, nil
}

func (g *Gate) trusted(ctx context.Context, userID int64) bool {
	if g.approvals != nil && g.approvals.Approved(userID) {
		return true
	}
	if g.identity == nil {
		return false
	}
	name, err := g.identity.Lookup(ctx, userID)
	if err != nil {
		g.logger.Warn("identity lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return name != ""
}

func (g *Gate) isDisabled(chatID int64) bool {
	_, ok := g.disabled[chatID]
	return ok
}

func (g *Gate) rearmJoinCleanup(c *challenge, join model.MessageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	if !containsRef(c.joins, join) {
		c.joins = append(c.joins, join)
	}
	c.joinTask.Cancel()
	joins := append([]model.MessageRef(nil), c.joins...)
	c.joinTask = g.sched.After(g.cfg.Timeout, "captcha join cleanup", func(ctx context.Context) {
		for _, ref := range joins {
			g.deleteQuietly(ctx, ref, "join_cleanup")
		}
	})
}

func (g *Gate) IsPending(chatID, userID int64) bool {
	_, ok := g.challenges.Load(key{chatID, userID})
	return ok
}

// Resolve applies an answer. It is safe to call any number of times for the
// same challenge; only the first call that takes it has an effect.
func (g *Gate) Resolve(ctx context.Context, answer model.Answer) Outcome {
	if answer.PresserID != 0 && answer.PresserID != answer.UserID {
		g.answerCallback(ctx, answer.CallbackID, "This challenge is not for you")
		return OutcomeIgnored
	}
	value, ok := g.challenges.LoadAndDelete(key{answer.ChatID, answer.UserID})
	if !ok {
		g.logger.Debug("challenge already resolved", zap.Int64("chat_id", answer.ChatID), zap.Int64("user_id", answer.UserID))
		g.answerCallback(ctx, answer.CallbackID, "")
		return OutcomeNone
	}
	c := value.(*challenge)
	g.answerCallback(ctx, answer.CallbackID, "")
	if answer.Option == c.correct {
		g.pass(ctx, c)
		return OutcomePassed
	}
	g.fail(ctx, c, OutcomeWrongAnswer, g.cfg.WrongAnswerBan)
	return OutcomeWrongAnswer
}

func (g *Gate) pass(ctx context.Context, c *challenge) {
	prompt, _ := c.takeCleanup()
	g.deleteQuietly(ctx, prompt, "challenge_prompt")
	g.metrics.Challenge(OutcomePassed.String())
	g.audit.Log(ctx, audit.LevelInfo, c.chat.ID, c.user.ID, "captcha_passed", c.user.Label())
	g.watchNewcomer(c.chat, c.user)
}

func (g *Gate) fail(ctx context.Context, c *challenge, outcome Outcome, ban time.Duration) {
	prompt, joins := c.takeCleanup()
	g.deleteQuietly(ctx, prompt, "challenge_prompt")
	for _, ref := range joins {
		g.deleteQuietly(ctx, ref, "join_cleanup")
	}

	until := g.now().Add(ban)
	if err := g.transport.BanMember(ctx, c.chat.ID, c.user.ID, until); err != nil && !platform.IsBenign(err) {
		g.metrics.PlatformFailure("captcha_ban")
		g.logger.Warn("captcha ban failed", zap.Int64("chat_id", c.chat.ID), zap.Int64("user_id", c.user.ID), zap.Error(err))
	}
	g.scheduleUnban(c.chat.ID, c.user.ID, ban)

	g.metrics.Challenge(outcome.String())
	g.audit.Log(ctx, audit.LevelWarn, c.chat.ID, c.user.ID, "captcha_"+outcome.String(), fmt.Sprintf("%s banned for %s", c.user.Label(), ban))
}

// scheduleUnban lifts a temporary captcha ban. It is not cancellable: if the
// user has since become a known spammer the unban is skipped instead.
func (g *Gate) scheduleUnban(chatID, userID int64, after time.Duration) {
	g.sched.After(after, "captcha unban", func(ctx context.Context) {
		if g.bans != nil && g.bans.IsBanned(ctx, userID) {
			g.logger.Info("unban skipped for known spammer", zap.Int64("chat_id", chatID), zap.Int64("user_id", userID))
			return
		}
		if err := g.transport.UnbanMember(ctx, chatID, userID); err != nil && !platform.IsBenign(err) {
			g.metrics.PlatformFailure("captcha_unban")
			g.logger.Warn("captcha unban failed", zap.Int64("chat_id", chatID), zap.Int64("user_id", userID), zap.Error(err))
		}
	})
}

// Sweep resolves every challenge older than the timeout and returns how many
// it took.
func (g *Gate) Sweep(ctx context.Context, now time.Time) int {
	taken := 0
	g.challenges.Range(func(k, value any) bool {
		c := value.(*challenge)
		if now.Sub(c.createdAt) <= g.cfg.Timeout {
			return true
		}
		if !g.challenges.CompareAndDelete(k, c) {
			return true
		}
		taken++
		g.logger.Info("challenge timed out", zap.String("challenge_id", c.id), zap.Int64("chat_id", c.chat.ID), zap.Int64("user_id", c.user.ID))
		g.fail(ctx, c, OutcomeTimeout, g.cfg.TimeoutBan)
		return true
	})
	return taken
}

func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx, g.now())
		}
	}
}

// Forget drops all state for a user who left or was removed from the chat.
func (g *Gate) Forget(ctx context.Context, chatID, userID int64) {
	k := key{chatID, userID}
	if value, ok := g.challenges.LoadAndDelete(k); ok {
		prompt, _ := value.(*challenge).takeCleanup()
		g.deleteQuietly(ctx, prompt, "challenge_prompt")
		g.metrics.Challenge("abandoned")
	}
	g.stopWatching(k)
}

type recheck struct {
	mu    sync.Mutex
	tasks []*schedule.Task
}

// watchNewcomer re-consults the ban list a few times during the first day.
func (g *Gate) watchNewcomer(chat model.ChatRef, user model.UserRef) {
	if !g.cfg.NewcomerRechecks || g.bans == nil {
		return
	}
	k := key{chat.ID, user.ID}
	w := &recheck{}
	if old, loaded := g.rechecks.Swap(k, w); loaded {
		old.(*recheck).cancel()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, offset := range recheckOffsets {
		last := i == len(recheckOffsets)-1
		w.tasks = append(w.tasks, g.sched.After(offset, "newcomer recheck", func(ctx context.Context) {
			if last {
				g.rechecks.CompareAndDelete(k, w)
			}
			if !g.bans.IsBanned(ctx, user.ID) {
				return
			}
			g.rechecks.CompareAndDelete(k, w)
			w.cancel()
			g.banKnownSpammer(ctx, chat, user, nil)
		}))
	}
}

func (g *Gate) stopWatching(k key) {
	if value, ok := g.rechecks.LoadAndDelete(k); ok {
		value.(*recheck).cancel()
	}
}

func (w *recheck) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, task := range w.tasks {
		task.Cancel()
	}
	w.tasks = nil
}

func (g *Gate) banKnownSpammer(ctx context.Context, chat model.ChatRef, user model.UserRef, join *model.MessageRef) {
	if join != nil {
		g.deleteQuietly(ctx, *join, "join_cleanup")
	}
	if err := g.transport.BanMember(ctx, chat.ID, user.ID, time.Time{}); err != nil && !platform.IsBenign(err) {
		g.metrics.PlatformFailure("blacklist_ban")
		g.logger.Warn("ban of known spammer failed", zap.Int64("chat_id", chat.ID), zap.Int64("user_id", user.ID), zap.Error(err))
	}
	g.metrics.Challenge("blacklisted")
	g.audit.Log(ctx, audit.LevelCrit, chat.ID, user.ID, "blacklist_ban", user.Label())
	_, _ = g.audit.Notify(ctx, audit.Notice{
		ChatID: chat.ID,
		Text:   fmt.Sprintf("Banned %s in %s: listed as a known spammer", user.Label(), chat.Title),
	})
}

func (g *Gate) deleteQuietly(ctx context.Context, ref model.MessageRef, step string) {
	if ref.IsZero() {
		return
	}
	err := g.transport.DeleteMessage(ctx, ref)
	if err == nil || platform.IsBenign(err) {
		return
	}
	g.metrics.PlatformFailure(step)
	g.logger.Warn("delete failed", zap.String("step", step), zap.Int64("chat_id", ref.ChatID), zap.Int64("message_id", ref.MessageID), zap.Error(err))
}

func (g *Gate) answerCallback(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := g.transport.AnswerCallback(ctx, callbackID, text); err != nil && !errors.Is(err, platform.ErrUnsupported) && !platform.IsBenign(err) {
		g.logger.Debug("callback answer failed", zap.Error(err))
	}
}

func (g *Gate) greeting(user model.UserRef, correct int) string {
	name := g.masker.Mask(user.DisplayName)
	if name == "" {
		name = "new member"
	}
	return fmt.Sprintf("Welcome, %s! Tap the %s below within %d seconds to show you are not a bot.",
		name, options[correct].Name, int(g.cfg.Timeout.Seconds()))
}

// CallbackData is the button payload for one challenge option.
func CallbackData(userID int64, option int) string {
	return fmt.Sprintf("cap_%d_%d", userID, option)
}

// ParseCallbackData decodes a payload built by CallbackData.
func ParseCallbackData(data string) (userID int64, option int, ok bool) {
	rest, found := strings.CutPrefix(data, "cap_")
	if !found {
		return 0, 0, false
	}
	userPart, optionPart, found := strings.Cut(rest, "_")
	if !found {
		return 0, 0, false
	}
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	option, err = strconv.Atoi(optionPart)
	if err != nil || option < 0 || option >= len(options) {
		return 0, 0, false
	}
	return userID, option, true
}

func keyboard(userID int64, choices []int) platform.Keyboard {
	row := make([]platform.Button, 0, len(choices))
	for _, choice := range choices {
		row = append(row, platform.Button{Text: options[choice].Emoji, Data: CallbackData(userID, choice)})
	}
	return platform.Keyboard{row}
}

func containsRef(refs []model.MessageRef, ref model.MessageRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
