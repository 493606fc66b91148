// Package dispatch routes translated platform events to the gate, the
// pipeline and the escalation engine on a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatguard/internal/captcha"
	"chatguard/internal/config"
	"chatguard/internal/escalation"
	"chatguard/internal/history"
	"chatguard/internal/metrics"
	"chatguard/internal/model"
	"chatguard/internal/moderation"
	"chatguard/internal/platform"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const privateReply = "I guard group chats against spam. Add me to a group as an administrator to get started."

type Gate interface {
	Admit(ctx context.Context, chat model.ChatRef, user model.UserRef, join *model.MessageRef) (captcha.AdmitResult, error)
	Resolve(ctx context.Context, answer model.Answer) captcha.Outcome
	IsPending(chatID, userID int64) bool
	Forget(ctx context.Context, chatID, userID int64)
}

type Pipeline interface {
	Evaluate(ctx context.Context, msg *model.Message) moderation.Verdict
}

type Escalator interface {
	Apply(ctx context.Context, verdict moderation.Verdict, msg *model.Message) escalation.AppliedResult
	HandleReview(ctx context.Context, review model.Review)
	ReportSanction(ctx context.Context, chat model.ChatRef, sanction model.Sanction)
	Ignored(chatID int64) bool
}

type Deps struct {
	Transport platform.Transport
	Gate      Gate
	Pipeline  Pipeline
	Escalator Escalator
	History   *history.Store
	Metrics   *metrics.Metrics
}

type Dispatcher struct {
	deps    Deps
	timeout time.Duration
	pool    *pool.Pool
	logger  *zap.Logger

	groupsMu   sync.Mutex
	lastGroups map[int64]string
}

func New(cfg config.DispatchConfig, deps Deps, logger *zap.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 32
	}
	timeout := cfg.EventTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{
		deps:       deps,
		timeout:    timeout,
		pool:       pool.New().WithMaxGoroutines(workers),
		logger:     logger,
		lastGroups: make(map[int64]string),
	}
}

// Dispatch queues ev for handling. It blocks while every worker is busy.
// Later parts of an album that arrive right after its first part are dropped
// here, in arrival order, so only the first caption is evaluated.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event) {
	d.deps.Metrics.Event(ev.Kind.String())
	if ev.Kind == model.EventMessage && ev.Message != nil && d.coalesced(ev.Message) {
		d.logger.Debug("album part dropped", zap.Int64("chat_id", ev.Message.Chat.ID), zap.String("media_group_id", ev.Message.MediaGroupID))
		return
	}
	d.pool.Go(func() {
		d.handle(ctx, ev)
	})
}

func (d *Dispatcher) coalesced(msg *model.Message) bool {
	d.groupsMu.Lock()
	defer d.groupsMu.Unlock()
	last := d.lastGroups[msg.Chat.ID]
	if msg.MediaGroupID == "" {
		delete(d.lastGroups, msg.Chat.ID)
		return false
	}
	d.lastGroups[msg.Chat.ID] = msg.MediaGroupID
	return last == msg.MediaGroupID
}

// Close waits for queued events to finish.
func (d *Dispatcher) Close() {
	d.pool.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.String("kind", ev.Kind.String()), zap.Int64("chat_id", ev.Chat.ID), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case model.EventMessage:
		err = d.onMessage(ctx, ev.Message)
	case model.EventJoin:
		err = d.onJoin(ctx, ev)
	case model.EventLeave:
		d.deps.Gate.Forget(ctx, ev.Chat.ID, ev.User.ID)
	case model.EventCaptchaAnswer:
		if ev.Answer == nil {
			return
		}
		outcome := d.deps.Gate.Resolve(ctx, *ev.Answer)
		d.logger.Debug("challenge answer", zap.Int64("chat_id", ev.Answer.ChatID), zap.Int64("user_id", ev.Answer.UserID), zap.String("outcome", outcome.String()))
	case model.EventReview:
		if ev.Review != nil {
			d.deps.Escalator.HandleReview(ctx, *ev.Review)
		}
	case model.EventSanction:
		if ev.Sanction == nil {
			return
		}
		d.deps.Escalator.ReportSanction(ctx, ev.Chat, *ev.Sanction)
		d.deps.Gate.Forget(ctx, ev.Chat.ID, ev.Sanction.User.ID)
	default:
		err = fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	if err != nil {
		d.logger.Warn("event handling failed", zap.String("kind", ev.Kind.String()), zap.Int64("chat_id", ev.Chat.ID), zap.Int64("user_id", ev.User.ID), zap.Error(err))
	}
}

func (d *Dispatcher) onMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return nil
	}
	if msg.Chat.Kind == model.ChatPrivate {
		_, err := d.deps.Transport.SendMessage(ctx, platform.OutgoingMessage{
			To:   platform.DestinationOf(msg.Ref),
			Text: privateReply,
		})
		return err
	}
	if d.deps.Escalator.Ignored(msg.Chat.ID) {
		return nil
	}
	if d.deps.Gate.IsPending(msg.Chat.ID, msg.From.ID) {
		if err := d.deps.Transport.DeleteMessage(ctx, msg.Ref); err != nil && !platform.IsBenign(err) {
			return fmt.Errorf("delete message from unverified user: %w", err)
		}
		return nil
	}

	d.deps.History.Add(msg.From.ID, msg.Chat.ID, history.Snapshot{
		MessageID: msg.Ref.MessageID,
		Text:      msg.Text,
		Caption:   msg.Caption,
		At:        msg.SentAt,
	})
	verdict := d.deps.Pipeline.Evaluate(ctx, msg)
	result := d.deps.Escalator.Apply(ctx, verdict, msg)
	return result.Err
}

func (d *Dispatcher) onJoin(ctx context.Context, ev model.Event) error {
	if ev.Chat.Kind == model.ChatPrivate || ev.Chat.Kind == model.ChatChannel {
		return nil
	}
	result, err := d.deps.Gate.Admit(ctx, ev.Chat, ev.User, ev.JoinRef)
	if err != nil {
		return fmt.Errorf("admit: %w", err)
	}
	d.logger.Debug("member joined", zap.Int64("chat_id", ev.Chat.ID), zap.Int64("user_id", ev.User.ID), zap.String("result", result.String()))
	return nil
}
