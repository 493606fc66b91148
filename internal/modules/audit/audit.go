package audit

import (
	"context"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/model"
	"chatguard/internal/platform"
	"chatguard/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// Notice is an operator-facing report. ChatID is the chat the report is
// about; the destination is the operator chat configured for it.
type Notice struct {
	ChatID   int64
	Text     string
	PhotoRef string
	ReplyTo  *model.MessageRef
	Keyboard platform.Keyboard
}

// Sink records every decision in the audit log and delivers operator
// reports. All of it is best effort.
type Sink struct {
	store     *storage.Store
	transport platform.Transport
	cfg       config.AuditConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewSink(store *storage.Store, transport platform.Transport, cfg config.AuditConfig, logger *zap.Logger) *Sink {
	return &Sink{store: store, transport: transport, cfg: cfg, logger: logger, now: time.Now}
}

// Log is a no-op on a nil Sink.
func (s *Sink) Log(ctx context.Context, level string, chatID, userID int64, event, details string) {
	if s == nil {
		return
	}
	entry := storage.AuditLog{
		ChatID:    chatID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: s.now(),
	}
	if s.store != nil {
		if err := s.store.AddAuditLog(ctx, entry); err != nil {
			s.logger.Error("audit write failed", zap.Error(err))
		}
	}
	s.logger.Info("audit", zap.String("level", level), zap.Int64("chat_id", chatID), zap.Int64("user_id", userID), zap.String("event", event), zap.String("details", details))
}

// AdminChat is where reports about chatID go; zero means nowhere.
func (s *Sink) AdminChat(chatID int64) int64 {
	if s == nil {
		return 0
	}
	return s.cfg.AdminChat(chatID)
}

// Notify posts a report to the operator chat. It returns a zero ref when no
// operator chat is configured.
func (s *Sink) Notify(ctx context.Context, n Notice) (model.MessageRef, error) {
	admin := s.AdminChat(n.ChatID)
	if admin == 0 || s.transport == nil {
		return model.MessageRef{}, nil
	}
	ref, err := s.transport.SendMessage(ctx, platform.OutgoingMessage{
		To:       platform.Destination{ChatID: admin},
		Text:     n.Text,
		PhotoRef: n.PhotoRef,
		ReplyTo:  n.ReplyTo,
		Keyboard: n.Keyboard,
	})
	if err != nil {
		s.logger.Warn("operator notification failed", zap.Int64("chat_id", n.ChatID), zap.Int64("admin_chat_id", admin), zap.Error(err))
		return model.MessageRef{}, err
	}
	return ref, nil
}

// Forward copies the offending message into the operator chat so it stays
// visible after deletion.
func (s *Sink) Forward(ctx context.Context, ref model.MessageRef) (model.MessageRef, error) {
	admin := s.AdminChat(ref.ChatID)
	if admin == 0 || s.transport == nil {
		return model.MessageRef{}, nil
	}
	return s.transport.ForwardMessage(ctx, platform.Destination{ChatID: admin}, ref)
}
