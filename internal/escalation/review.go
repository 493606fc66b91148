package escalation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chatguard/internal/dedup"
	"chatguard/internal/model"
	"chatguard/internal/modules/audit"
	"chatguard/internal/platform"

	"go.uber.org/zap"
)

const reviewPrefix = "rv"

// ReviewData encodes an operator button payload.
func ReviewData(decision model.ReviewDecision, chatID, userID int64, restoreKey string) string {
	data := fmt.Sprintf("%s:%s:%d:%d", reviewPrefix, decision, chatID, userID)
	if restoreKey != "" {
		data += ":" + restoreKey
	}
	return data
}

// ParseReviewData decodes a payload built by ReviewData.
func ParseReviewData(data string) (model.Review, bool) {
	parts := strings.Split(data, ":")
	if len(parts) < 4 || len(parts) > 5 || parts[0] != reviewPrefix {
		return model.Review{}, false
	}
	decision := model.ReviewDecision(parts[1])
	switch decision {
	case model.ReviewApprove, model.ReviewBan, model.ReviewOK, model.ReviewRestore:
	default:
		return model.Review{}, false
	}
	chatID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return model.Review{}, false
	}
	userID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return model.Review{}, false
	}
	review := model.Review{Decision: decision, ChatID: chatID, UserID: userID}
	if len(parts) == 5 {
		review.RestoreKey = parts[4]
	}
	return review, true
}

func reviewKeyboard(chatID, userID int64, restoreKey string) platform.Keyboard {
	row := []platform.Button{
		{Text: "Ban", Data: ReviewData(model.ReviewBan, chatID, userID, restoreKey)},
		{Text: "Approve", Data: ReviewData(model.ReviewApprove, chatID, userID, restoreKey)},
	}
	if restoreKey != "" {
		row = append(row, platform.Button{Text: "Restore", Data: ReviewData(model.ReviewRestore, chatID, userID, restoreKey)})
	}
	return platform.Keyboard{row}
}

func profileKeyboard(chatID, userID int64) platform.Keyboard {
	return platform.Keyboard{{
		{Text: "Ban", Data: ReviewData(model.ReviewBan, chatID, userID, "")},
		{Text: "Profile is fine", Data: ReviewData(model.ReviewOK, chatID, userID, "")},
		{Text: "Approve", Data: ReviewData(model.ReviewApprove, chatID, userID, "")},
	}}
}

// HandleReview applies an operator decision taken on a report. Decisions
// pressed anywhere but the operator chat of the reviewed chat are dropped.
func (e *Engine) HandleReview(ctx context.Context, review model.Review) {
	if !e.fromOperatorChat(review) {
		e.logger.Warn("review outside operator chat dropped",
			zap.Int64("chat_id", review.ChatID),
			zap.Int64("user_id", review.UserID),
			zap.Int64("report_chat_id", review.Report.ChatID),
			zap.Int64("operator_id", review.Operator.ID))
		if review.CallbackID != "" {
			_ = e.deps.Transport.AnswerCallback(ctx, review.CallbackID, "")
		}
		return
	}
	entry, hasEntry := e.restores.Get(review.RestoreKey)
	text := entry.text
	if !hasEntry {
		if snap, ok := e.deps.History.Last(review.UserID, review.ChatID); ok {
			text = snapshotText(snap.Text, snap.Caption)
		}
	}

	var summary string
	switch review.Decision {
	case model.ReviewApprove:
		e.deps.Trust.Approve(ctx, review.UserID)
		e.deps.Bans.Unban(ctx, review.UserID)
		if err := e.deps.Transport.UnbanMember(ctx, review.ChatID, review.UserID); err != nil && !platform.IsBenign(err) {
			e.logger.Debug("unban on approve failed", zap.Error(err))
		}
		if text != "" {
			if e.deps.Dedup != nil {
				e.deps.Dedup.Forget(dedup.Hash(text))
			}
			e.label(text, false)
		}
		if hasEntry {
			e.restore(ctx, entry, review.RestoreKey)
		}
		summary = "approved"

	case model.ReviewBan:
		var result AppliedResult
		e.ban(ctx, review.ChatID, review.UserID, time.Time{}, &result)
		e.deps.Bans.MarkBanned(ctx, review.UserID)
		e.deps.Trust.Revoke(ctx, review.UserID)
		if text != "" {
			e.label(text, true)
			if utf8.RuneCountInString(text) > e.cfg.BadMessageMinLength && e.deps.BadMessages != nil {
				e.deps.BadMessages.Add(ctx, dedup.Hash(text))
			}
		}
		summary = "banned"
		if result.Err != nil {
			summary = "ban failed: " + result.Err.Error()
		}

	case model.ReviewOK:
		if e.deps.Profiles != nil {
			e.deps.Profiles.MarkProfileOK(review.UserID)
		}
		summary = "profile cleared"

	case model.ReviewRestore:
		if !hasEntry {
			summary = "nothing to restore"
			break
		}
		e.restore(ctx, entry, review.RestoreKey)
		summary = "restored"
	}

	e.deps.Audit.Log(ctx, audit.LevelInfo, review.ChatID, review.UserID, "review_"+string(review.Decision),
		fmt.Sprintf("%s by %s", summary, review.Operator.Label()))
	e.closeReport(ctx, review, summary)
}

func (e *Engine) restore(ctx context.Context, entry restoreEntry, key string) {
	if !e.restores.Remove(key) {
		return
	}
	_, err := e.deps.Transport.SendMessage(ctx, platform.OutgoingMessage{
		To:     platform.DestinationOf(entry.ref),
		Text:   fmt.Sprintf("Restored message from %s:\n%s", entry.user.Label(), entry.text),
		Silent: true,
	})
	if err != nil {
		e.deps.Metrics.PlatformFailure("restore")
		e.logger.Warn("restore failed", zap.Int64("chat_id", entry.ref.ChatID), zap.Error(err))
	}
}

// label hands an operator decision to the classifier without waiting.
func (e *Engine) label(text string, spam bool) {
	if e.deps.Labeler == nil {
		return
	}
	e.deps.Scheduler.Go("label example", func(ctx context.Context) {
		if err := e.deps.Labeler.AddLabeledExample(ctx, text, spam); err != nil {
			e.logger.Warn("labeled example rejected", zap.Bool("spam", spam), zap.Error(err))
		}
	})
}

// fromOperatorChat reports whether the pressed report lives where reports
// about the reviewed chat are sent. Discord reports live in a channel.
func (e *Engine) fromOperatorChat(review model.Review) bool {
	admin := e.deps.Audit.AdminChat(review.ChatID)
	if admin == 0 {
		return false
	}
	return review.Report.ChatID == admin || review.Report.ChannelID == admin
}

func (e *Engine) closeReport(ctx context.Context, review model.Review, summary string) {
	if review.CallbackID != "" {
		if err := e.deps.Transport.AnswerCallback(ctx, review.CallbackID, summary); err != nil && !platform.IsBenign(err) {
			e.logger.Debug("callback answer failed", zap.Error(err))
		}
	}
	if review.Report.IsZero() {
		return
	}
	if err := e.deps.Transport.EditMessageMarkup(ctx, review.Report, nil); err != nil && !platform.IsBenign(err) {
		e.logger.Debug("report markup not cleared", zap.Error(err))
	}
	_, _ = e.deps.Transport.SendMessage(ctx, platform.OutgoingMessage{
		To:      platform.DestinationOf(review.Report),
		Text:    fmt.Sprintf("%s by %s", summary, review.Operator.Label()),
		ReplyTo: &review.Report,
		Silent:  true,
	})
}

// ReportSanction tells operators that someone else banned or restricted a
// member, with the member's last words.
func (e *Engine) ReportSanction(ctx context.Context, chat model.ChatRef, sanction model.Sanction) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s was %s in %s", sanction.User.Label(), sanction.Kind, chat.Title)
	if sanction.By.ID != 0 {
		fmt.Fprintf(&b, " by %s", sanction.By.Label())
	}
	if snap, ok := e.deps.History.Last(sanction.User.ID, chat.ID); ok {
		fmt.Fprintf(&b, "\nLast message (%s):\n%s", snap.At.UTC().Format(time.RFC3339), truncate(snapshotText(snap.Text, snap.Caption), 600))
	} else {
		b.WriteString("\nNo recent messages.")
	}

	e.deps.Audit.Log(ctx, audit.LevelInfo, chat.ID, sanction.User.ID, "member_"+string(sanction.Kind), b.String())
	_, _ = e.deps.Audit.Notify(ctx, audit.Notice{ChatID: chat.ID, Text: b.String()})
}

func snapshotText(text, caption string) string {
	if text != "" {
		return text
	}
	return caption
}
