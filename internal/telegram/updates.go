package telegram

import (
	"context"
	"errors"
	"strings"

	"chatguard/internal/captcha"
	"chatguard/internal/escalation"
	"chatguard/internal/model"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Handler receives translated events.
type Handler func(ctx context.Context, ev model.Event)

// Run long-polls for updates until ctx is done.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	u.AllowedUpdates = []string{"message", "edited_message", "callback_query", "chat_member"}

	updates := c.api.GetUpdatesChan(u)
	c.logger.Info("telegram long poll started")
	for {
		select {
		case <-ctx.Done():
			c.api.StopReceivingUpdates()
			c.logger.Info("telegram long poll stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			for _, ev := range translate(update, c.SelfID()) {
				handle(ctx, ev)
			}
		}
	}
}

func translate(update tgbotapi.Update, selfID int64) []model.Event {
	switch {
	case update.Message != nil:
		return translateMessage(update.Message, false)
	case update.EditedMessage != nil:
		return translateMessage(update.EditedMessage, true)
	case update.CallbackQuery != nil:
		if ev, ok := translateCallback(update.CallbackQuery); ok {
			return []model.Event{ev}
		}
	case update.ChatMember != nil:
		if ev, ok := translateMember(update.ChatMember, selfID); ok {
			return []model.Event{ev}
		}
	}
	return nil
}

func translateMessage(m *tgbotapi.Message, edited bool) []model.Event {
	if m.Chat == nil {
		return nil
	}
	chat := chatRef(m.Chat)
	ref := model.MessageRef{ChatID: m.Chat.ID, MessageID: int64(m.MessageID)}

	if len(m.NewChatMembers) > 0 {
		events := make([]model.Event, 0, len(m.NewChatMembers))
		for _, u := range m.NewChatMembers {
			join := ref
			events = append(events, model.Event{Kind: model.EventJoin, Chat: chat, User: userRef(&u), JoinRef: &join})
		}
		return events
	}
	if m.LeftChatMember != nil {
		return []model.Event{{Kind: model.EventLeave, Chat: chat, User: userRef(m.LeftChatMember)}}
	}
	if m.From == nil {
		return nil
	}

	msg := &model.Message{
		Ref:          ref,
		Chat:         chat,
		From:         userRef(m.From),
		Text:         m.Text,
		Caption:      m.Caption,
		HasMarkup:    m.ReplyMarkup != nil && len(m.ReplyMarkup.InlineKeyboard) > 0,
		IsSticker:    m.Sticker != nil,
		MediaGroupID: m.MediaGroupID,
		Edited:       edited,
		SentAt:       m.Time(),
	}
	if m.SenderChat != nil {
		sender := chatRef(m.SenderChat)
		msg.SenderChat = &sender
	}
	if n := len(m.Photo); n > 0 {
		msg.PhotoRef = m.Photo[n-1].FileID
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = &model.MessageRef{ChatID: m.Chat.ID, MessageID: int64(m.ReplyToMessage.MessageID)}
	}
	return []model.Event{{Kind: model.EventMessage, Chat: chat, User: msg.From, Message: msg}}
}

func translateCallback(q *tgbotapi.CallbackQuery) (model.Event, bool) {
	if q.Message == nil || q.Message.Chat == nil || q.From == nil {
		return model.Event{}, false
	}
	chat := chatRef(q.Message.Chat)
	presser := userRef(q.From)

	if userID, option, ok := captcha.ParseCallbackData(q.Data); ok {
		return model.Event{
			Kind: model.EventCaptchaAnswer,
			Chat: chat,
			User: presser,
			Answer: &model.Answer{
				ChatID:     chat.ID,
				UserID:     userID,
				PresserID:  presser.ID,
				Option:     option,
				CallbackID: q.ID,
			},
		}, true
	}
	if review, ok := escalation.ParseReviewData(q.Data); ok {
		review.Operator = presser
		review.Report = model.MessageRef{ChatID: chat.ID, MessageID: int64(q.Message.MessageID)}
		review.CallbackID = q.ID
		return model.Event{Kind: model.EventReview, Chat: chat, User: presser, Review: &review}, true
	}
	return model.Event{}, false
}

// translateMember reports leaves and sanctions applied by someone other than
// the bot. Joins arrive as service messages.
func translateMember(u *tgbotapi.ChatMemberUpdated, selfID int64) (model.Event, bool) {
	if u.NewChatMember.User == nil {
		return model.Event{}, false
	}
	chat := chatRef(&u.Chat)
	user := userRef(u.NewChatMember.User)
	by := userRef(&u.From)

	switch u.NewChatMember.Status {
	case "left":
		return model.Event{Kind: model.EventLeave, Chat: chat, User: user}, true
	case "kicked":
		if by.ID == selfID {
			return model.Event{}, false
		}
		return model.Event{Kind: model.EventSanction, Chat: chat, User: user,
			Sanction: &model.Sanction{Kind: model.SanctionBanned, User: user, By: by}}, true
	case "restricted":
		if by.ID == selfID || u.NewChatMember.CanSendMessages {
			return model.Event{}, false
		}
		return model.Event{Kind: model.EventSanction, Chat: chat, User: user,
			Sanction: &model.Sanction{Kind: model.SanctionRestricted, User: user, By: by}}, true
	}
	return model.Event{}, false
}

func chatRef(c *tgbotapi.Chat) model.ChatRef {
	return model.ChatRef{
		ID:              c.ID,
		Title:           c.Title,
		Kind:            model.ChatKind(c.Type),
		Username:        c.UserName,
		LinkedChannelID: c.LinkedChatID,
	}
}

func userRef(u *tgbotapi.User) model.UserRef {
	return model.UserRef{
		ID:          u.ID,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		Username:    u.UserName,
		IsBot:       u.IsBot,
	}
}
