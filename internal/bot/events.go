package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatguard/internal/captcha"
	"chatguard/internal/escalation"
	"chatguard/internal/model"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Handler receives translated events.
type Handler func(ctx context.Context, ev model.Event)

// Run opens the gateway and feeds events to handle until ctx is done.
func (b *Bot) Run(ctx context.Context, handle Handler) error {
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.logger.Info("discord ready", zap.String("user", r.User.Username))
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if ev, ok := messageEvent(m.Message, b.guildName(m.GuildID), false); ok {
			handle(ctx, ev)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		if ev, ok := messageEvent(m.Message, b.guildName(m.GuildID), true); ok {
			handle(ctx, ev)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.Member == nil || m.User == nil {
			return
		}
		handle(ctx, model.Event{Kind: model.EventJoin, Chat: b.guildRef(m.GuildID), User: memberRef(m.Member)})
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.Member == nil || m.User == nil {
			return
		}
		handle(ctx, model.Event{Kind: model.EventLeave, Chat: b.guildRef(m.GuildID), User: memberRef(m.Member)})
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildBanAdd) {
		if ev, ok := b.banEvent(s, m); ok {
			handle(ctx, ev)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if ev, ok := b.timeoutEvent(s, m); ok {
			handle(ctx, ev)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if ev, ok := componentEvent(i.Interaction); ok {
			handle(ctx, ev)
		}
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	<-ctx.Done()
	b.logger.Info("discord session closing")
	return b.session.Close()
}

func messageEvent(m *discordgo.Message, guildName string, edited bool) (model.Event, bool) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return model.Event{}, false
	}
	chat := model.ChatRef{ID: snowflake(m.GuildID), Title: guildName, Kind: model.ChatSupergroup}
	if m.GuildID == "" {
		chat = model.ChatRef{ID: snowflake(m.ChannelID), Kind: model.ChatPrivate}
	}
	from := userRef(m.Author)
	if m.Member != nil && m.Member.Nick != "" {
		from.DisplayName = m.Member.Nick
	}

	msg := &model.Message{
		Ref:       model.MessageRef{ChatID: chat.ID, ChannelID: snowflake(m.ChannelID), MessageID: snowflake(m.ID)},
		Chat:      chat,
		From:      from,
		Text:      m.Content,
		HasMarkup: len(m.Components) > 0,
		IsSticker: len(m.StickerItems) > 0,
		Edited:    edited,
		SentAt:    m.Timestamp,
	}
	if m.WebhookID != "" {
		msg.SenderChat = &model.ChatRef{ID: snowflake(m.WebhookID), Title: m.Author.Username, Kind: model.ChatChannel}
	}
	for _, a := range m.Attachments {
		if a != nil && strings.HasPrefix(a.ContentType, "image/") {
			msg.PhotoRef = a.URL
			break
		}
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ReplyTo = &model.MessageRef{ChatID: chat.ID, ChannelID: snowflake(m.MessageReference.ChannelID), MessageID: snowflake(m.MessageReference.MessageID)}
	}
	return model.Event{Kind: model.EventMessage, Chat: chat, User: from, Message: msg}, true
}

func componentEvent(i *discordgo.Interaction) (model.Event, bool) {
	if i == nil || i.Type != discordgo.InteractionMessageComponent || i.Message == nil {
		return model.Event{}, false
	}
	var presser model.UserRef
	switch {
	case i.Member != nil && i.Member.User != nil:
		presser = memberRef(i.Member)
	case i.User != nil:
		presser = userRef(i.User)
	default:
		return model.Event{}, false
	}
	chat := model.ChatRef{ID: snowflake(i.GuildID), Kind: model.ChatSupergroup}
	if i.GuildID == "" {
		chat = model.ChatRef{ID: snowflake(i.ChannelID), Kind: model.ChatPrivate}
	}
	callbackID := i.ID + ":" + i.Token
	data := i.MessageComponentData().CustomID

	if userID, option, ok := captcha.ParseCallbackData(data); ok {
		return model.Event{
			Kind: model.EventCaptchaAnswer,
			Chat: chat,
			User: presser,
			Answer: &model.Answer{
				ChatID:     chat.ID,
				UserID:     userID,
				PresserID:  presser.ID,
				Option:     option,
				CallbackID: callbackID,
			},
		}, true
	}
	if review, ok := escalation.ParseReviewData(data); ok {
		review.Operator = presser
		review.Report = model.MessageRef{ChatID: chat.ID, ChannelID: snowflake(i.ChannelID), MessageID: snowflake(i.Message.ID)}
		review.CallbackID = callbackID
		return model.Event{Kind: model.EventReview, Chat: chat, User: presser, Review: &review}, true
	}
	return model.Event{}, false
}

func (b *Bot) banEvent(s *discordgo.Session, m *discordgo.GuildBanAdd) (model.Event, bool) {
	if m.GuildID == "" || m.User == nil {
		return model.Event{}, false
	}
	chat := b.guildRef(m.GuildID)
	user := userRef(m.User)
	if b.isOwn("ban", chat.ID, user.ID) {
		return model.Event{}, false
	}
	actor := b.resolveAuditActor(m.GuildID, discordgo.AuditLogActionMemberBanAdd, m.User.ID)
	if s.State != nil && s.State.User != nil && actor == s.State.User.ID {
		return model.Event{}, false
	}
	return model.Event{Kind: model.EventSanction, Chat: chat, User: user,
		Sanction: &model.Sanction{Kind: model.SanctionBanned, User: user, By: model.UserRef{ID: snowflake(actor)}}}, true
}

func (b *Bot) timeoutEvent(s *discordgo.Session, m *discordgo.GuildMemberUpdate) (model.Event, bool) {
	if m.Member == nil || m.User == nil || m.CommunicationDisabledUntil == nil || !m.CommunicationDisabledUntil.After(time.Now()) {
		return model.Event{}, false
	}
	if m.BeforeUpdate != nil && m.BeforeUpdate.CommunicationDisabledUntil != nil &&
		m.BeforeUpdate.CommunicationDisabledUntil.Equal(*m.CommunicationDisabledUntil) {
		return model.Event{}, false
	}
	chat := b.guildRef(m.GuildID)
	user := memberRef(m.Member)
	if b.isOwn("timeout", chat.ID, user.ID) {
		return model.Event{}, false
	}
	actor := b.resolveAuditActor(m.GuildID, discordgo.AuditLogActionMemberUpdate, m.User.ID)
	if s.State != nil && s.State.User != nil && actor == s.State.User.ID {
		return model.Event{}, false
	}
	return model.Event{Kind: model.EventSanction, Chat: chat, User: user,
		Sanction: &model.Sanction{Kind: model.SanctionRestricted, User: user, By: model.UserRef{ID: snowflake(actor)}}}, true
}

// resolveAuditActor finds who performed a recent moderation action.
func (b *Bot) resolveAuditActor(guildID string, actionType discordgo.AuditLogAction, targetID string) string {
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(actionType), 5)
	if err != nil || logs == nil {
		b.logger.Debug("audit log lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		return ""
	}
	for _, entry := range logs.AuditLogEntries {
		if entry == nil || entry.TargetID != targetID {
			continue
		}
		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err == nil && time.Since(ts) > 30*time.Second {
			continue
		}
		return entry.UserID
	}
	return ""
}

func (b *Bot) guildName(guildID string) string {
	if guildID == "" || b.session.State == nil {
		return ""
	}
	if guild, err := b.session.State.Guild(guildID); err == nil {
		return guild.Name
	}
	return ""
}

func (b *Bot) guildRef(guildID string) model.ChatRef {
	return model.ChatRef{ID: snowflake(guildID), Title: b.guildName(guildID), Kind: model.ChatSupergroup}
}

func userRef(u *discordgo.User) model.UserRef {
	return model.UserRef{
		ID:          snowflake(u.ID),
		DisplayName: u.Username,
		Username:    u.Username,
		IsBot:       u.Bot,
	}
}

func memberRef(m *discordgo.Member) model.UserRef {
	ref := userRef(m.User)
	if m.Nick != "" {
		ref.DisplayName = m.Nick
	}
	return ref
}
