package telegram

import (
	"testing"

	"chatguard/internal/captcha"
	"chatguard/internal/escalation"
	"chatguard/internal/model"
	"chatguard/internal/platform"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = 999

var group = &tgbotapi.Chat{ID: -100, Type: "supergroup", Title: "Go chat", LinkedChatID: -300}

func TestTranslateMessage(t *testing.T) {
	events := translate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:    10,
		Date:         1_700_000_000,
		Chat:         group,
		From:         &tgbotapi.User{ID: 7, FirstName: "Ann", LastName: "Lee", UserName: "ann"},
		Caption:      "look",
		Photo:        []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
		MediaGroupID: "album",
		ReplyMarkup: &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
			{tgbotapi.NewInlineKeyboardButtonURL("click", "https://spam.example")},
		}},
	}}, selfID)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, model.EventMessage, ev.Kind)
	msg := ev.Message
	require.NotNil(t, msg)
	assert.Equal(t, model.MessageRef{ChatID: -100, MessageID: 10}, msg.Ref)
	assert.Equal(t, model.ChatSupergroup, msg.Chat.Kind)
	assert.Equal(t, int64(-300), msg.Chat.LinkedChannelID)
	assert.Equal(t, "Ann Lee", msg.From.DisplayName)
	assert.Equal(t, "large", msg.PhotoRef)
	assert.Equal(t, "album", msg.MediaGroupID)
	assert.True(t, msg.HasMarkup)
	assert.False(t, msg.Edited)
	assert.Equal(t, int64(1_700_000_000), msg.SentAt.Unix())
}

func TestTranslateEditedMessage(t *testing.T) {
	events := translate(tgbotapi.Update{EditedMessage: &tgbotapi.Message{
		MessageID: 11,
		Chat:      group,
		From:      &tgbotapi.User{ID: 7, FirstName: "Ann"},
		Text:      "edited",
	}}, selfID)
	require.Len(t, events, 1)
	assert.True(t, events[0].Message.Edited)
}

func TestTranslateJoinsAndLeaves(t *testing.T) {
	events := translate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      12,
		Chat:           group,
		From:           &tgbotapi.User{ID: 1},
		NewChatMembers: []tgbotapi.User{{ID: 7, FirstName: "Ann"}, {ID: 8, FirstName: "Bob", IsBot: true}},
	}}, selfID)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, model.EventJoin, ev.Kind)
		require.NotNil(t, ev.JoinRef)
		assert.Equal(t, int64(12), ev.JoinRef.MessageID)
	}
	assert.Equal(t, int64(7), events[0].User.ID)
	assert.True(t, events[1].User.IsBot)

	events = translate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      13,
		Chat:           group,
		LeftChatMember: &tgbotapi.User{ID: 7},
	}}, selfID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventLeave, events[0].Kind)
}

func TestTranslateCallbacks(t *testing.T) {
	report := &tgbotapi.Message{MessageID: 50, Chat: &tgbotapi.Chat{ID: -500, Type: "group"}}

	events := translate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Message: report,
		Data:    captcha.CallbackData(7, 3),
	}}, selfID)
	require.Len(t, events, 1)
	answer := events[0].Answer
	require.NotNil(t, answer)
	assert.Equal(t, model.Answer{ChatID: -500, UserID: 7, PresserID: 7, Option: 3, CallbackID: "cb1"}, *answer)

	events = translate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb2",
		From:    &tgbotapi.User{ID: 1, FirstName: "Admin"},
		Message: report,
		Data:    escalation.ReviewData(model.ReviewBan, -100, 7, ""),
	}}, selfID)
	require.Len(t, events, 1)
	review := events[0].Review
	require.NotNil(t, review)
	assert.Equal(t, model.ReviewBan, review.Decision)
	assert.Equal(t, int64(-100), review.ChatID)
	assert.Equal(t, model.MessageRef{ChatID: -500, MessageID: 50}, review.Report)
	assert.Equal(t, "Admin", review.Operator.DisplayName)

	assert.Empty(t, translate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb3", From: &tgbotapi.User{ID: 1}, Message: report, Data: "unknown",
	}}, selfID))
}

func TestTranslateMemberUpdates(t *testing.T) {
	member := func(status string, by int64) tgbotapi.Update {
		return tgbotapi.Update{ChatMember: &tgbotapi.ChatMemberUpdated{
			Chat:          *group,
			From:          tgbotapi.User{ID: by, FirstName: "Mod"},
			NewChatMember: tgbotapi.ChatMember{User: &tgbotapi.User{ID: 7}, Status: status},
		}}
	}

	events := translate(member("kicked", 1), selfID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSanction, events[0].Kind)
	assert.Equal(t, model.SanctionBanned, events[0].Sanction.Kind)
	assert.Equal(t, "Mod", events[0].Sanction.By.DisplayName)

	events = translate(member("restricted", 1), selfID)
	require.Len(t, events, 1)
	assert.Equal(t, model.SanctionRestricted, events[0].Sanction.Kind)

	assert.Empty(t, translate(member("kicked", selfID), selfID))

	events = translate(member("left", 7), selfID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventLeave, events[0].Kind)

	assert.Empty(t, translate(member("member", 7), selfID))
}

func TestInlineMarkup(t *testing.T) {
	markup := inlineMarkup(platform.Keyboard{
		{{Text: "Ban", Data: "rv:ban:1:2"}, {Text: "Site", URL: "https://example.org"}},
	})
	require.Len(t, markup.InlineKeyboard, 1)
	row := markup.InlineKeyboard[0]
	require.Len(t, row, 2)
	require.NotNil(t, row[0].CallbackData)
	assert.Equal(t, "rv:ban:1:2", *row[0].CallbackData)
	require.NotNil(t, row[1].URL)
	assert.Equal(t, "https://example.org", *row[1].URL)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc…", clip("abcdefgh", 4))
}
