// Package telegram adapts the Telegram Bot API to the platform transport and
// turns long-poll updates into engine events.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/model"
	"chatguard/internal/platform"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	maxText     = 4096
	maxCaption  = 1024
	maxDownload = 10 << 20
)

type Client struct {
	api         *tgbotapi.BotAPI
	http        *http.Client
	pollTimeout int
	logger      *zap.Logger
}

func New(cfg config.TelegramConfig, logger *zap.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 60
	}
	logger.Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	return &Client{
		api:         api,
		http:        &http.Client{Timeout: 30 * time.Second},
		pollTimeout: timeout,
		logger:      logger,
	}, nil
}

// SelfID is the bot's own user id.
func (c *Client) SelfID() int64 {
	return c.api.Self.ID
}

func (c *Client) SendMessage(ctx context.Context, msg platform.OutgoingMessage) (model.MessageRef, error) {
	var chattable tgbotapi.Chattable
	if msg.PhotoRef != "" {
		photo := tgbotapi.NewPhoto(msg.To.ChatID, tgbotapi.FileID(msg.PhotoRef))
		photo.Caption = clip(msg.Text, maxCaption)
		photo.DisableNotification = msg.Silent
		if msg.ReplyTo != nil {
			photo.ReplyToMessageID = int(msg.ReplyTo.MessageID)
		}
		if len(msg.Keyboard) > 0 {
			photo.ReplyMarkup = inlineMarkup(msg.Keyboard)
		}
		chattable = photo
	} else {
		text := tgbotapi.NewMessage(msg.To.ChatID, clip(msg.Text, maxText))
		text.DisableNotification = msg.Silent
		text.DisableWebPagePreview = true
		if msg.ReplyTo != nil {
			text.ReplyToMessageID = int(msg.ReplyTo.MessageID)
			text.AllowSendingWithoutReply = true
		}
		if len(msg.Keyboard) > 0 {
			text.ReplyMarkup = inlineMarkup(msg.Keyboard)
		}
		chattable = text
	}
	sent, err := c.api.Send(chattable)
	if err != nil {
		return model.MessageRef{}, fmt.Errorf("send message: %w", err)
	}
	return model.MessageRef{ChatID: sent.Chat.ID, MessageID: int64(sent.MessageID)}, nil
}

func (c *Client) DeleteMessage(ctx context.Context, ref model.MessageRef) error {
	return c.request(tgbotapi.NewDeleteMessage(ref.ChatID, int(ref.MessageID)))
}

func (c *Client) RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	return c.request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		UntilDate:        until.Unix(),
		Permissions:      &tgbotapi.ChatPermissions{},
	})
}

func (c *Client) BanMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		RevokeMessages:   until.IsZero(),
	}
	if !until.IsZero() {
		cfg.UntilDate = until.Unix()
	}
	return c.request(cfg)
}

func (c *Client) UnbanMember(ctx context.Context, chatID, userID int64) error {
	return c.request(tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		OnlyIfBanned:     true,
	})
}

func (c *Client) EditMessageMarkup(ctx context.Context, ref model.MessageRef, keyboard platform.Keyboard) error {
	markup := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	if len(keyboard) > 0 {
		markup = inlineMarkup(keyboard)
	}
	return c.request(tgbotapi.NewEditMessageReplyMarkup(ref.ChatID, int(ref.MessageID), markup))
}

func (c *Client) ForwardMessage(ctx context.Context, to platform.Destination, ref model.MessageRef) (model.MessageRef, error) {
	sent, err := c.api.Send(tgbotapi.NewForward(to.ChatID, ref.ChatID, int(ref.MessageID)))
	if err != nil {
		return model.MessageRef{}, fmt.Errorf("forward message: %w", err)
	}
	return model.MessageRef{ChatID: sent.Chat.ID, MessageID: int64(sent.MessageID)}, nil
}

// GetChatInfo reads the user's bio and avatar through their private chat.
func (c *Client) GetChatInfo(ctx context.Context, userID int64) (platform.ChatInfo, error) {
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: userID}})
	if err != nil {
		return platform.ChatInfo{}, fmt.Errorf("get chat: %w", err)
	}
	info := platform.ChatInfo{Bio: chat.Bio}
	if chat.Photo != nil {
		info.AvatarRef = chat.Photo.SmallFileID
	}
	return info, nil
}

func (c *Client) DownloadFile(ctx context.Context, ref string) ([]byte, error) {
	url, err := c.api.GetFileDirectURL(ref)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownload))
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.request(tgbotapi.NewCallback(callbackID, text))
}

func (c *Client) request(chattable tgbotapi.Chattable) error {
	if _, err := c.api.Request(chattable); err != nil {
		return err
	}
	return nil
}

func inlineMarkup(keyboard platform.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

var _ platform.Transport = (*Client)(nil)
