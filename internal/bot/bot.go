// Package bot adapts a Discord gateway session to the platform transport.
// Guild ids play the role of chats and channel ids address messages inside
// them.
package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/model"
	"chatguard/internal/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	maxContent      = 2000
	maxRowButtons   = 5
	maxDownload     = 10 << 20
	selfActionSpan  = time.Minute
	sanctionsReason = "chatguard"
)

type Bot struct {
	session *discordgo.Session
	http    *http.Client
	logger  *zap.Logger

	// own records sanctions this bot issued so gateway echoes of them are not
	// reported as sanctions by someone else.
	ownMu sync.Mutex
	own   map[string]time.Time
}

func New(cfg config.DiscordConfig, logger *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages

	return &Bot{
		session: session,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		own:     make(map[string]time.Time),
	}, nil
}

func (b *Bot) SendMessage(ctx context.Context, msg platform.OutgoingMessage) (model.MessageRef, error) {
	channelID := b.channelFor(msg.To)
	send := &discordgo.MessageSend{
		Content:    clip(msg.Text, maxContent),
		Components: components(msg.Keyboard),
	}
	if msg.PhotoRef != "" {
		send.Embeds = []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: msg.PhotoRef}}}
	}
	if msg.ReplyTo != nil && msg.ReplyTo.MessageID != 0 {
		send.Reference = &discordgo.MessageReference{
			MessageID: sid(msg.ReplyTo.MessageID),
			ChannelID: channelID,
		}
	}
	sent, err := b.session.ChannelMessageSendComplex(channelID, send)
	if err != nil {
		return model.MessageRef{}, fmt.Errorf("send message: %w", err)
	}
	return model.MessageRef{ChatID: msg.To.ChatID, ChannelID: snowflake(sent.ChannelID), MessageID: snowflake(sent.ID)}, nil
}

func (b *Bot) DeleteMessage(ctx context.Context, ref model.MessageRef) error {
	return b.session.ChannelMessageDelete(sid(ref.ChannelID), sid(ref.MessageID))
}

// RestrictMember uses a member timeout.
func (b *Bot) RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	b.markOwn("timeout", chatID, userID)
	return b.session.GuildMemberTimeout(sid(chatID), sid(userID), &until)
}

// BanMember bans from the guild. Discord has no timed bans, so a non-zero
// until only skips message purging; the caller schedules the unban.
func (b *Bot) BanMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	days := 0
	if until.IsZero() {
		days = 1
	}
	b.markOwn("ban", chatID, userID)
	return b.session.GuildBanCreateWithReason(sid(chatID), sid(userID), sanctionsReason, days)
}

func (b *Bot) UnbanMember(ctx context.Context, chatID, userID int64) error {
	return b.session.GuildBanDelete(sid(chatID), sid(userID))
}

func (b *Bot) EditMessageMarkup(ctx context.Context, ref model.MessageRef, keyboard platform.Keyboard) error {
	edit := discordgo.NewMessageEdit(sid(ref.ChannelID), sid(ref.MessageID))
	edit.Components = components(keyboard)
	if edit.Components == nil {
		edit.Components = []discordgo.MessageComponent{}
	}
	_, err := b.session.ChannelMessageEditComplex(edit)
	return err
}

func (b *Bot) ForwardMessage(ctx context.Context, to platform.Destination, ref model.MessageRef) (model.MessageRef, error) {
	return model.MessageRef{}, platform.ErrUnsupported
}

// GetChatInfo returns the avatar only; bots cannot read Discord bios.
func (b *Bot) GetChatInfo(ctx context.Context, userID int64) (platform.ChatInfo, error) {
	user, err := b.session.User(sid(userID))
	if err != nil {
		return platform.ChatInfo{}, fmt.Errorf("get user: %w", err)
	}
	info := platform.ChatInfo{}
	if user.Avatar != "" {
		info.AvatarRef = user.AvatarURL("256")
	}
	return info, nil
}

func (b *Bot) DownloadFile(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownload))
}

// AnswerCallback answers a component interaction. The callback id carries
// the interaction id and token.
func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	id, token, ok := strings.Cut(callbackID, ":")
	if !ok {
		return fmt.Errorf("malformed callback id %q", callbackID)
	}
	data := &discordgo.InteractionResponseData{Content: text, Flags: discordgo.MessageFlagsEphemeral}
	if text == "" {
		data.Content = "OK"
	}
	return b.session.InteractionRespond(&discordgo.Interaction{ID: id, Token: token}, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
}

// channelFor resolves a destination. A bare guild id goes to the guild's
// system channel, where join notices are posted.
func (b *Bot) channelFor(dest platform.Destination) string {
	if dest.ChannelID != 0 {
		return sid(dest.ChannelID)
	}
	id := sid(dest.ChatID)
	if b.session.State != nil {
		if guild, err := b.session.State.Guild(id); err == nil && guild.SystemChannelID != "" {
			return guild.SystemChannelID
		}
	}
	return id
}

func (b *Bot) markOwn(kind string, chatID, userID int64) {
	b.ownMu.Lock()
	defer b.ownMu.Unlock()
	now := time.Now()
	for k, at := range b.own {
		if now.Sub(at) > selfActionSpan {
			delete(b.own, k)
		}
	}
	b.own[ownKey(kind, chatID, userID)] = now
}

func (b *Bot) isOwn(kind string, chatID, userID int64) bool {
	b.ownMu.Lock()
	defer b.ownMu.Unlock()
	at, ok := b.own[ownKey(kind, chatID, userID)]
	return ok && time.Since(at) <= selfActionSpan
}

func ownKey(kind string, chatID, userID int64) string {
	return kind + ":" + sid(chatID) + ":" + sid(userID)
}

func components(keyboard platform.Keyboard) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for _, row := range keyboard {
		for start := 0; start < len(row); start += maxRowButtons {
			end := min(start+maxRowButtons, len(row))
			buttons := make([]discordgo.MessageComponent, 0, end-start)
			for _, btn := range row[start:end] {
				if btn.URL != "" {
					buttons = append(buttons, discordgo.Button{Label: btn.Text, Style: discordgo.LinkButton, URL: btn.URL})
					continue
				}
				buttons = append(buttons, discordgo.Button{Label: btn.Text, Style: discordgo.SecondaryButton, CustomID: btn.Data})
			}
			rows = append(rows, discordgo.ActionsRow{Components: buttons})
		}
	}
	return rows
}

func snowflake(id string) int64 {
	v, _ := strconv.ParseInt(id, 10, 64)
	return v
}

func sid(id int64) string {
	return strconv.FormatInt(id, 10)
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

var _ platform.Transport = (*Bot)(nil)
