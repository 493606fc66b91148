// Package contentai asks an OpenAI-compatible model how likely a profile or a
// message is to be bait or spam.
package contentai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatguard/internal/config"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/golang-lru/v2/expirable"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel   = "google/gemini-2.5-flash"
	profileTTL     = 24 * time.Hour
	profileEntries = 20000
)

var errEmptyAnswer = errors.New("empty model answer")

// Verdict is a probability in [0, 1] with the model's one-line reason.
type Verdict struct {
	Probability float64 `json:"probability"`
	Reason      string  `json:"reason"`
}

// Profile is what a user shows to others before they write anything.
type Profile struct {
	UserID   int64
	Name     string
	Username string
	Bio      string
	Avatar   []byte
}

type Client struct {
	api      *openai.Client
	model    string
	profiles *expirable.LRU[int64, Verdict]
}

// NewClient returns nil when no API key is configured.
func NewClient(cfg config.ContentAIConfig) *Client {
	if cfg.APIKey == "" {
		return nil
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		api:      openai.NewClientWithConfig(apiCfg),
		model:    model,
		profiles: expirable.NewLRU[int64, Verdict](profileEntries, nil, profileTTL),
	}
}

// CachedProfile returns a verdict still held for the user, if any.
func (c *Client) CachedProfile(userID int64) (Verdict, bool) {
	return c.profiles.Get(userID)
}

// AnalyzeProfile rates a profile as attention bait. Answers are cached per
// user for a day.
func (c *Client) AnalyzeProfile(ctx context.Context, p Profile) (Verdict, error) {
	if cached, ok := c.profiles.Get(p.UserID); ok {
		return cached, nil
	}
	if p.Bio == "" && len(p.Avatar) == 0 {
		verdict := Verdict{}
		c.profiles.Add(p.UserID, verdict)
		return verdict, nil
	}

	var b strings.Builder
	b.WriteString("Rate from 0 to 1 how likely this chat profile is bait: a profile made to lure people off-platform ")
	b.WriteString("(dating, adult content, investments, job offers, paid channels).\n")
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	if p.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", p.Username)
	}
	if p.Bio != "" {
		fmt.Fprintf(&b, "Bio: %s\n", p.Bio)
	}
	if len(p.Avatar) > 0 {
		b.WriteString("The avatar is attached.\n")
	}

	verdict, err := c.ask(ctx, b.String(), p.Avatar)
	if err != nil {
		return Verdict{}, fmt.Errorf("profile %d: %w", p.UserID, err)
	}
	c.profiles.Add(p.UserID, verdict)
	return verdict, nil
}

// MarkProfileOK pins a zero verdict after an operator cleared the user.
func (c *Client) MarkProfileOK(userID int64) {
	c.profiles.Add(userID, Verdict{Reason: "cleared by operator"})
}

// AnalyzeMessageContent rates a message as spam. Either part may be empty.
func (c *Client) AnalyzeMessageContent(ctx context.Context, text string, image []byte) (Verdict, error) {
	if text == "" && len(image) == 0 {
		return Verdict{}, nil
	}
	var b strings.Builder
	b.WriteString("Rate from 0 to 1 how likely this group chat message is spam or a scam ")
	b.WriteString("(advertising, crypto or earning offers, adult bait, recruiting into other chats).\n")
	if text != "" {
		fmt.Fprintf(&b, "Message:\n%s\n", text)
	}
	if len(image) > 0 {
		b.WriteString("The message image is attached.\n")
	}
	verdict, err := c.ask(ctx, b.String(), image)
	if err != nil {
		return Verdict{}, fmt.Errorf("message content: %w", err)
	}
	return verdict, nil
}

const systemPrompt = `You are a moderation assistant for public group chats.
Answer with a JSON object only: {"probability": <number 0..1>, "reason": "<short reason>"}.`

func (c *Client) ask(ctx context.Context, prompt string, image []byte) (Verdict, error) {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(image) > 0 {
		dataURL, err := imageDataURL(image)
		if err != nil {
			return Verdict{}, err
		}
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailLow}},
		}
	} else {
		user.Content = prompt
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			user,
		},
		Temperature:    0.1,
		MaxTokens:      200,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, errEmptyAnswer
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return Verdict{}, errEmptyAnswer
	}
	var verdict Verdict
	if err := sonic.UnmarshalString(content, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	verdict.Probability = min(max(verdict.Probability, 0), 1)
	return verdict, nil
}
