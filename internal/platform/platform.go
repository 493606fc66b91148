// Package platform defines the contract the engine needs from a chat platform.
// Every call is fallible; callers treat errors as soft failures.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatguard/internal/model"
)

// ErrUnsupported is returned by transports for operations the platform cannot express.
var ErrUnsupported = errors.New("operation not supported by platform")

type Button struct {
	Text string
	Data string
	URL  string
}

// Keyboard is a grid of inline buttons, one slice per row.
type Keyboard [][]Button

type Destination struct {
	ChatID    int64
	ChannelID int64
}

// DestinationOf returns the place a referenced message lives in.
func DestinationOf(ref model.MessageRef) Destination {
	return Destination{ChatID: ref.ChatID, ChannelID: ref.ChannelID}
}

type OutgoingMessage struct {
	To       Destination
	Text     string
	PhotoRef string
	ReplyTo  *model.MessageRef
	Keyboard Keyboard
	Silent   bool
}

type ChatInfo struct {
	Bio       string
	AvatarRef string
}

type Transport interface {
	SendMessage(ctx context.Context, msg OutgoingMessage) (model.MessageRef, error)
	DeleteMessage(ctx context.Context, ref model.MessageRef) error
	// RestrictMember makes the member read-only until the given time.
	RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error
	// BanMember excludes the member; a zero until means permanently.
	BanMember(ctx context.Context, chatID, userID int64, until time.Time) error
	UnbanMember(ctx context.Context, chatID, userID int64) error
	EditMessageMarkup(ctx context.Context, ref model.MessageRef, keyboard Keyboard) error
	ForwardMessage(ctx context.Context, to Destination, ref model.MessageRef) (model.MessageRef, error)
	GetChatInfo(ctx context.Context, userID int64) (ChatInfo, error)
	DownloadFile(ctx context.Context, ref string) ([]byte, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

var benignFragments = []string{
	"message to delete not found",
	"message can't be deleted for everyone",
	"user_not_participant",
	"participant_id_invalid",
	"user not found",
	"not a member",
	"already unbanned",
	"message is not modified",
	"unknown message",
	"unknown ban",
	"unknown member",
	"query is too old",
}

// IsBenign reports whether err is an idempotency answer from the platform
// (already gone, already unbanned) rather than a real failure.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, fragment := range benignFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}
