// Package model holds the value types shared by the admission pipeline and the
// platform adapters.
package model

import (
	"strconv"
	"strings"
	"time"
)

type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

type ChatRef struct {
	ID       int64
	Title    string
	Kind     ChatKind
	Username string
	// LinkedChannelID is the discussion channel attached to the chat, if any.
	LinkedChannelID int64
}

type UserRef struct {
	ID          int64
	DisplayName string
	Username    string
	Bio         string
	AvatarRef   string
	IsBot       bool
}

func (u UserRef) Label() string {
	name := strings.TrimSpace(u.DisplayName)
	if name == "" {
		name = strconv.FormatInt(u.ID, 10)
	}
	if u.Username != "" {
		return name + " @" + u.Username
	}
	return name
}

// MessageRef addresses a message on the platform. ChannelID is only used by
// platforms that nest channels under a chat.
type MessageRef struct {
	ChatID    int64
	ChannelID int64
	MessageID int64
}

func (r MessageRef) IsZero() bool {
	return r.MessageID == 0
}

type Message struct {
	Ref        MessageRef
	Chat       ChatRef
	From       UserRef
	SenderChat *ChatRef
	Text       string
	Caption    string
	Quote      string
	HasMarkup  bool
	IsStory    bool
	IsSticker  bool
	PhotoRef   string
	// MediaGroupID is shared by all parts of one album.
	MediaGroupID string
	Edited       bool
	ReplyTo      *MessageRef
	SentAt       time.Time
}

// Body returns the text the pipeline evaluates: quote, then text or caption.
func (m *Message) Body() string {
	body := m.Text
	if body == "" {
		body = m.Caption
	}
	if m.Quote != "" {
		body = "> " + m.Quote + "\n" + body
	}
	return body
}

type Action int

const (
	Allow Action = iota
	ReadOnlyRestrict
	DeleteAndRestrict
	Ban
	AutoBan
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case ReadOnlyRestrict:
		return "read_only_restrict"
	case DeleteAndRestrict:
		return "delete_and_restrict"
	case Ban:
		return "ban"
	case AutoBan:
		return "auto_ban"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventJoin
	EventLeave
	EventCaptchaAnswer
	EventReview
	EventSanction
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventCaptchaAnswer:
		return "captcha_answer"
	case EventReview:
		return "review"
	case EventSanction:
		return "sanction"
	default:
		return "unknown"
	}
}

// Event is one inbound platform update, already translated by an adapter.
type Event struct {
	Kind     EventKind
	Chat     ChatRef
	User     UserRef
	Message  *Message
	JoinRef  *MessageRef
	Answer   *Answer
	Review   *Review
	Sanction *Sanction
}

// Answer is a press on a challenge button.
type Answer struct {
	ChatID     int64
	UserID     int64
	PresserID  int64
	Option     int
	CallbackID string
}

type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewBan     ReviewDecision = "ban"
	ReviewOK      ReviewDecision = "ok"
	ReviewRestore ReviewDecision = "restore"
)

// Review is an operator decision taken on a report.
type Review struct {
	Decision   ReviewDecision
	ChatID     int64
	UserID     int64
	RestoreKey string
	Operator   UserRef
	Report     MessageRef
	CallbackID string
}

type SanctionKind string

const (
	SanctionBanned     SanctionKind = "banned"
	SanctionRestricted SanctionKind = "restricted"
)

// Sanction is a ban or restriction applied by someone other than the engine.
type Sanction struct {
	Kind SanctionKind
	User UserRef
	By   UserRef
}
