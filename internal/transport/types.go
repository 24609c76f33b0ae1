package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotModified is returned by EditText when the new content equals the current one.
	ErrNotModified = errors.New("transport: message is not modified")

	// ErrRecipientUnavailable wraps sends to users who blocked the bot,
	// deleted their account or never started a private chat.
	ErrRecipientUnavailable = errors.New("transport: recipient unavailable")
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateMember  UpdateKind = "member"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Member  *MemberEvent
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromIsBot     bool
	Text          string
	IsGroup       bool

	// ReplyTo is the message this one answers (nil if none).
	ReplyTo *Message
}

// User is a chat participant as seen by the transport.
type User struct {
	ID        int64
	Username  string
	FirstName string
	IsBot     bool
}

// MemberEvent reports a user joining or leaving a group chat.
type MemberEvent struct {
	ChatID int64
	User   User
	Joined bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// AdminLister is implemented by adapters that can list a group's administrators.
type AdminLister interface {
	AdminsOf(ctx context.Context, chatID int64) ([]User, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
