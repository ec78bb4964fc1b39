package transport

import (
	"context"
	"strconv"
	"time"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCommand  UpdateKind = "command"
	UpdatePresence UpdateKind = "presence"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Command  *Command
	Presence *Presence
}

type Message struct {
	ID           int
	Target       ChatTarget
	FromID       int64
	FromUsername string
	ChatTitle    string
	Text         string
}

// Command is a parsed bot command ("/track room A" -> Name "track", Args "room A").
type Command struct {
	Name    string
	Args    string
	Message Message
}

// Presence signals a user entering or leaving a tracked space.
type Presence struct {
	Target      ChatTarget
	UserID      int64
	Username    string
	DisplayName string
	Joined      bool
	At          time.Time
}

// ChatTarget identifies one logical channel: a chat plus an optional
// forum-topic thread. It is comparable and used as a map key throughout.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
}

type MessageRef struct {
	Target    ChatTarget
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// SendDirect delivers a private message to a single user.
	SendDirect(ctx context.Context, userID int64, text string) error
}
