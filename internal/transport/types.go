package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

// Update is one inbound event from the chat platform.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       string
	FromUsername string
	Text         string
	IsGroup      bool
}

// MessageRef identifies a delivered message for audit/trace purposes.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Presence is the platform-reported availability of a user.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceDND     Presence = "dnd"
	PresenceOffline Presence = "offline"
)

// Adapter abstracts the messaging platform.
//
// User and channel identifiers are opaque strings owned by the adapter.
// For the Telegram adapter a user id is the numeric id of the private chat
// and a channel id is a forum topic thread id inside the home group.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// SendDM delivers text directly to a user.
	SendDM(ctx context.Context, userID string, text string) (MessageRef, error)
	// SendChannel delivers text to a shared channel.
	SendChannel(ctx context.Context, channelID string, text string) (MessageRef, error)

	// Presence reports the user's availability. Adapters that cannot observe
	// presence return their best approximation, never an error for "unknown".
	Presence(ctx context.Context, userID string) (Presence, error)

	// Mention renders a user reference that pings the user when embedded in
	// channel text.
	Mention(userID string) string
}

// ChannelProvisioner is an optional adapter capability used by upgrade steps
// to ensure a shared channel exists. created is false when the channel was
// already there.
type ChannelProvisioner interface {
	EnsureChannel(ctx context.Context, name string) (channelID string, created bool, err error)
	RemoveChannel(ctx context.Context, channelID string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
