// Package bus carries normalized platform events between adapters and
// handlers. Platform-specific payloads never cross this boundary.
package bus

import (
	"github.com/duskpine/vombat/internal/storage"
)

// EventKind classifies an incoming platform event.
type EventKind string

const (
	EventMessageCreated EventKind = "message_created"
	EventMessageEdited  EventKind = "message_edited"
	EventMessageDeleted EventKind = "message_deleted"
	EventCallback       EventKind = "callback"
	EventBotAdded       EventKind = "bot_added"
	EventBotRemoved     EventKind = "bot_removed"
	EventChatCreated    EventKind = "chat_created"
	EventTitleChanged   EventKind = "title_changed"
	EventUserJoined     EventKind = "user_joined"
	EventUserLeft       EventKind = "user_left"
	EventDialogMuted    EventKind = "dialog_muted"
)

// UserInfo identifies the acting user of an event.
type UserInfo struct {
	ID          int64
	Username    string
	DisplayName string
	IsBot       bool
}

// CallbackInfo carries an inline-button press.
type CallbackInfo struct {
	ID        string
	Data      string
	MessageID string
}

// IncomingEvent is the platform-agnostic inbound event. Message is set for
// message kinds, Callback for callback kind; the rest carry Chat and User
// only.
type IncomingEvent struct {
	Kind     EventKind
	Platform string
	Chat     *storage.Chat
	User     *UserInfo
	Message  *storage.Message
	Callback *CallbackInfo
	// Title is the new title for title_changed events.
	Title string
}

// ActionKind classifies an outgoing action.
type ActionKind string

const (
	ActionSendText       ActionKind = "send_text"
	ActionEditMessage    ActionKind = "edit_message"
	ActionDeleteMessages ActionKind = "delete_messages"
	ActionSendAction     ActionKind = "send_action"
	ActionPin            ActionKind = "pin"
	ActionUnpin          ActionKind = "unpin"
	ActionSendMedia      ActionKind = "send_media"
	ActionSendMediaGroup ActionKind = "send_media_group"
	ActionAnswerCallback ActionKind = "answer_callback"
)

// MediaItem is one attachment of a send_media / send_media_group action.
type MediaItem struct {
	URL      string
	MimeType string
	Caption  string
}

// OutgoingAction is the platform-agnostic outbound primitive.
type OutgoingAction struct {
	Kind       ActionKind
	Platform   string
	ChatID     int64
	ThreadID   int64
	MessageID  string
	MessageIDs []string
	ReplyTo    string
	Text       string
	// ParseMode is "markdown", "html" or "" for plain text.
	ParseMode string
	Markup    []byte
	Media     []MediaItem
	// CallbackID and CallbackText answer a callback query.
	CallbackID   string
	CallbackText string
	// Category is recorded on the persisted copy of an outgoing message.
	Category storage.MessageCategory
}
