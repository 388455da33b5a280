package storage

import (
	"encoding/json"
	"time"
)

// ChatKind is the container type of a chat.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
	ChatForum   ChatKind = "forum"
)

// Chat is a conversational container. Created lazily on first observation.
type Chat struct {
	ID        int64
	Platform  string
	Kind      ChatKind
	Title     string
	CreatedAt time.Time
}

// ChatUser holds the per-chat attributes of a user.
type ChatUser struct {
	ChatID       int64
	UserID       int64
	DisplayName  string
	Username     string
	MessageCount int64
	Metadata     json.RawMessage
	IsSpammer    bool
	UpdatedAt    time.Time
}

// MessageCategory classifies a stored message.
type MessageCategory string

const (
	CategoryUser                MessageCategory = "user"
	CategoryUserCommand         MessageCategory = "user-command"
	CategoryChannel             MessageCategory = "channel"
	CategoryBot                 MessageCategory = "bot"
	CategoryBotCommandReply     MessageCategory = "bot-command-reply"
	CategoryBotError            MessageCategory = "bot-error"
	CategoryBotSummary          MessageCategory = "bot-summary"
	CategoryBotResended         MessageCategory = "bot-resended"
	CategoryBotSpamNotification MessageCategory = "bot-spam-notification"
	CategoryUserSpam            MessageCategory = "user-spam"
	CategoryUnspecified         MessageCategory = "unspecified"
)

// MessageType is the media kind of a message.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypePhoto     MessageType = "photo"
	TypeVideo     MessageType = "video"
	TypeAudio     MessageType = "audio"
	TypeVoice     MessageType = "voice"
	TypeDocument  MessageType = "document"
	TypeSticker   MessageType = "sticker"
	TypeAnimation MessageType = "animation"
	TypeUnknown   MessageType = "unknown"
)

// Message is a stored chat message, keyed (chat_id, message_id).
// Append-only except for category upgrades.
type Message struct {
	ChatID        int64
	MessageID     string
	Date          time.Time
	UserID        int64
	ReplyID       string
	ThreadID      int64 // 0 outside forums
	RootMessageID string
	Text          string
	Type          MessageType
	Category      MessageCategory
	Quote         string
	MediaID       string
	MediaGroupID  string
	Markup        json.RawMessage
	Metadata      json.RawMessage
}

// MediaStatus is the processing state of an attachment.
/// Transitions are monotone: new -> pending -> done|failed.
type MediaStatus string

const (
	MediaNew     MediaStatus = "new"
	MediaPending MediaStatus = "pending"
	MediaDone    MediaStatus = "done"
	MediaFailed  MediaStatus = "failed"
)

// MediaAttachment is a downloaded or pending media file.
type MediaAttachment struct {
	FileUniqueID   string
	Status         MediaStatus
	Mime           string
	Size           int64
	LocalURL       string
	PlatformFileID string
	Description    string // synthesized by a vision model
	UserPrompt     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MediaGroupItem links one message of a platform album to its group.
type MediaGroupItem struct {
	GroupID   string
	ChatID    int64
	MessageID string
	MediaID   string
	UpdatedAt time.Time
	Processed bool
}

// ChatSetting is one per-chat key-value pair. Keys come from the closed
// enumeration in the settings package; values are strings coerced by callers.
type ChatSetting struct {
	ChatID int64
	Key    string
	Value  string
}

// UserData is transient handler persistence scoped (user, chat, key).
type UserData struct {
	UserID int64
	ChatID int64
	Key    string
	Value  string
}

// SpamReason records why a message was labelled.
type SpamReason string

const (
	ReasonAuto  SpamReason = "auto"
	ReasonUser  SpamReason = "user"
	ReasonAdmin SpamReason = "admin"
	ReasonUnban SpamReason = "unban"
)

// SpamMessage is a labelled training example (spam side).
type SpamMessage struct {
	ChatID    int64
	UserID    int64
	MessageID string
	Text      string
	Reason    SpamReason
	Score     float64
	CreatedAt time.Time
}

// HamMessage is a labelled training example (ham side).
type HamMessage struct {
	ChatID    int64
	UserID    int64
	MessageID string
	Text      string
	Reason    SpamReason
	Score     float64
	CreatedAt time.Time
}

// BayesCounts are per-token spam/ham occurrence counts.
type BayesCounts struct {
	Spam int64
	Ham  int64
}

// BayesClass aggregates one side of a chat's model.
// A nil/zero ChatID in queries addresses the global model.
type BayesClass struct {
	ChatID       *int64
	IsSpam       bool
	MessageCount int64
	TokenCount   int64
}

// BayesDelta is one atomic training update: token deltas plus the matching
// class counter change. Negative deltas unlearn; stores floor counts at zero.
type BayesDelta struct {
	ChatID       *int64 // nil = global model
	IsSpam       bool
	Tokens       map[string]int64
	MessageDelta int64
	TokenDelta   int64
}

// CacheEntry is a generic (namespace, key) cache row.
type CacheEntry struct {
	Namespace  string
	Key        string
	Value      []byte
	CreatedAt  time.Time
	TTLSeconds int64 // 0 = no expiry
}

// TypedCacheEntry stores a raw upstream API response for a fixed domain.
type TypedCacheEntry struct {
	Domain   string
	Key      string
	JSON     []byte
	StoredAt time.Time
}

// SummaryEntry memoizes one summarization result by content-addressed id.
type SummaryEntry struct {
	CSID      string
	ChatID    int64
	Summary   string
	CreatedAt time.Time
}

// DelayedTask is a persisted deferred invocation. IDs are caller-chosen;
// duplicate insertion is a no-op. Cron, when set, re-arms the task after
// each successful run instead of completing it.
type DelayedTask struct {
	ID        string
	FireAt    time.Time
	Function  string
	Kwargs    json.RawMessage
	Cron      string
	IsDone    bool
	CreatedAt time.Time
}

// DailyStat is a per-day message counter. UserID 0 is the chat-level row.
type DailyStat struct {
	ChatID int64
	UserID int64
	Date   string // YYYY-MM-DD
	Count  int64
}
