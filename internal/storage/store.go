package storage

import (
	"context"
	"time"
)

// Store is the union of all entity operations a source must provide.
// Backends: sqlite (file-backed) and postgres. Write methods on a read-only
// source return ErrReadOnlySource without side effect.
type Store interface {
	Name() string
	ReadOnly() bool
	Close() error

	// Chats and users.
	UpsertChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	ListChats(ctx context.Context) ([]*Chat, error)
	UpsertChatUser(ctx context.Context, cu *ChatUser) error
	GetChatUser(ctx context.Context, chatID, userID int64) (*ChatUser, error)
	ListUserChats(ctx context.Context, userID int64) ([]*ChatUser, error)
	SetSpammer(ctx context.Context, chatID, userID int64, spammer bool) error

	// Messages.
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, chatID int64, messageID string) (*Message, error)
	ListRecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]*Message, error)
	SetMessageCategory(ctx context.Context, chatID int64, messageID string, category MessageCategory) error

	// Media.
	UpsertMediaAttachment(ctx context.Context, m *MediaAttachment) error
	GetMediaAttachment(ctx context.Context, fileUniqueID string) (*MediaAttachment, error)
	SetMediaStatus(ctx context.Context, fileUniqueID string, status MediaStatus, description string) error
	UpsertMediaGroupItem(ctx context.Context, item *MediaGroupItem) error
	ListUnprocessedGroupItems(ctx context.Context) ([]*MediaGroupItem, error)
	MarkMediaGroupProcessed(ctx context.Context, groupID string) error

	// Settings and user data.
	SetChatSetting(ctx context.Context, chatID int64, key, value string) error
	GetChatSetting(ctx context.Context, chatID int64, key string) (string, error)
	ListChatSettings(ctx context.Context, chatID int64) (map[string]string, error)
	DeleteChatSetting(ctx context.Context, chatID int64, key string) error
	SetGlobalSetting(ctx context.Context, key, value string) error
	GetGlobalSetting(ctx context.Context, key string) (string, error)
	SetUserData(ctx context.Context, d *UserData) error
	GetUserData(ctx context.Context, userID, chatID int64, key string) (string, error)
	DeleteUserData(ctx context.Context, userID, chatID int64, key string) error

	// Spam labels and Bayes model.
	SaveSpamMessage(ctx context.Context, sm *SpamMessage) error
	SaveHamMessage(ctx context.Context, hm *HamMessage) error
	ListSpamMessages(ctx context.Context, chatID *int64) ([]*SpamMessage, error)
	ApplyBayesDelta(ctx context.Context, delta *BayesDelta) error
	GetBayesTokens(ctx context.Context, chatID *int64, tokens []string) (map[string]BayesCounts, error)
	GetBayesClass(ctx context.Context, chatID *int64, isSpam bool) (*BayesClass, error)

	// Generic cache, typed caches and summary memoization.
	UpsertCacheEntry(ctx context.Context, e *CacheEntry) error
	DeleteCacheEntry(ctx context.Context, namespace, key string) error
	ListCacheEntries(ctx context.Context, namespace string) ([]*CacheEntry, error)
	ClearCacheNamespace(ctx context.Context, namespace string) error
	PutTypedCache(ctx context.Context, e *TypedCacheEntry) error
	GetTypedCache(ctx context.Context, domain, key string) (*TypedCacheEntry, error)
	PutSummary(ctx context.Context, e *SummaryEntry) error
	GetSummary(ctx context.Context, csid string) (*SummaryEntry, error)

	// Delayed tasks.
	InsertDelayedTask(ctx context.Context, t *DelayedTask) error
	ListDueTasks(ctx context.Context, now time.Time) ([]*DelayedTask, error)
	MarkTaskDone(ctx context.Context, id string) error
	RescheduleTask(ctx context.Context, id string, fireAt time.Time) error

	// Daily statistics.
	BumpDailyStats(ctx context.Context, chatID, userID int64, date string) error

	// Migration bookkeeping lives in global settings; the runner needs raw
	// transactional access.
	Exec(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the narrow transactional surface exposed to migrations.
type Tx interface {
	ExecSQL(query string, args ...any) error
}
