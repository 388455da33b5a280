package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Router maps operations onto one of several named sources. Resolution
// precedence: explicit source (via Source), configured chat mapping, then the
// default source. The router holds no state beyond the source table.
type Router struct {
	sources  map[string]Store
	order    []string // default first, then the rest sorted by name
	def      string
	chatMap  map[int64]string
}

// NewRouter builds a router. def must name a source in sources.
func NewRouter(sources map[string]Store, def string, chatMap map[int64]string) (*Router, error) {
	if _, ok := sources[def]; !ok {
		return nil, fmt.Errorf("default source %q not configured", def)
	}
	for chatID, name := range chatMap {
		if _, ok := sources[name]; !ok {
			return nil, fmt.Errorf("chat mapping %d -> %q: %w", chatID, name, ErrUnknownSource)
		}
	}
	order := make([]string, 0, len(sources))
	for name := range sources {
		if name != def {
			order = append(order, name)
		}
	}
	sort.Strings(order)
	order = append([]string{def}, order...)
	return &Router{sources: sources, order: order, def: def, chatMap: chatMap}, nil
}

// Source resolves an explicit data_source hint.
func (r *Router) Source(name string) (Store, error) {
	if name == "" {
		return r.sources[r.def], nil
	}
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
	return s, nil
}

// ForChat resolves the source owning a chat.
func (r *Router) ForChat(chatID int64) Store {
	if name, ok := r.chatMap[chatID]; ok {
		return r.sources[name]
	}
	return r.sources[r.def]
}

func (r *Router) defSource() Store { return r.sources[r.def] }

func (r *Router) Name() string   { return "router" }
func (r *Router) ReadOnly() bool { return false }

// Close closes every source, returning the first error.
func (r *Router) Close() error {
	var first error
	for _, name := range r.order {
		if err := r.sources[name].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// --- Chat-scoped delegation ---

func (r *Router) UpsertChat(ctx context.Context, chat *Chat) error {
	return r.ForChat(chat.ID).UpsertChat(ctx, chat)
}

func (r *Router) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	return r.ForChat(chatID).GetChat(ctx, chatID)
}

func (r *Router) UpsertChatUser(ctx context.Context, cu *ChatUser) error {
	return r.ForChat(cu.ChatID).UpsertChatUser(ctx, cu)
}

func (r *Router) GetChatUser(ctx context.Context, chatID, userID int64) (*ChatUser, error) {
	return r.ForChat(chatID).GetChatUser(ctx, chatID, userID)
}

func (r *Router) SetSpammer(ctx context.Context, chatID, userID int64, spammer bool) error {
	return r.ForChat(chatID).SetSpammer(ctx, chatID, userID, spammer)
}

func (r *Router) SaveMessage(ctx context.Context, msg *Message) error {
	return r.ForChat(msg.ChatID).SaveMessage(ctx, msg)
}

func (r *Router) GetMessage(ctx context.Context, chatID int64, messageID string) (*Message, error) {
	return r.ForChat(chatID).GetMessage(ctx, chatID, messageID)
}

func (r *Router) ListRecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]*Message, error) {
	return r.ForChat(chatID).ListRecentMessages(ctx, chatID, threadID, limit)
}

func (r *Router) SetMessageCategory(ctx context.Context, chatID int64, messageID string, category MessageCategory) error {
	return r.ForChat(chatID).SetMessageCategory(ctx, chatID, messageID, category)
}

func (r *Router) SetChatSetting(ctx context.Context, chatID int64, key, value string) error {
	return r.ForChat(chatID).SetChatSetting(ctx, chatID, key, value)
}

func (r *Router) GetChatSetting(ctx context.Context, chatID int64, key string) (string, error) {
	return r.ForChat(chatID).GetChatSetting(ctx, chatID, key)
}

func (r *Router) ListChatSettings(ctx context.Context, chatID int64) (map[string]string, error) {
	return r.ForChat(chatID).ListChatSettings(ctx, chatID)
}

func (r *Router) DeleteChatSetting(ctx context.Context, chatID int64, key string) error {
	return r.ForChat(chatID).DeleteChatSetting(ctx, chatID, key)
}

func (r *Router) SaveSpamMessage(ctx context.Context, sm *SpamMessage) error {
	return r.ForChat(sm.ChatID).SaveSpamMessage(ctx, sm)
}

func (r *Router) SaveHamMessage(ctx context.Context, hm *HamMessage) error {
	return r.ForChat(hm.ChatID).SaveHamMessage(ctx, hm)
}

func (r *Router) BumpDailyStats(ctx context.Context, chatID, userID int64, date string) error {
	return r.ForChat(chatID).BumpDailyStats(ctx, chatID, userID, date)
}

// Bayes data follows the chat's source; the global model (nil chat) lives in
// the default source.
func (r *Router) bayesSource(chatID *int64) Store {
	if chatID == nil {
		return r.defSource()
	}
	return r.ForChat(*chatID)
}

func (r *Router) ApplyBayesDelta(ctx context.Context, delta *BayesDelta) error {
	return r.bayesSource(delta.ChatID).ApplyBayesDelta(ctx, delta)
}

func (r *Router) GetBayesTokens(ctx context.Context, chatID *int64, tokens []string) (map[string]BayesCounts, error) {
	return r.bayesSource(chatID).GetBayesTokens(ctx, chatID, tokens)
}

func (r *Router) GetBayesClass(ctx context.Context, chatID *int64, isSpam bool) (*BayesClass, error) {
	return r.bayesSource(chatID).GetBayesClass(ctx, chatID, isSpam)
}

// --- Default-source delegation ---

func (r *Router) UpsertMediaAttachment(ctx context.Context, m *MediaAttachment) error {
	return r.defSource().UpsertMediaAttachment(ctx, m)
}

func (r *Router) GetMediaAttachment(ctx context.Context, fileUniqueID string) (*MediaAttachment, error) {
	return r.defSource().GetMediaAttachment(ctx, fileUniqueID)
}

func (r *Router) SetMediaStatus(ctx context.Context, fileUniqueID string, status MediaStatus, description string) error {
	return r.defSource().SetMediaStatus(ctx, fileUniqueID, status, description)
}

func (r *Router) UpsertMediaGroupItem(ctx context.Context, item *MediaGroupItem) error {
	return r.defSource().UpsertMediaGroupItem(ctx, item)
}

func (r *Router) ListUnprocessedGroupItems(ctx context.Context) ([]*MediaGroupItem, error) {
	return r.defSource().ListUnprocessedGroupItems(ctx)
}

func (r *Router) MarkMediaGroupProcessed(ctx context.Context, groupID string) error {
	return r.defSource().MarkMediaGroupProcessed(ctx, groupID)
}

func (r *Router) SetGlobalSetting(ctx context.Context, key, value string) error {
	return r.defSource().SetGlobalSetting(ctx, key, value)
}

func (r *Router) GetGlobalSetting(ctx context.Context, key string) (string, error) {
	return r.defSource().GetGlobalSetting(ctx, key)
}

func (r *Router) SetUserData(ctx context.Context, d *UserData) error {
	return r.defSource().SetUserData(ctx, d)
}

func (r *Router) GetUserData(ctx context.Context, userID, chatID int64, key string) (string, error) {
	return r.defSource().GetUserData(ctx, userID, chatID, key)
}

func (r *Router) DeleteUserData(ctx context.Context, userID, chatID int64, key string) error {
	return r.defSource().DeleteUserData(ctx, userID, chatID, key)
}

func (r *Router) UpsertCacheEntry(ctx context.Context, e *CacheEntry) error {
	return r.defSource().UpsertCacheEntry(ctx, e)
}

func (r *Router) DeleteCacheEntry(ctx context.Context, namespace, key string) error {
	return r.defSource().DeleteCacheEntry(ctx, namespace, key)
}

func (r *Router) ClearCacheNamespace(ctx context.Context, namespace string) error {
	return r.defSource().ClearCacheNamespace(ctx, namespace)
}

func (r *Router) PutTypedCache(ctx context.Context, e *TypedCacheEntry) error {
	return r.defSource().PutTypedCache(ctx, e)
}

func (r *Router) PutSummary(ctx context.Context, e *SummaryEntry) error {
	return r.defSource().PutSummary(ctx, e)
}

func (r *Router) GetSummary(ctx context.Context, csid string) (*SummaryEntry, error) {
	return r.defSource().GetSummary(ctx, csid)
}

func (r *Router) InsertDelayedTask(ctx context.Context, t *DelayedTask) error {
	return r.defSource().InsertDelayedTask(ctx, t)
}

func (r *Router) ListDueTasks(ctx context.Context, now time.Time) ([]*DelayedTask, error) {
	return r.defSource().ListDueTasks(ctx, now)
}

func (r *Router) MarkTaskDone(ctx context.Context, id string) error {
	return r.defSource().MarkTaskDone(ctx, id)
}

func (r *Router) RescheduleTask(ctx context.Context, id string, fireAt time.Time) error {
	return r.defSource().RescheduleTask(ctx, id, fireAt)
}

func (r *Router) Exec(ctx context.Context, fn func(tx Tx) error) error {
	return r.defSource().Exec(ctx, fn)
}

// --- Cross-source aggregation ---
//
// Per-source failures during aggregation are logged and skipped; a partial
// result beats no result.

// ListChats returns chats from every source, deduplicated by chat_id.
// The owning (mapped or default) source wins on conflict.
func (r *Router) ListChats(ctx context.Context) ([]*Chat, error) {
	seen := make(map[int64]bool)
	var out []*Chat
	for _, name := range r.order {
		chats, err := r.sources[name].ListChats(ctx)
		if err != nil {
			slog.Warn("list chats: source failed", "source", name, "error", err)
			continue
		}
		for _, c := range chats {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// ListUserChats aggregates memberships across sources, deduplicated by
// (user_id, chat_id).
func (r *Router) ListUserChats(ctx context.Context, userID int64) ([]*ChatUser, error) {
	type key struct {
		user, chat int64
	}
	seen := make(map[key]bool)
	var out []*ChatUser
	for _, name := range r.order {
		memberships, err := r.sources[name].ListUserChats(ctx, userID)
		if err != nil {
			slog.Warn("list user chats: source failed", "source", name, "error", err)
			continue
		}
		for _, cu := range memberships {
			k := key{cu.UserID, cu.ChatID}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, cu)
		}
	}
	return out, nil
}

// ListSpamMessages with a nil chat aggregates across sources, deduplicated by
// (chat_id, message_id). With a chat it routes to the owning source.
func (r *Router) ListSpamMessages(ctx context.Context, chatID *int64) ([]*SpamMessage, error) {
	if chatID != nil {
		return r.ForChat(*chatID).ListSpamMessages(ctx, chatID)
	}
	type key struct {
		chat int64
		msg  string
	}
	seen := make(map[key]bool)
	var out []*SpamMessage
	for _, name := range r.order {
		msgs, err := r.sources[name].ListSpamMessages(ctx, nil)
		if err != nil {
			slog.Warn("list spam messages: source failed", "source", name, "error", err)
			continue
		}
		for _, sm := range msgs {
			k := key{sm.ChatID, sm.MessageID}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, sm)
		}
	}
	return out, nil
}

// ListCacheEntries dumps cache rows across all sources, deduplicated by
// (namespace, key); the default source wins.
func (r *Router) ListCacheEntries(ctx context.Context, namespace string) ([]*CacheEntry, error) {
	type key struct {
		ns, k string
	}
	seen := make(map[key]bool)
	var out []*CacheEntry
	for _, name := range r.order {
		entries, err := r.sources[name].ListCacheEntries(ctx, namespace)
		if err != nil {
			slog.Warn("list cache entries: source failed", "source", name, "error", err)
			continue
		}
		for _, e := range entries {
			k := key{e.Namespace, e.Key}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// GetTypedCache returns the first hit across sources in order, skipping
// dedup on purpose: the first match is authoritative enough for API-response
// caching and avoids scanning every source.
func (r *Router) GetTypedCache(ctx context.Context, domain, key string) (*TypedCacheEntry, error) {
	for _, name := range r.order {
		e, err := r.sources[name].GetTypedCache(ctx, domain, key)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("typed cache: source failed", "source", name, "error", err)
		}
	}
	return nil, ErrNotFound
}
