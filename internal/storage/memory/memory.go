// Package memory is an in-memory storage.Store. It backs tests and the
// "memory" source type for ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

type chatUserKey struct {
	Chat, User int64
}

type msgKey struct {
	Chat int64
	ID   string
}

type nsKey struct {
	NS, Key string
}

type userDataKey struct {
	User, Chat int64
	Key        string
}

type bayesTokenKey struct {
	Token string
	Chat  int64
}

type bayesClassKey struct {
	Chat   int64
	IsSpam bool
}

type statKey struct {
	Chat, User int64
	Date       string
}

// Store is a mutex-guarded map-backed storage.Store.
type Store struct {
	name     string
	readonly bool

	mu          sync.Mutex
	chats       map[int64]*storage.Chat
	chatUsers   map[chatUserKey]*storage.ChatUser
	messages    map[msgKey]*storage.Message
	media       map[string]*storage.MediaAttachment
	groups      []*storage.MediaGroupItem
	chatSet     map[msgKey]string // msgKey{chat, key}
	globalSet   map[string]string
	userData    map[userDataKey]string
	spam        map[msgKey]*storage.SpamMessage
	ham         map[msgKey]*storage.HamMessage
	bayesTokens map[bayesTokenKey]*storage.BayesCounts
	bayesClass  map[bayesClassKey]*storage.BayesClass
	cache       map[nsKey]*storage.CacheEntry
	typed       map[nsKey]*storage.TypedCacheEntry
	summaries   map[string]*storage.SummaryEntry
	tasks       map[string]*storage.DelayedTask
	stats       map[statKey]int64
}

// New creates an empty store.
func New(name string, readonly bool) *Store {
	return &Store{
		name:        name,
		readonly:    readonly,
		chats:       make(map[int64]*storage.Chat),
		chatUsers:   make(map[chatUserKey]*storage.ChatUser),
		messages:    make(map[msgKey]*storage.Message),
		media:       make(map[string]*storage.MediaAttachment),
		chatSet:     make(map[msgKey]string),
		globalSet:   make(map[string]string),
		userData:    make(map[userDataKey]string),
		spam:        make(map[msgKey]*storage.SpamMessage),
		ham:         make(map[msgKey]*storage.HamMessage),
		bayesTokens: make(map[bayesTokenKey]*storage.BayesCounts),
		bayesClass:  make(map[bayesClassKey]*storage.BayesClass),
		cache:       make(map[nsKey]*storage.CacheEntry),
		typed:       make(map[nsKey]*storage.TypedCacheEntry),
		summaries:   make(map[string]*storage.SummaryEntry),
		tasks:       make(map[string]*storage.DelayedTask),
		stats:       make(map[statKey]int64),
	}
}

func (s *Store) Name() string   { return s.name }
func (s *Store) ReadOnly() bool { return s.readonly }
func (s *Store) Close() error   { return nil }

func (s *Store) writable() error {
	if s.readonly {
		return fmt.Errorf("source %q: %w", s.name, storage.ErrReadOnlySource)
	}
	return nil
}

func bayesChatID(chatID *int64) int64 {
	if chatID == nil {
		return 0
	}
	return *chatID
}

func (s *Store) UpsertChat(ctx context.Context, chat *storage.Chat) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *chat
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if prev, ok := s.chats[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.chats[c.ID] = &c
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (*storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListChats(ctx context.Context) ([]*storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertChatUser(ctx context.Context, cu *storage.ChatUser) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cu
	cp.UpdatedAt = time.Now()
	s.chatUsers[chatUserKey{cu.ChatID, cu.UserID}] = &cp
	return nil
}

func (s *Store) GetChatUser(ctx context.Context, chatID, userID int64) (*storage.ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cu, ok := s.chatUsers[chatUserKey{chatID, userID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *cu
	return &cp, nil
}

func (s *Store) ListUserChats(ctx context.Context, userID int64) ([]*storage.ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.ChatUser
	for k, cu := range s.chatUsers {
		if k.User == userID {
			cp := *cu
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *Store) SetSpammer(ctx context.Context, chatID, userID int64, spammer bool) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cu, ok := s.chatUsers[chatUserKey{chatID, userID}]; ok {
		cu.IsSpammer = spammer
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msgKey{msg.ChatID, msg.MessageID}] = &cp
	return nil
}

func (s *Store) GetMessage(ctx context.Context, chatID int64, messageID string) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgKey{chatID, messageID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListRecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Message
	for k, m := range s.messages {
		if k.Chat != chatID {
			continue
		}
		if threadID != 0 && m.ThreadID != threadID {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].MessageID < out[j].MessageID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) SetMessageCategory(ctx context.Context, chatID int64, messageID string, category storage.MessageCategory) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgKey{chatID, messageID}]
	if !ok {
		return storage.ErrNotFound
	}
	m.Category = category
	return nil
}

func (s *Store) UpsertMediaAttachment(ctx context.Context, m *storage.MediaAttachment) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.UpdatedAt = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.media[m.FileUniqueID] = &cp
	return nil
}

func (s *Store) GetMediaAttachment(ctx context.Context, fileUniqueID string) (*storage.MediaAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[fileUniqueID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SetMediaStatus(ctx context.Context, fileUniqueID string, status storage.MediaStatus, description string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[fileUniqueID]
	if !ok {
		return storage.ErrNotFound
	}
	if m.Status == storage.MediaDone || m.Status == storage.MediaFailed {
		return storage.ErrConflict
	}
	m.Status = status
	if description != "" {
		m.Description = description
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpsertMediaGroupItem(ctx context.Context, item *storage.MediaGroupItem) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	for i, g := range s.groups {
		if g.GroupID == item.GroupID && g.MessageID == item.MessageID {
			s.groups[i] = &cp
			return nil
		}
	}
	s.groups = append(s.groups, &cp)
	return nil
}

func (s *Store) ListUnprocessedGroupItems(ctx context.Context) ([]*storage.MediaGroupItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.MediaGroupItem
	for _, g := range s.groups {
		if !g.Processed {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) MarkMediaGroupProcessed(ctx context.Context, groupID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.GroupID == groupID {
			g.Processed = true
		}
	}
	return nil
}

func (s *Store) SetChatSetting(ctx context.Context, chatID int64, key, value string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatSet[msgKey{chatID, key}] = value
	return nil
}

func (s *Store) GetChatSetting(ctx context.Context, chatID int64, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.chatSet[msgKey{chatID, key}]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) ListChatSettings(ctx context.Context, chatID int64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.chatSet {
		if k.Chat == chatID {
			out[k.ID] = v
		}
	}
	return out, nil
}

func (s *Store) DeleteChatSetting(ctx context.Context, chatID int64, key string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chatSet, msgKey{chatID, key})
	return nil
}

func (s *Store) SetGlobalSetting(ctx context.Context, key, value string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalSet[key] = value
	return nil
}

func (s *Store) GetGlobalSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.globalSet[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetUserData(ctx context.Context, d *storage.UserData) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userData[userDataKey{d.UserID, d.ChatID, d.Key}] = d.Value
	return nil
}

func (s *Store) GetUserData(ctx context.Context, userID, chatID int64, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.userData[userDataKey{userID, chatID, key}]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) DeleteUserData(ctx context.Context, userID, chatID int64, key string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userData, userDataKey{userID, chatID, key})
	return nil
}

func (s *Store) SaveSpamMessage(ctx context.Context, sm *storage.SpamMessage) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sm
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.spam[msgKey{sm.ChatID, sm.MessageID}] = &cp
	return nil
}

func (s *Store) SaveHamMessage(ctx context.Context, hm *storage.HamMessage) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hm
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.ham[msgKey{hm.ChatID, hm.MessageID}] = &cp
	return nil
}

func (s *Store) ListSpamMessages(ctx context.Context, chatID *int64) ([]*storage.SpamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.SpamMessage
	for k, sm := range s.spam {
		if chatID != nil && k.Chat != *chatID {
			continue
		}
		cp := *sm
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (s *Store) ApplyBayesDelta(ctx context.Context, delta *storage.BayesDelta) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := bayesChatID(delta.ChatID)

	floor := func(v int64) int64 {
		if v < 0 {
			return 0
		}
		return v
	}

	for token, n := range delta.Tokens {
		k := bayesTokenKey{token, cid}
		c := s.bayesTokens[k]
		if c == nil {
			c = &storage.BayesCounts{}
			s.bayesTokens[k] = c
		}
		if delta.IsSpam {
			c.Spam = floor(c.Spam + n)
		} else {
			c.Ham = floor(c.Ham + n)
		}
	}

	ck := bayesClassKey{cid, delta.IsSpam}
	bc := s.bayesClass[ck]
	if bc == nil {
		bc = &storage.BayesClass{ChatID: delta.ChatID, IsSpam: delta.IsSpam}
		s.bayesClass[ck] = bc
	}
	bc.MessageCount = floor(bc.MessageCount + delta.MessageDelta)
	bc.TokenCount = floor(bc.TokenCount + delta.TokenDelta)
	return nil
}

func (s *Store) GetBayesTokens(ctx context.Context, chatID *int64, tokens []string) (map[string]storage.BayesCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := bayesChatID(chatID)
	out := make(map[string]storage.BayesCounts, len(tokens))
	for _, t := range tokens {
		if c, ok := s.bayesTokens[bayesTokenKey{t, cid}]; ok {
			out[t] = *c
		}
	}
	return out, nil
}

func (s *Store) GetBayesClass(ctx context.Context, chatID *int64, isSpam bool) (*storage.BayesClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bc, ok := s.bayesClass[bayesClassKey{bayesChatID(chatID), isSpam}]; ok {
		cp := *bc
		return &cp, nil
	}
	return &storage.BayesClass{ChatID: chatID, IsSpam: isSpam}, nil
}

func (s *Store) UpsertCacheEntry(ctx context.Context, e *storage.CacheEntry) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.cache[nsKey{e.Namespace, e.Key}] = &cp
	return nil
}

func (s *Store) DeleteCacheEntry(ctx context.Context, namespace, key string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, nsKey{namespace, key})
	return nil
}

func (s *Store) ListCacheEntries(ctx context.Context, namespace string) ([]*storage.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.CacheEntry
	for k, e := range s.cache {
		if namespace != "" && k.NS != namespace {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ClearCacheNamespace(ctx context.Context, namespace string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k.NS == namespace {
			delete(s.cache, k)
		}
	}
	return nil
}

func (s *Store) PutTypedCache(ctx context.Context, e *storage.TypedCacheEntry) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now()
	}
	s.typed[nsKey{e.Domain, e.Key}] = &cp
	return nil
}

func (s *Store) GetTypedCache(ctx context.Context, domain, key string) (*storage.TypedCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.typed[nsKey{domain, key}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) PutSummary(ctx context.Context, e *storage.SummaryEntry) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[e.CSID]; ok {
		return nil // first write wins
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.summaries[e.CSID] = &cp
	return nil
}

func (s *Store) GetSummary(ctx context.Context, csid string) (*storage.SummaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.summaries[csid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) InsertDelayedTask(ctx context.Context, t *storage.DelayedTask) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return nil // idempotent
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*storage.DelayedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.DelayedTask
	for _, t := range s.tasks {
		if !t.IsDone && !t.FireAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *Store) MarkTaskDone(ctx context.Context, id string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.IsDone = true
	}
	return nil
}

func (s *Store) RescheduleTask(ctx context.Context, id string, fireAt time.Time) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.FireAt = fireAt
		t.IsDone = false
	}
	return nil
}

func (s *Store) BumpDailyStats(ctx context.Context, chatID, userID int64, date string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[statKey{chatID, userID, date}]++
	return nil
}

// Exec runs fn against a no-op transaction; the memory store has no SQL
// surface, so migrations are skipped for it.
func (s *Store) Exec(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := s.writable(); err != nil {
		return err
	}
	return fn(noopTx{})
}

type noopTx struct{}

func (noopTx) ExecSQL(query string, args ...any) error { return nil }
