package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/storage/memory"
)

func newTestRouter(t *testing.T) (*storage.Router, *memory.Store, *memory.Store) {
	t.Helper()
	main := memory.New("main", false)
	side := memory.New("side", false)
	r, err := storage.NewRouter(map[string]storage.Store{
		"main": main,
		"side": side,
	}, "main", map[int64]string{200: "side"})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r, main, side
}

func TestRouterResolution(t *testing.T) {
	r, main, side := newTestRouter(t)
	ctx := context.Background()

	if err := r.SaveMessage(ctx, &storage.Message{ChatID: 100, MessageID: "1", Text: "default"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := r.SaveMessage(ctx, &storage.Message{ChatID: 200, MessageID: "2", Text: "mapped"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	if _, err := main.GetMessage(ctx, 100, "1"); err != nil {
		t.Errorf("unmapped chat should land in default source: %v", err)
	}
	if _, err := side.GetMessage(ctx, 200, "2"); err != nil {
		t.Errorf("mapped chat should land in mapped source: %v", err)
	}
	if _, err := main.GetMessage(ctx, 200, "2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("mapped chat leaked into default source: err = %v", err)
	}
}

func TestRouterExplicitSource(t *testing.T) {
	r, main, side := newTestRouter(t)

	s, err := r.Source("side")
	if err != nil {
		t.Fatalf("Source(side): %v", err)
	}
	if s != storage.Store(side) {
		t.Error("explicit hint should override chat mapping")
	}

	s, err = r.Source("")
	if err != nil {
		t.Fatalf("Source(empty): %v", err)
	}
	if s != storage.Store(main) {
		t.Error("empty hint should resolve to default")
	}

	if _, err := r.Source("nope"); !errors.Is(err, storage.ErrUnknownSource) {
		t.Errorf("unknown source: err = %v, want ErrUnknownSource", err)
	}
}

func TestNewRouterValidation(t *testing.T) {
	main := memory.New("main", false)
	if _, err := storage.NewRouter(map[string]storage.Store{"main": main}, "missing", nil); err == nil {
		t.Error("missing default source should be rejected")
	}
	_, err := storage.NewRouter(map[string]storage.Store{"main": main}, "main", map[int64]string{1: "ghost"})
	if !errors.Is(err, storage.ErrUnknownSource) {
		t.Errorf("chat mapped to unknown source: err = %v, want ErrUnknownSource", err)
	}
}

func TestRouterReadOnlySource(t *testing.T) {
	main := memory.New("main", false)
	ro := memory.New("archive", true)
	r, err := storage.NewRouter(map[string]storage.Store{
		"main":    main,
		"archive": ro,
	}, "main", map[int64]string{300: "archive"})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	ctx := context.Background()

	err = r.SaveMessage(ctx, &storage.Message{ChatID: 300, MessageID: "1"})
	if !errors.Is(err, storage.ErrReadOnlySource) {
		t.Errorf("write to read-only source: err = %v, want ErrReadOnlySource", err)
	}
	// Writes to chats on writable sources are unaffected.
	if err := r.SaveMessage(ctx, &storage.Message{ChatID: 301, MessageID: "1"}); err != nil {
		t.Errorf("write to default source: %v", err)
	}
}

func TestRouterAggregationDedup(t *testing.T) {
	r, main, side := newTestRouter(t)
	ctx := context.Background()

	// Chat 7 exists in both sources; the default source's row must win.
	if err := main.UpsertChat(ctx, &storage.Chat{ID: 7, Title: "from-main"}); err != nil {
		t.Fatal(err)
	}
	if err := side.UpsertChat(ctx, &storage.Chat{ID: 7, Title: "from-side"}); err != nil {
		t.Fatal(err)
	}
	if err := side.UpsertChat(ctx, &storage.Chat{ID: 8, Title: "side-only"}); err != nil {
		t.Fatal(err)
	}

	chats, err := r.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	byID := make(map[int64]*storage.Chat)
	for _, c := range chats {
		byID[c.ID] = c
	}
	if byID[7] == nil || byID[7].Title != "from-main" {
		t.Errorf("chat 7 = %+v, want the default source's row", byID[7])
	}
	if byID[8] == nil {
		t.Error("side-only chat missing from aggregation")
	}
}

func TestRouterListUserChatsDedup(t *testing.T) {
	r, main, side := newTestRouter(t)
	ctx := context.Background()

	for _, s := range []*memory.Store{main, side} {
		if err := s.UpsertChatUser(ctx, &storage.ChatUser{ChatID: 7, UserID: 42}); err != nil {
			t.Fatal(err)
		}
	}
	if err := side.UpsertChatUser(ctx, &storage.ChatUser{ChatID: 8, UserID: 42}); err != nil {
		t.Fatal(err)
	}
	if err := side.UpsertChatUser(ctx, &storage.ChatUser{ChatID: 8, UserID: 43}); err != nil {
		t.Fatal(err)
	}

	memberships, err := r.ListUserChats(ctx, 42)
	if err != nil {
		t.Fatalf("ListUserChats: %v", err)
	}
	if len(memberships) != 2 {
		t.Fatalf("got %d memberships, want 2 (dedup by user+chat)", len(memberships))
	}
}

func TestRouterSpamAggregation(t *testing.T) {
	r, main, side := newTestRouter(t)
	ctx := context.Background()

	for _, s := range []*memory.Store{main, side} {
		if err := s.SaveSpamMessage(ctx, &storage.SpamMessage{ChatID: 1, MessageID: "dup", Text: "spam"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := side.SaveSpamMessage(ctx, &storage.SpamMessage{ChatID: 2, MessageID: "only", Text: "spam"}); err != nil {
		t.Fatal(err)
	}

	all, err := r.ListSpamMessages(ctx, nil)
	if err != nil {
		t.Fatalf("ListSpamMessages: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d spam messages, want 2 (dedup by chat+message)", len(all))
	}

	chat := int64(2)
	scoped, err := r.ListSpamMessages(ctx, &chat)
	if err != nil {
		t.Fatalf("ListSpamMessages(chat): %v", err)
	}
	// Chat 2 is unmapped, so the scoped query goes to the default source only.
	if len(scoped) != 0 {
		t.Errorf("got %d messages for chat 2 from default source, want 0", len(scoped))
	}
}

func TestRouterTypedCacheFirstMatch(t *testing.T) {
	r, _, side := newTestRouter(t)
	ctx := context.Background()

	if err := side.PutTypedCache(ctx, &storage.TypedCacheEntry{Domain: "weather", Key: "moscow", JSON: []byte(`{"t":-5}`)}); err != nil {
		t.Fatal(err)
	}

	// Miss in the default source falls through to the next one.
	e, err := r.GetTypedCache(ctx, "weather", "moscow")
	if err != nil {
		t.Fatalf("GetTypedCache: %v", err)
	}
	if string(e.JSON) != `{"t":-5}` {
		t.Errorf("JSON = %s", e.JSON)
	}

	if _, err := r.GetTypedCache(ctx, "weather", "nowhere"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("miss everywhere: err = %v, want ErrNotFound", err)
	}
}

func TestRouterBayesGlobalModel(t *testing.T) {
	r, main, side := newTestRouter(t)
	ctx := context.Background()

	// Global model (nil chat) always lives in the default source.
	if err := r.ApplyBayesDelta(ctx, &storage.BayesDelta{
		IsSpam:       true,
		Tokens:       map[string]int64{"casino": 3},
		MessageDelta: 1,
		TokenDelta:   3,
	}); err != nil {
		t.Fatalf("ApplyBayesDelta: %v", err)
	}
	counts, err := main.GetBayesTokens(ctx, nil, []string{"casino"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["casino"].Spam != 3 {
		t.Errorf("casino spam count = %d, want 3", counts["casino"].Spam)
	}

	// Per-chat model follows the chat mapping.
	chat := int64(200)
	if err := r.ApplyBayesDelta(ctx, &storage.BayesDelta{
		ChatID:       &chat,
		IsSpam:       true,
		Tokens:       map[string]int64{"casino": 1},
		MessageDelta: 1,
		TokenDelta:   1,
	}); err != nil {
		t.Fatalf("ApplyBayesDelta(chat): %v", err)
	}
	counts, err = side.GetBayesTokens(ctx, &chat, []string{"casino"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["casino"].Spam != 1 {
		t.Errorf("per-chat casino spam count = %d, want 1", counts["casino"].Spam)
	}
}

func TestBayesDeltaFloorsAtZero(t *testing.T) {
	s := memory.New("main", false)
	ctx := context.Background()

	if err := s.ApplyBayesDelta(ctx, &storage.BayesDelta{
		IsSpam:       true,
		Tokens:       map[string]int64{"x": 2},
		MessageDelta: 1,
		TokenDelta:   2,
	}); err != nil {
		t.Fatal(err)
	}
	// Unlearning more than was learned must not go negative.
	if err := s.ApplyBayesDelta(ctx, &storage.BayesDelta{
		IsSpam:       true,
		Tokens:       map[string]int64{"x": -5},
		MessageDelta: -3,
		TokenDelta:   -9,
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := s.GetBayesTokens(ctx, nil, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["x"].Spam != 0 {
		t.Errorf("token count = %d, want 0", counts["x"].Spam)
	}
	cls, err := s.GetBayesClass(ctx, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if cls.MessageCount != 0 || cls.TokenCount != 0 {
		t.Errorf("class counters = %d/%d, want 0/0", cls.MessageCount, cls.TokenCount)
	}
}

func TestPutSummaryFirstWriteWins(t *testing.T) {
	s := memory.New("main", false)
	ctx := context.Background()

	if err := s.PutSummary(ctx, &storage.SummaryEntry{CSID: "abc", ChatID: 1, Summary: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSummary(ctx, &storage.SummaryEntry{CSID: "abc", ChatID: 1, Summary: "second"}); err != nil {
		t.Fatal(err)
	}
	e, err := s.GetSummary(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if e.Summary != "first" {
		t.Errorf("summary = %q, want the first write to win", e.Summary)
	}
}
