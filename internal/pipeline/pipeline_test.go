package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/handlers"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/ratelimit"
	"github.com/duskpine/vombat/internal/spam"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/storage/memory"
	"github.com/duskpine/vombat/internal/tools"
)

type scriptedProvider struct {
	replies  []string
	requests []llm.ChatRequest
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return &llm.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return &llm.ChatResponse{Content: reply, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

type sentAction struct {
	action bus.OutgoingAction
	id     string
}

type fakeSender struct {
	sent   []sentAction
	nextID int
}

func (f *fakeSender) send(_ context.Context, action bus.OutgoingAction) (string, error) {
	f.nextID++
	id := "bot-" + strconv.Itoa(f.nextID)
	f.sent = append(f.sent, sentAction{action: action, id: id})
	return id, nil
}

func newTestPipeline(t *testing.T, provider *scriptedProvider) (*Pipeline, storage.Store, *fakeSender) {
	t.Helper()
	store := memory.New("test", false)
	classifier := spam.New(store, spam.Config{})

	registry := llm.NewRegistry()
	registry.RegisterProvider(provider)
	if err := registry.Bind("test-model", llm.Binding{Provider: "scripted", Model: "test-model"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	limiter := ratelimit.NewManager(nil, ratelimit.Limit{Capacity: 1000, Window: time.Minute})
	t.Cleanup(limiter.Close)
	dispatcher := llm.NewDispatcher(registry, limiter, 5)

	sender := &fakeSender{}
	p := New(store, classifier, dispatcher, &tools.Registry{}, sender.send, "mybot", 999, 8000)
	p.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return p, store, sender
}

func userEvent(chatID int64, kind storage.ChatKind, messageID, text string) bus.IncomingEvent {
	return bus.IncomingEvent{
		Kind:     bus.EventMessageCreated,
		Platform: "telegram",
		Chat:     &storage.Chat{ID: chatID, Platform: "telegram", Kind: kind, Title: "t"},
		User:     &bus.UserInfo{ID: 42, Username: "alice", DisplayName: "Alice"},
		Message: &storage.Message{
			ChatID:    chatID,
			MessageID: messageID,
			Date:      time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC),
			UserID:    42,
			Text:      text,
			Type:      storage.TypeText,
			Category:  storage.CategoryUnspecified,
		},
	}
}

func TestPersistHandlerInfersCategory(t *testing.T) {
	p, store, _ := newTestPipeline(t, &scriptedProvider{})
	h := p.PersistHandler()
	ctx := context.Background()

	ev := userEvent(1, storage.ChatPrivate, "m1", "hello there")
	if err := h.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	saved, err := store.GetMessage(ctx, 1, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if saved.Category != storage.CategoryUser {
		t.Fatalf("category = %s", saved.Category)
	}

	cmd := userEvent(1, storage.ChatPrivate, "m2", "/weather Berlin")
	if err := h.Handle(ctx, cmd, handlers.Resolved{}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	saved, _ = store.GetMessage(ctx, 1, "m2")
	if saved.Category != storage.CategoryUserCommand {
		t.Fatalf("command category = %s", saved.Category)
	}

	cu, err := store.GetChatUser(ctx, 1, 42)
	if err != nil {
		t.Fatalf("GetChatUser: %v", err)
	}
	if cu.MessageCount != 2 || cu.Username != "alice" {
		t.Fatalf("chat user = %+v", cu)
	}
}

func TestPersistHandlerLinksConversationRoot(t *testing.T) {
	p, store, _ := newTestPipeline(t, &scriptedProvider{})
	h := p.PersistHandler()
	ctx := context.Background()

	root := userEvent(1, storage.ChatGroup, "r1", "thread start")
	if err := h.Handle(ctx, root, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	reply := userEvent(1, storage.ChatGroup, "r2", "first reply")
	reply.Message.ReplyID = "r1"
	if err := h.Handle(ctx, reply, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	deep := userEvent(1, storage.ChatGroup, "r3", "second reply")
	deep.Message.ReplyID = "r2"
	if err := h.Handle(ctx, deep, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}

	saved, _ := store.GetMessage(ctx, 1, "r3")
	if saved.RootMessageID != "r1" {
		t.Fatalf("root = %q, want r1", saved.RootMessageID)
	}
}

func trainSpam(t *testing.T, c *spam.Classifier) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := c.Learn(ctx, "buy crypto now free money guaranteed profit", true, nil); err != nil {
			t.Fatalf("learn spam: %v", err)
		}
		if err := c.Learn(ctx, "see you tomorrow at the meeting thanks", false, nil); err != nil {
			t.Fatalf("learn ham: %v", err)
		}
	}
}

func spamSettings(action string) handlers.Resolved {
	return handlers.Resolved{
		handlers.KeyDetectSpam:         "true",
		handlers.KeySpamScoreThreshold: "0.5",
		handlers.KeySpamAction:         action,
	}
}

func TestSpamGateLabelsAndStops(t *testing.T) {
	p, store, sender := newTestPipeline(t, &scriptedProvider{})
	trainSpam(t, p.Spam)
	persist := p.PersistHandler()
	gate := p.SpamGateHandler()
	ctx := context.Background()

	ev := userEvent(7, storage.ChatGroup, "s1", "buy crypto now free money")
	if err := persist.Handle(ctx, ev, spamSettings("delete")); err != nil {
		t.Fatal(err)
	}
	err := gate.Handle(ctx, ev, spamSettings("delete"))
	if !errors.Is(err, handlers.ErrStop) {
		t.Fatalf("expected ErrStop, got %v", err)
	}

	// Category flipped and the sibling spam row exists.
	saved, _ := store.GetMessage(ctx, 7, "s1")
	if saved.Category != storage.CategoryUserSpam {
		t.Fatalf("category = %s", saved.Category)
	}
	chatID := int64(7)
	rows, err := store.ListSpamMessages(ctx, &chatID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("spam rows = %v, %v", rows, err)
	}
	if rows[0].MessageID != "s1" || rows[0].UserID != 42 || rows[0].Reason != storage.ReasonAuto {
		t.Fatalf("spam row = %+v", rows[0])
	}
	cu, _ := store.GetChatUser(ctx, 7, 42)
	if !cu.IsSpammer {
		t.Fatal("sender not flagged as spammer")
	}

	// Delete action was issued, no reply.
	if len(sender.sent) != 1 || sender.sent[0].action.Kind != bus.ActionDeleteMessages {
		t.Fatalf("actions = %+v", sender.sent)
	}
}

func TestSpamGatePassesHam(t *testing.T) {
	p, _, sender := newTestPipeline(t, &scriptedProvider{})
	trainSpam(t, p.Spam)
	gate := p.SpamGateHandler()

	ev := userEvent(7, storage.ChatGroup, "h1", "see you tomorrow at the meeting")
	if err := gate.Handle(context.Background(), ev, spamSettings("delete")); err != nil {
		t.Fatalf("ham must pass: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("unexpected actions: %+v", sender.sent)
	}
}

func TestSpamGateSkipsEstablishedMembers(t *testing.T) {
	p, store, _ := newTestPipeline(t, &scriptedProvider{})
	trainSpam(t, p.Spam)
	gate := p.SpamGateHandler()
	ctx := context.Background()

	if err := store.UpsertChatUser(ctx, &storage.ChatUser{
		ChatID: 7, UserID: 42, MessageCount: 50,
	}); err != nil {
		t.Fatal(err)
	}
	ev := userEvent(7, storage.ChatGroup, "e1", "buy crypto now free money")
	if err := gate.Handle(ctx, ev, spamSettings("delete")); err != nil {
		t.Fatalf("established member must pass the gate: %v", err)
	}
}

func TestConverseRepliesInPrivateChat(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"hello back"}}
	p, store, sender := newTestPipeline(t, provider)
	persist := p.PersistHandler()
	converse := p.ConverseHandler()
	ctx := context.Background()

	ev := userEvent(3, storage.ChatPrivate, "c1", "hi bot")
	if err := persist.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	if err := converse.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatalf("converse: %v", err)
	}

	var reply *sentAction
	for i := range sender.sent {
		if sender.sent[i].action.Kind == bus.ActionSendText {
			reply = &sender.sent[i]
		}
	}
	if reply == nil {
		t.Fatalf("no text reply sent: %+v", sender.sent)
	}
	if reply.action.ReplyTo != "c1" {
		t.Fatalf("reply_to = %q", reply.action.ReplyTo)
	}

	// Reply persisted with linkage to the triggering message.
	saved, err := store.GetMessage(ctx, 3, reply.id)
	if err != nil {
		t.Fatalf("reply not persisted: %v", err)
	}
	if saved.ReplyID != "c1" || saved.RootMessageID != "c1" || saved.Category != storage.CategoryBot {
		t.Fatalf("persisted reply = %+v", saved)
	}
	if saved.UserID != 999 {
		t.Fatalf("reply user = %d", saved.UserID)
	}
}

func TestConverseIgnoresUnaddressedGroupMessage(t *testing.T) {
	p, _, sender := newTestPipeline(t, &scriptedProvider{})
	converse := p.ConverseHandler()
	p.rng = func() float64 { return 0.99 }

	ev := userEvent(5, storage.ChatGroup, "g1", "just chatting")
	if err := converse.Handle(context.Background(), ev, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("unexpected actions: %+v", sender.sent)
	}
}

func TestConverseEngagesOnMention(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"yes?"}}
	p, _, sender := newTestPipeline(t, provider)
	converse := p.ConverseHandler()

	ev := userEvent(5, storage.ChatGroup, "g2", "hey @mybot how are you")
	if err := converse.Handle(context.Background(), ev, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	var texts int
	for _, s := range sender.sent {
		if s.action.Kind == bus.ActionSendText {
			texts++
		}
	}
	if texts != 1 {
		t.Fatalf("expected one reply, actions: %+v", sender.sent)
	}
}

func TestConverseEngagesOnReplyToBot(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"sure"}}
	p, store, sender := newTestPipeline(t, provider)
	converse := p.ConverseHandler()
	ctx := context.Background()

	if err := store.SaveMessage(ctx, &storage.Message{
		ChatID: 5, MessageID: "b1", UserID: 999, Text: "I said something",
		Category: storage.CategoryBot, Date: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	ev := userEvent(5, storage.ChatGroup, "g3", "tell me more")
	ev.Message.ReplyID = "b1"
	if err := converse.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	var texts int
	for _, s := range sender.sent {
		if s.action.Kind == bus.ActionSendText {
			texts++
		}
	}
	if texts != 1 {
		t.Fatalf("expected one reply, actions: %+v", sender.sent)
	}
}

func TestContextAssemblyRespectsBudget(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"short"}}
	p, store, _ := newTestPipeline(t, provider)
	p.TokenBudget = 120
	converse := p.ConverseHandler()
	ctx := context.Background()

	long := strings.Repeat("word ", 200)
	for i := 0; i < 10; i++ {
		if err := store.SaveMessage(ctx, &storage.Message{
			ChatID: 9, MessageID: "old-" + strconv.Itoa(i), UserID: 42,
			Text: long, Category: storage.CategoryUser,
			Date: time.Date(2026, 8, 24, 10, i, 0, 0, time.UTC),
		}); err != nil {
			t.Fatal(err)
		}
	}
	ev := userEvent(9, storage.ChatPrivate, "q1", "what did we talk about")
	if err := converse.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}

	req := provider.requests[len(provider.requests)-1]
	total := 0
	for _, m := range req.Messages {
		total += estimateTokens(m.Content)
	}
	if total > 200 {
		t.Fatalf("context blew the budget: ~%d tokens over %d messages", total, len(req.Messages))
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "what did we talk about" {
		t.Fatalf("triggering message not last: %+v", last)
	}
}

func TestContextExcludesSpamMessages(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"fine"}}
	p, store, _ := newTestPipeline(t, provider)
	converse := p.ConverseHandler()
	ctx := context.Background()

	if err := store.SaveMessage(ctx, &storage.Message{
		ChatID: 11, MessageID: "sp1", UserID: 77, Text: "buy crypto now",
		Category: storage.CategoryUserSpam, Date: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	ev := userEvent(11, storage.ChatPrivate, "q2", "hello")
	if err := converse.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatal(err)
	}
	req := provider.requests[len(provider.requests)-1]
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "buy crypto") {
			t.Fatal("spam message leaked into context")
		}
	}
}

func TestRenderMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain dot", "Done.", `Done\.`},
		{"paired bold kept", "this is *bold* text", "this is *bold* text"},
		{"lone asterisk escaped", "2 * 3 = 6", `2 \* 3 \= 6`},
		{"fence untouched", "```\na.b!c\n```", "```\na.b!c\n```"},
		{"inline code untouched", "run `a.b()` now", "run `a.b()` now"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderMarkdown(tt.in); got != tt.want {
				t.Fatalf("RenderMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := SplitMessage("short", 100); len(parts) != 1 {
		t.Fatalf("short text split: %v", parts)
	}

	text := strings.Repeat("alpha beta gamma ", 40) // ~680 chars
	parts := SplitMessage(text, 200)
	if len(parts) < 3 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for i, part := range parts {
		if len(part) > 200 {
			t.Fatalf("part %d too long: %d", i, len(part))
		}
		if i < len(parts)-1 && strings.HasSuffix(part, "alph") {
			t.Fatalf("part %d cut mid-word: %q", i, part[len(part)-10:])
		}
	}
	if got := strings.Join(parts, " "); strings.ReplaceAll(got, " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Fatal("content lost during split")
	}

	para := strings.Repeat("x", 150) + "\n\n" + strings.Repeat("y", 150)
	parts = SplitMessage(para, 200)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "y") {
		t.Fatalf("paragraph boundary not preferred: %v", len(parts))
	}
}
