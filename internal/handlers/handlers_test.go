package handlers

import (
	"context"
	"testing"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/storage/memory"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantNil   bool
		wantName  string
		wantArgs  int
		addressee string
	}{
		{name: "plain", text: "/help", wantName: "help"},
		{name: "with args", text: "/weather Berlin DE", wantName: "weather", wantArgs: 2},
		{name: "addressed", text: "/set@mybot detect-spam true", wantName: "set", wantArgs: 2, addressee: "mybot"},
		{name: "upper folds", text: "/HELP", wantName: "help"},
		{name: "not a command", text: "hello /help", wantNil: true},
		{name: "bare slash", text: "/", wantNil: true},
		{name: "empty", text: "", wantNil: true},
		{name: "leading space", text: "  /start  ", wantName: "start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommand(tt.text)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected command, got nil")
			}
			if got.Name != tt.wantName || len(got.Args) != tt.wantArgs || got.Addressee != tt.addressee {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestCommandAddressing(t *testing.T) {
	cmd := ParseCommand("/set@otherbot k v")
	if cmd.AddressedTo("mybot") {
		t.Fatal("command for otherbot should not address mybot")
	}
	if !cmd.AddressedTo("OtherBot") {
		t.Fatal("addressee match must be case-insensitive")
	}
	if !ParseCommand("/set k v").AddressedTo("mybot") {
		t.Fatal("bare command should address any bot")
	}
}

func newTestSettings(t *testing.T) (*Settings, storage.Store) {
	t.Helper()
	store := memory.New("test", false)
	c := cache.New(store)
	globals := map[string]string{KeyDetectSpam: "true"}
	kinds := map[storage.ChatKind]map[string]string{
		storage.ChatGroup: {KeySpamScoreThreshold: "0.8"},
	}
	return NewSettings(store, c, globals, kinds), store
}

func TestSettingsLayeredResolution(t *testing.T) {
	s, store := newTestSettings(t)
	ctx := context.Background()

	resolved, err := s.Resolve(ctx, 1, storage.ChatGroup)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Built-in default survives when nothing overrides it.
	if got := resolved.String(KeySpamAction); got != "notify" {
		t.Fatalf("built-in default lost: %q", got)
	}
	// Global default overrides built-in.
	if !resolved.Bool(KeyDetectSpam) {
		t.Fatal("global default not applied")
	}
	// Kind default overrides global and built-in.
	if got := resolved.Float(KeySpamScoreThreshold); got != 0.8 {
		t.Fatalf("kind default not applied: %v", got)
	}

	// Stored per-chat value wins over everything.
	if err := store.SetChatSetting(ctx, 1, KeySpamScoreThreshold, "0.5"); err != nil {
		t.Fatal(err)
	}
	s.invalidate(ctx, 1)
	resolved, err = s.Resolve(ctx, 1, storage.ChatGroup)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := resolved.Float(KeySpamScoreThreshold); got != 0.5 {
		t.Fatalf("per-chat value not applied: %v", got)
	}
}

func TestSettingsSetValidatesAndInvalidates(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "no-such-key", "x"); err == nil {
		t.Fatal("unknown key accepted")
	}
	if err := s.Set(ctx, 1, KeyDetectSpam, "maybe"); err == nil {
		t.Fatal("non-boolean accepted for boolean key")
	}
	if err := s.Set(ctx, 1, KeyRandomAnswerProb, "1.5"); err == nil {
		t.Fatal("out-of-range probability accepted")
	}

	// Memoized view refreshes after a write.
	before, _ := s.Resolve(ctx, 1, storage.ChatPrivate)
	if before.Bool(KeyParseImages) {
		t.Fatal("unexpected initial value")
	}
	if err := s.Set(ctx, 1, KeyParseImages, "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	after, _ := s.Resolve(ctx, 1, storage.ChatPrivate)
	if !after.Bool(KeyParseImages) {
		t.Fatal("memoized view not invalidated on write")
	}

	if err := s.Unset(ctx, 1, KeyParseImages); err != nil {
		t.Fatalf("Unset: %v", err)
	}
	reset, _ := s.Resolve(ctx, 1, storage.ChatPrivate)
	if reset.Bool(KeyParseImages) {
		t.Fatal("unset did not restore the lower layer")
	}
}

type fakeAdmin struct {
	admins map[int64]bool
	calls  int
}

func (f *fakeAdmin) IsChatAdmin(_ context.Context, _ int64, userID int64) (bool, error) {
	f.calls++
	return f.admins[userID], nil
}

func TestPermissions(t *testing.T) {
	store := memory.New("test", false)
	perms := NewPermissions([]int64{7}, cache.New(store))
	checker := &fakeAdmin{admins: map[int64]bool{42: true}}
	ctx := context.Background()

	if !perms.Allows(ctx, LevelAny, nil, 1, 99) {
		t.Fatal("any level must always pass")
	}
	if !perms.Allows(ctx, LevelOwner, nil, 1, 7) {
		t.Fatal("owner denied owner level")
	}
	if perms.Allows(ctx, LevelOwner, checker, 1, 42) {
		t.Fatal("admin passed owner level")
	}
	if !perms.Allows(ctx, LevelAdmin, checker, 1, 42) {
		t.Fatal("admin denied admin level")
	}
	if perms.Allows(ctx, LevelAdmin, checker, 1, 99) {
		t.Fatal("regular user passed admin level")
	}
	if !perms.Allows(ctx, LevelAdmin, checker, 1, 7) {
		t.Fatal("owner denied admin level")
	}

	// Second admin lookup for the same (chat, user) is served from cache.
	calls := checker.calls
	perms.Allows(ctx, LevelAdmin, checker, 1, 42)
	if checker.calls != calls {
		t.Fatalf("admin status not cached: %d extra calls", checker.calls-calls)
	}
}

func TestManagerTerminalDispatch(t *testing.T) {
	store := memory.New("test", false)
	settings := NewSettings(store, cache.New(store), nil, nil)
	m := NewManager(settings)

	var ran []string
	mk := func(name string, match bool, terminal bool) Handler {
		return Handler{
			Name:     name,
			Terminal: terminal,
			Match:    func(bus.IncomingEvent, Resolved) bool { return match },
			Handle: func(context.Context, bus.IncomingEvent, Resolved) error {
				ran = append(ran, name)
				return nil
			},
		}
	}
	m.Register(
		mk("skipped", false, true),
		mk("listener", true, false),
		mk("terminal", true, true),
		mk("after", true, true),
	)

	ev := bus.IncomingEvent{
		Kind: bus.EventMessageCreated,
		Chat: &storage.Chat{ID: 1, Kind: storage.ChatPrivate},
		User: &bus.UserInfo{ID: 2},
	}
	m.Dispatch(context.Background(), ev)

	if len(ran) != 2 || ran[0] != "listener" || ran[1] != "terminal" {
		t.Fatalf("dispatch order wrong: %v", ran)
	}
}

func TestUnknownCommandDeletion(t *testing.T) {
	store := memory.New("test", false)
	c := cache.New(store)
	settings := NewSettings(store, c, nil, nil)
	ctx := context.Background()

	var actions []bus.OutgoingAction
	cmds := &Commands{
		Store:       store,
		Settings:    settings,
		Perms:       NewPermissions(nil, c),
		BotUsername: "mybot",
		Respond:     func(_ string, a bus.OutgoingAction) { actions = append(actions, a) },
		Admin:       func(string) AdminChecker { return nil },
	}
	h := cmds.unknownCommandHandler(map[string]bool{"help": true})

	ev := bus.IncomingEvent{
		Kind:     bus.EventMessageCreated,
		Platform: "telegram",
		Chat:     &storage.Chat{ID: 5, Kind: storage.ChatGroup},
		User:     &bus.UserInfo{ID: 2},
		Message:  &storage.Message{ChatID: 5, MessageID: "10", Text: "/bogus"},
	}

	if !h.Match(ev, Resolved{}) {
		t.Fatal("unknown command not matched")
	}
	known := bus.IncomingEvent{
		Kind:     bus.EventMessageCreated,
		Platform: "telegram",
		Chat:     ev.Chat,
		User:     ev.User,
		Message:  &storage.Message{ChatID: 5, MessageID: "11", Text: "/help"},
	}
	if h.Match(known, Resolved{}) {
		t.Fatal("known command matched as unknown")
	}

	// Ignored by default.
	if err := h.Handle(ctx, ev, Resolved{KeyDeleteUnknownCommands: "false"}); err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no action, got %v", actions)
	}

	// Deleted when the chat opts in.
	if err := h.Handle(ctx, ev, Resolved{KeyDeleteUnknownCommands: "true"}); err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Kind != bus.ActionDeleteMessages || actions[0].MessageID != "10" {
		t.Fatalf("expected delete action, got %v", actions)
	}
}

func TestConfigureKeyboardReflectsSettings(t *testing.T) {
	kb := configureKeyboard(Resolved{KeyDetectSpam: "true", KeyParseImages: "false"})
	if len(kb.InlineKeyboard) != len(configurableBools) {
		t.Fatalf("expected %d rows, got %d", len(configurableBools), len(kb.InlineKeyboard))
	}
	if kb.InlineKeyboard[0][0].Text != KeyDetectSpam+": on" {
		t.Fatalf("unexpected first row: %q", kb.InlineKeyboard[0][0].Text)
	}
	if kb.InlineKeyboard[0][0].CallbackData != "cfg:"+KeyDetectSpam {
		t.Fatalf("unexpected callback data: %q", kb.InlineKeyboard[0][0].CallbackData)
	}
}

func TestEchoCommandRepliesAndPersistsPair(t *testing.T) {
	store := memory.New("test", false)
	ctx := context.Background()

	inbound := &storage.Message{
		ChatID:        -100,
		MessageID:     "m1",
		UserID:        42,
		Text:          "/echo hello dood",
		RootMessageID: "m1",
		Type:          storage.TypeText,
		Category:      storage.CategoryUserCommand,
	}
	if err := store.SaveMessage(ctx, inbound); err != nil {
		t.Fatal(err)
	}

	var sent []bus.OutgoingAction
	cmds := &Commands{
		Store:       store,
		Perms:       NewPermissions(nil, cache.New(store)),
		BotUsername: "mybot",
		BotID:       999,
		Send: func(ctx context.Context, action bus.OutgoingAction) (string, error) {
			sent = append(sent, action)
			return "bot-1", nil
		},
		Admin: func(string) AdminChecker { return nil },
	}

	var echo *Handler
	for _, h := range cmds.Handlers() {
		if h.Name == "cmd_echo" {
			hh := h
			echo = &hh
			break
		}
	}
	if echo == nil {
		t.Fatal("echo command not registered")
	}

	ev := bus.IncomingEvent{
		Kind:     bus.EventMessageCreated,
		Platform: "telegram",
		Chat:     &storage.Chat{ID: -100, Kind: storage.ChatGroup},
		User:     &bus.UserInfo{ID: 42},
		Message:  inbound,
	}
	if !echo.Match(ev, Resolved{}) {
		t.Fatal("echo handler should match /echo")
	}
	if err := echo.Handle(ctx, ev, Resolved{}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("sent %d actions, want 1", len(sent))
	}
	if sent[0].Kind != bus.ActionSendText || sent[0].Text != "hello dood" || sent[0].ReplyTo != "m1" {
		t.Fatalf("unexpected action: %+v", sent[0])
	}

	user, err := store.GetMessage(ctx, -100, "m1")
	if err != nil {
		t.Fatalf("inbound message: %v", err)
	}
	if user.Category != storage.CategoryUserCommand {
		t.Errorf("inbound category = %s, want %s", user.Category, storage.CategoryUserCommand)
	}
	reply, err := store.GetMessage(ctx, -100, "bot-1")
	if err != nil {
		t.Fatalf("reply not persisted: %v", err)
	}
	if reply.Category != storage.CategoryBotCommandReply {
		t.Errorf("reply category = %s, want %s", reply.Category, storage.CategoryBotCommandReply)
	}
	if reply.ReplyID != "m1" || reply.RootMessageID != "m1" || reply.UserID != 999 {
		t.Errorf("reply linkage wrong: %+v", reply)
	}
	if reply.Text != "hello dood" {
		t.Errorf("reply text = %q", reply.Text)
	}
}
