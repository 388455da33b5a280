// Package app wires the process together: storage sources behind the
// router, cache, rate limiter, spam classifier, model registry, scheduler,
// tool services, platform adapters and the handler pipeline. Construction
// is explicit; nothing here lives in package globals.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/config"
	"github.com/duskpine/vombat/internal/handlers"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/media"
	"github.com/duskpine/vombat/internal/pipeline"
	"github.com/duskpine/vombat/internal/platform"
	"github.com/duskpine/vombat/internal/platform/max"
	"github.com/duskpine/vombat/internal/platform/telegram"
	"github.com/duskpine/vombat/internal/ratelimit"
	"github.com/duskpine/vombat/internal/scheduler"
	"github.com/duskpine/vombat/internal/spam"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/storage/memory"
	"github.com/duskpine/vombat/internal/storage/postgres"
	"github.com/duskpine/vombat/internal/storage/sqlite"
	"github.com/duskpine/vombat/internal/telemetry"
	"github.com/duskpine/vombat/internal/tools"
)

// Startup failure categories. The CLI maps them to exit codes.
var (
	// ErrStorage marks storage open or migration failures.
	ErrStorage = errors.New("storage startup")
	// ErrAdapterAuth marks platform authentication failures.
	ErrAdapterAuth = errors.New("platform auth")
)

const shutdownGrace = 15 * time.Second

// App is the assembled process.
type App struct {
	cfg *config.Config

	router     *storage.Router
	cache      *cache.Cache
	limiter    *ratelimit.Manager
	classifier *spam.Classifier
	registry   *llm.Registry
	dispatcher *llm.Dispatcher
	sched      *scheduler.Scheduler
	tools      *tools.Registry
	settings   *handlers.Settings
	manager    *handlers.Manager
	commands   *handlers.Commands
	pipe       *pipeline.Pipeline
	mediaPipe  *media.Pipeline
	msgBus     *bus.MessageBus

	adapters map[string]platform.Adapter
	outboxes map[string]*platform.Outbox

	stopTelemetry func(context.Context) error
}

// New builds the whole object graph from configuration. Network calls are
// deferred to Run; New only opens storage and runs migrations.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:      cfg,
		adapters: make(map[string]platform.Adapter),
		outboxes: make(map[string]*platform.Outbox),
	}

	if err := a.buildStorage(ctx); err != nil {
		return nil, err
	}

	stopTel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		stopTel = func(context.Context) error { return nil }
	}
	a.stopTelemetry = stopTel

	a.cache = cache.New(a.router)
	a.limiter = ratelimit.NewManager(rateLimits(cfg.RateLimit), ratelimit.Limit{})
	a.classifier = spam.New(a.router, spam.Config{
		Alpha:           cfg.Spam.Alpha,
		MinChatMessages: cfg.Spam.MinChatMessages,
		MinTokenLen:     cfg.Spam.MinTokenLen,
	})

	if err := a.buildModels(); err != nil {
		return nil, fmt.Errorf("llm providers: %w", err)
	}
	a.dispatcher = llm.NewDispatcher(a.registry, a.limiter, cfg.LLM.MaxToolDepth)

	a.sched = scheduler.New(a.router, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval(),
		ClaimFirst:   cfg.Scheduler.ClaimFirst,
	})

	a.settings = handlers.NewSettings(a.router, a.cache, cfg.Bot.Defaults, nil)
	a.manager = handlers.NewManager(a.settings)
	a.msgBus = bus.New(a.manager.Dispatch, 0)

	if err := a.buildAdapters(); err != nil {
		return nil, err
	}
	a.buildTools()
	a.buildPipeline()
	a.registerHandlers()
	return a, nil
}

// buildStorage opens every configured source, runs migrations on the
// writable ones and assembles the router.
func (a *App) buildStorage(ctx context.Context) error {
	sources := make(map[string]storage.Store, len(a.cfg.Database.Sources))
	for name, src := range a.cfg.Database.Sources {
		timeout := time.Duration(src.Timeout) * time.Second
		var (
			store storage.Store
			err   error
		)
		switch src.Type {
		case "", "sqlite":
			store, err = sqlite.Open(name, src.Path, src.ReadOnly, timeout)
		case "postgres":
			store, err = postgres.Open(name, src.DSN, src.ReadOnly, src.PoolSize, timeout)
		case "memory":
			store = memory.New(name, src.ReadOnly)
		default:
			err = fmt.Errorf("unknown source type %q", src.Type)
		}
		if err != nil {
			return fmt.Errorf("%w: open source %q: %w", ErrStorage, name, err)
		}
		if !store.ReadOnly() {
			if err := storage.Migrate(ctx, store); err != nil {
				return fmt.Errorf("%w: migrate source %q: %w", ErrStorage, name, err)
			}
		}
		sources[name] = store
	}

	chatMap, err := a.cfg.Database.ChatMappingInt()
	if err != nil {
		return fmt.Errorf("%w: chat mapping: %w", ErrStorage, err)
	}
	router, err := storage.NewRouter(sources, a.cfg.Database.Default, chatMap)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	a.router = router
	return nil
}

// buildModels registers providers and binds logical models. The configured
// default model is bound first so the registry picks it as default.
func (a *App) buildModels() error {
	a.registry = llm.NewRegistry()

	ids := make([]string, 0, len(a.cfg.Providers))
	for id := range a.cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if def := a.cfg.LLM.DefaultModel; def != "" {
		for i, id := range ids {
			if id == def {
				ids = append([]string{def}, append(ids[:i:i], ids[i+1:]...)...)
				break
			}
		}
	}

	for _, id := range ids {
		p := a.cfg.Providers[id]
		var providerName string
		switch p.Type {
		case "openai":
			a.registry.RegisterProvider(llm.NewOpenAIProvider(id, p.APIKey, p.Endpoint, p.ModelID))
			providerName = id
		case "anthropic":
			a.registry.RegisterProvider(llm.NewAnthropicProvider(p.APIKey, p.Endpoint, p.ModelID))
			providerName = "anthropic"
		default:
			return fmt.Errorf("provider %q: unknown type %q", id, p.Type)
		}
		if err := a.registry.Bind(id, llm.Binding{
			Provider:      providerName,
			Model:         p.ModelID,
			Temperature:   p.Temperature,
			MaxTokens:     p.MaxTokens,
			ContextTokens: p.ContextSize,
			Fallback:      p.Fallback,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildAdapters() error {
	if a.cfg.Telegram.Enabled {
		tg, err := telegram.New(a.cfg.Telegram, a.msgBus.Publish)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAdapterAuth, err)
		}
		a.adapters["telegram"] = tg
		a.outboxes["telegram"] = platform.NewOutbox(tg, a.limiter, 0, 0)
	}
	if a.cfg.Max.Enabled {
		mx := max.New(a.cfg.Max, a.msgBus.Publish)
		a.adapters["max"] = mx
		a.outboxes["max"] = platform.NewOutbox(mx, a.limiter, 0, 0)
	}
	return nil
}

func (a *App) buildTools() {
	reg := &tools.Registry{
		Reminder: tools.NewReminderService(a.sched),
		UserData: tools.NewUserDataService(a.router),
		Search: tools.NewSearchService(a.router,
			a.cfg.Services.YandexSearch.APIKey, a.cfg.Services.YandexSearch.FolderID),
		Summary: tools.NewSummaryService(a.router, a.dispatcher,
			a.cfg.LLM.DefaultModel, a.transcript),
	}
	if key := a.cfg.Services.OpenWeatherMap.APIKey; key != "" {
		reg.Weather = tools.NewWeatherService(key, "", a.router)
	}
	// Image generation piggybacks on the first OpenAI-protocol provider.
	ids := make([]string, 0, len(a.cfg.Providers))
	for id := range a.cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := a.cfg.Providers[id]
		if p.Type == "openai" && p.APIKey != "" {
			reg.Draw = tools.NewDrawService(p.APIKey, p.Endpoint, "")
			break
		}
	}
	a.tools = reg
}

func (a *App) buildPipeline() {
	a.pipe = pipeline.New(a.router, a.classifier, a.dispatcher, a.tools,
		a.send, "", 0, a.cfg.Pipeline.ContextTokenBudget)
	a.mediaPipe = media.New(a.router, a.settings, a.dispatcher,
		a.send, a.download, a.cfg.Media, a.cfg.Resender.Jobs)
}

// registerHandlers fixes the dispatch order: persistence, the spam gate,
// media ingestion, commands, then the conversational stage.
func (a *App) registerHandlers() {
	commands := &handlers.Commands{
		Store:      a.router,
		Settings:   a.settings,
		Perms:      handlers.NewPermissions(ownerIDs(a.cfg.Bot.BotOwners), a.cache),
		Spam:       a.classifier,
		Registry:   a.registry,
		Dispatcher: a.dispatcher,
		Tools:      a.tools,
		Send:       a.send,
		Respond: func(platformName string, action bus.OutgoingAction) {
			action.Platform = platformName
			if ob, ok := a.outboxes[platformName]; ok {
				ob.Submit(action)
			}
		},
		Admin: func(platformName string) handlers.AdminChecker {
			if ad, ok := a.adapters[platformName]; ok {
				return ad
			}
			return nil
		},
		Download: a.download,
	}
	a.commands = commands

	a.manager.Register(a.pipe.PersistHandler())
	a.manager.Register(a.pipe.SpamGateHandler())
	a.manager.Register(a.mediaPipe.IngestHandler())
	a.manager.Register(commands.Handlers()...)
	a.manager.Register(a.pipe.ConverseHandler())
}

// Run starts ingress and background workers, then blocks until ctx is
// canceled and shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.cache.Load(ctx, handlers.SettingsNamespace, cache.OnChange); err != nil {
		slog.Warn("cache preload failed", "namespace", handlers.SettingsNamespace, "error", err)
	}
	a.cache.Start(time.Duration(a.cfg.Cache.PersistencePeriodSecs) * time.Second)

	for name, ad := range a.adapters {
		if err := ad.Start(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrAdapterAuth, name, err)
		}
	}
	a.adoptIdentity()

	a.sched.Register(tools.ReminderTaskFunction, a.deliverReminder)
	if err := a.mediaPipe.RegisterScan(ctx, a.sched); err != nil {
		slog.Warn("album scan not scheduled", "error", err)
	}
	a.sched.Start(ctx)

	slog.Info("bot running", "platforms", len(a.adapters))
	<-ctx.Done()
	return a.shutdown()
}

// adoptIdentity propagates the bot identity into command addressing and the
// engagement logic once the adapters know who they are. With both platforms
// enabled Telegram wins; Max usernames are only used by its own adapter.
func (a *App) adoptIdentity() {
	for _, name := range []string{"telegram", "max"} {
		ad, ok := a.adapters[name]
		if !ok {
			continue
		}
		a.pipe.BotUsername = ad.BotUsername()
		a.commands.BotUsername = ad.BotUsername()
		if ider, ok := ad.(interface{ BotID() int64 }); ok {
			a.pipe.BotID = ider.BotID()
			a.commands.BotID = ider.BotID()
		}
		return
	}
}

func (a *App) shutdown() error {
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Ingress first so nothing new arrives, then drain the bus and the
	// outboxes, then stop the periodic machinery.
	for name, ad := range a.adapters {
		if err := ad.Stop(ctx); err != nil {
			slog.Warn("adapter stop failed", "platform", name, "error", err)
		}
	}
	a.msgBus.Close()
	for _, ob := range a.outboxes {
		ob.Close()
	}
	a.sched.Stop()
	a.cache.Stop(ctx)
	a.limiter.Close()
	if err := a.stopTelemetry(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	return a.router.Close()
}

// send routes one outgoing action through its platform outbox and waits
// for the delivery report.
func (a *App) send(ctx context.Context, action bus.OutgoingAction) (string, error) {
	ob, ok := a.outboxes[action.Platform]
	if !ok {
		return "", fmt.Errorf("no outbox for platform %q", action.Platform)
	}
	select {
	case sent := <-ob.Submit(action):
		if sent.Err != nil {
			return "", sent.Err
		}
		if sent.Result != nil {
			return sent.Result.MessageID, nil
		}
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *App) download(ctx context.Context, platformName, fileID string) ([]byte, error) {
	ad, ok := a.adapters[platformName]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform %q", platformName)
	}
	return ad.DownloadFile(ctx, fileID)
}

// deliverReminder is the scheduler handler reminders fire under.
func (a *App) deliverReminder(ctx context.Context, kwargs json.RawMessage) error {
	var args tools.ReminderArgs
	if err := json.Unmarshal(kwargs, &args); err != nil {
		return fmt.Errorf("reminder kwargs: %w", err)
	}
	chat, err := a.router.GetChat(ctx, args.ChatID)
	if err != nil {
		return fmt.Errorf("reminder chat lookup: %w", err)
	}
	_, err = a.send(ctx, bus.OutgoingAction{
		Kind:     bus.ActionSendText,
		Platform: chat.Platform,
		ChatID:   args.ChatID,
		ThreadID: args.ThreadID,
		Text:     "Reminder: " + args.Text,
	})
	return err
}

// transcript renders a message span for summarization.
func (a *App) transcript(ctx context.Context, chatID, topicID int64, firstID, lastID string) (string, error) {
	msgs, err := a.router.ListRecentMessages(ctx, chatID, topicID, 400)
	if err != nil {
		return "", err
	}
	names := make(map[int64]string)
	nameOf := func(userID int64) string {
		if n, ok := names[userID]; ok {
			return n
		}
		n := strconv.FormatInt(userID, 10)
		if cu, err := a.router.GetChatUser(ctx, chatID, userID); err == nil && cu.DisplayName != "" {
			n = cu.DisplayName
		}
		names[userID] = n
		return n
	}

	var sb []byte
	in := firstID == ""
	for _, m := range msgs {
		if m.MessageID == firstID {
			in = true
		}
		if in && m.Text != "" && m.Category != storage.CategoryUserSpam {
			sb = append(sb, nameOf(m.UserID)...)
			sb = append(sb, ": "...)
			sb = append(sb, m.Text...)
			sb = append(sb, '\n')
		}
		if m.MessageID == lastID {
			break
		}
	}
	if len(sb) == 0 {
		return "", fmt.Errorf("no messages in range %s..%s", firstID, lastID)
	}
	return string(sb), nil
}

// rateLimits converts the config queue table.
func rateLimits(cfg config.RateLimitConfig) map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit, len(cfg.Queues))
	for name, q := range cfg.Queues {
		limits[name] = ratelimit.Limit{
			Capacity: q.Capacity,
			Window:   time.Duration(q.WindowSecs) * time.Second,
		}
	}
	return limits
}

// ownerIDs parses owner entries as numeric user ids; handles are skipped
// because permission checks compare ids, not names.
func ownerIDs(owners []string) []int64 {
	ids := make([]int64, 0, len(owners))
	for _, o := range owners {
		id, err := strconv.ParseInt(o, 10, 64)
		if err != nil {
			slog.Warn("ignoring non-numeric bot owner", "owner", o)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
