// Package telegram adapts the Telegram Bot API to the platform contract
// using telego. Ingress runs either as long polling or as a webhook server
// validating the shared secret token.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mymmrac/telego"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/config"
	"github.com/duskpine/vombat/internal/platform"
)

// Adapter connects to Telegram and publishes normalized events.
type Adapter struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	publish func(bus.IncomingEvent)

	username string
	botID    int64
	answered platform.Dedup

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	webhookSrv *http.Server
}

// New creates the adapter. publish receives every normalized event.
func New(cfg config.TelegramConfig, publish func(bus.IncomingEvent)) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, cfg: cfg, publish: publish}, nil
}

func (a *Adapter) Name() string        { return "telegram" }
func (a *Adapter) BotUsername() string { return a.username }
func (a *Adapter) BotID() int64        { return a.botID }

// Start verifies the token and launches ingress. Webhook mode wins when a
// webhook URL is configured.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	a.username = me.Username
	a.botID = me.ID
	slog.Info("telegram bot connected", "username", a.username)

	if a.cfg.WebhookURL != "" {
		return a.startWebhook(ctx)
	}
	return a.startPolling(ctx)
}

func (a *Adapter) startPolling(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message", "edited_message", "callback_query", "my_chat_member",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				a.dispatch(update)
			}
		}
	}()
	return nil
}

func (a *Adapter) startWebhook(ctx context.Context) error {
	if _, err := a.bot.GetMe(ctx); err != nil {
		return err
	}
	if err := a.bot.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:         a.cfg.WebhookURL,
		SecretToken: a.cfg.WebhookSecret,
	}); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/telegram", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.WebhookSecret != "" &&
			r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != a.cfg.WebhookSecret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var update telego.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		a.dispatch(update)
		w.WriteHeader(http.StatusOK)
	})

	listen := a.cfg.WebhookListen
	if listen == "" {
		listen = ":8443"
	}
	a.webhookSrv = &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := a.webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("telegram webhook server", "error", err)
		}
	}()
	slog.Info("telegram webhook listening", "addr", listen)
	return nil
}

// Stop cancels polling or shuts down the webhook server, waiting for the
// ingress goroutine so Telegram releases the getUpdates lock.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	if a.webhookSrv != nil {
		return a.webhookSrv.Shutdown(ctx)
	}
	return nil
}

// IsChatAdmin checks live admin status against the platform.
func (a *Adapter) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	admins, err := a.bot.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{
		ChatID: telego.ChatID{ID: chatID},
	})
	if err != nil {
		return false, fmt.Errorf("get chat administrators: %w", err)
	}
	for _, m := range admins {
		if m.MemberUser().ID == userID {
			return true, nil
		}
	}
	return false, nil
}
