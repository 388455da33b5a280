// Package max adapts the Max messenger Bot API to the platform contract.
// The API has no official Go SDK so the transport is a small hand-rolled
// HTTP client. Ingress runs either as a long-poll loop with exponential
// backoff or as a webhook server validating the shared secret.
package max

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/config"
	"github.com/duskpine/vombat/internal/platform"
)

const pollTimeoutSecs = 30

// Adapter connects to Max and publishes normalized events.
type Adapter struct {
	client  *Client
	cfg     config.MaxConfig
	publish func(bus.IncomingEvent)

	username string
	botID    int64
	answered platform.Dedup

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	webhookSrv *http.Server
}

// New creates the adapter. publish receives every normalized event.
func New(cfg config.MaxConfig, publish func(bus.IncomingEvent)) *Adapter {
	return &Adapter{
		client:  NewClient(cfg.BotToken, cfg.Endpoint),
		cfg:     cfg,
		publish: publish,
	}
}

func (a *Adapter) Name() string        { return "max" }
func (a *Adapter) BotUsername() string { return a.username }
func (a *Adapter) BotID() int64        { return a.botID }

// Start verifies the token and launches ingress. Webhook mode wins when a
// webhook URL is configured.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("max auth: %w", err)
	}
	a.username = me.Username
	a.botID = me.UserID
	slog.Info("max bot connected", "username", a.username)

	if a.cfg.WebhookURL != "" {
		return a.startWebhook(ctx)
	}
	return a.startPolling(ctx)
}

// startPolling runs the long-poll loop. Transient API failures back off
// exponentially up to a minute and never kill the loop.
func (a *Adapter) startPolling(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	go func() {
		defer close(a.pollDone)
		var marker *int64
		backoff := time.Second
		for {
			if pollCtx.Err() != nil {
				return
			}
			batch, err := a.client.GetUpdates(pollCtx, marker, pollTimeoutSecs)
			if err != nil {
				if pollCtx.Err() != nil {
					return
				}
				slog.Warn("max polling failed, reconnecting", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-pollCtx.Done():
					return
				}
				if backoff < time.Minute {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			for _, upd := range batch.Updates {
				a.dispatch(upd)
			}
			if batch.Marker != nil {
				marker = batch.Marker
			}
		}
	}()
	return nil
}

func (a *Adapter) startWebhook(ctx context.Context) error {
	if err := a.client.Subscribe(ctx, a.cfg.WebhookURL, a.cfg.WebhookSecret); err != nil {
		return fmt.Errorf("subscribe webhook: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/max", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.WebhookSecret != "" &&
			r.Header.Get("X-Max-Bot-Api-Secret") != a.cfg.WebhookSecret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var upd update
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if upd.UpdateType == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		a.dispatch(upd)
		w.WriteHeader(http.StatusOK)
	})

	listen := a.cfg.WebhookListen
	if listen == "" {
		listen = ":8444"
	}
	a.webhookSrv = &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := a.webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("max webhook server", "error", err)
		}
	}()
	slog.Info("max webhook listening", "addr", listen)
	return nil
}

// Stop cancels polling or shuts down the webhook server.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("max polling goroutine did not exit within timeout")
		}
	}
	if a.webhookSrv != nil {
		if a.cfg.WebhookURL != "" {
			if err := a.client.Unsubscribe(ctx, a.cfg.WebhookURL); err != nil {
				slog.Warn("max webhook unsubscribe failed", "error", err)
			}
		}
		return a.webhookSrv.Shutdown(ctx)
	}
	return nil
}

// IsChatAdmin checks live admin status against the platform.
func (a *Adapter) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	admins, err := a.client.GetAdmins(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("get chat admins: %w", err)
	}
	for _, m := range admins {
		if m.UserID == userID && (m.IsAdmin || m.IsOwner) {
			return true, nil
		}
	}
	return false, nil
}
