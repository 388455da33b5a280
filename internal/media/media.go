// Package media runs the attachment pipeline: album completion for platform
// media groups, local storage with downscaling, vision descriptions and
// cross-chat resender jobs.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/config"
	"github.com/duskpine/vombat/internal/handlers"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/storage"
)

// visionMaxDim bounds the longest side of images sent to the vision model.
const visionMaxDim = 1024

const defaultDescribePrompt = "Describe this image in one or two sentences."

// Sender delivers one outgoing action and returns the platform message id.
type Sender func(ctx context.Context, action bus.OutgoingAction) (string, error)

// Downloader fetches raw file bytes from a platform by its file id.
type Downloader func(ctx context.Context, platform, fileID string) ([]byte, error)

// Pipeline ties attachment ingestion, album completion and resending
// together over one store.
type Pipeline struct {
	Store      storage.Store
	Settings   *handlers.Settings
	Dispatcher *llm.Dispatcher
	Send       Sender
	Download   Downloader

	StorageDir string
	GroupDelay time.Duration
	Jobs       []config.ResenderJob

	now func() time.Time
}

func New(store storage.Store, settings *handlers.Settings, dispatcher *llm.Dispatcher,
	send Sender, download Downloader, cfg config.MediaConfig, jobs []config.ResenderJob) *Pipeline {
	delay := time.Duration(cfg.GroupDelaySecs) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}
	dir := cfg.StorageDir
	if dir == "" {
		dir = "media"
	}
	return &Pipeline{
		Store:      store,
		Settings:   settings,
		Dispatcher: dispatcher,
		Send:       send,
		Download:   download,
		StorageDir: dir,
		GroupDelay: delay,
		Jobs:       jobs,
		now:        time.Now,
	}
}

// IngestHandler records every incoming attachment. Group members are only
// registered here; the album scan emits them as one batch once the group
// goes quiet. Standalone media is processed immediately.
func (p *Pipeline) IngestHandler() handlers.Handler {
	return handlers.Handler{
		Name: "media_ingest",
		Match: func(ev bus.IncomingEvent, _ handlers.Resolved) bool {
			return ev.Kind == bus.EventMessageCreated &&
				ev.Message != nil && ev.Chat != nil &&
				ev.Message.MediaID != ""
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved) error {
			msg := ev.Message
			att := &storage.MediaAttachment{
				FileUniqueID:   msg.MediaID,
				Status:         storage.MediaNew,
				Mime:           mimeOf(msg.Type),
				PlatformFileID: platformFileID(msg),
				UserPrompt:     msg.Text,
			}
			if err := p.Store.UpsertMediaAttachment(ctx, att); err != nil {
				return fmt.Errorf("upsert attachment: %w", err)
			}

			if msg.MediaGroupID != "" {
				item := &storage.MediaGroupItem{
					GroupID:   msg.MediaGroupID,
					ChatID:    msg.ChatID,
					MessageID: msg.MessageID,
					MediaID:   msg.MediaID,
					UpdatedAt: p.now(),
				}
				if err := p.Store.UpsertMediaGroupItem(ctx, item); err != nil {
					return fmt.Errorf("upsert group item: %w", err)
				}
				return nil
			}

			p.processAttachment(ctx, ev.Platform, msg.ChatID, att, settings)
			p.resendSingle(ctx, ev.Platform, msg.ChatID, att, msg.Text)
			return nil
		},
	}
}

// processAttachment moves one attachment new -> pending -> done|failed:
// download, downscale, store locally, optionally describe via the vision
// model. Failures mark the attachment failed and are not retried.
func (p *Pipeline) processAttachment(ctx context.Context, platform string, chatID int64,
	att *storage.MediaAttachment, settings handlers.Resolved) {
	if err := p.Store.SetMediaStatus(ctx, att.FileUniqueID, storage.MediaPending, ""); err != nil {
		slog.Warn("media: mark pending", "media", att.FileUniqueID, "error", err)
		return
	}
	att.Status = storage.MediaPending

	data, err := p.Download(ctx, platform, att.PlatformFileID)
	if err != nil {
		slog.Warn("media: download failed", "media", att.FileUniqueID, "error", err)
		p.fail(ctx, att)
		return
	}
	att.Size = int64(len(data))

	if isImage(att.Mime) {
		if scaled, err := Downscale(data, visionMaxDim); err == nil {
			data = scaled
			att.Mime = "image/jpeg"
		} else {
			slog.Debug("media: downscale skipped", "media", att.FileUniqueID, "error", err)
		}
	}

	local, err := p.storeLocal(att.FileUniqueID, att.Mime, data)
	if err != nil {
		slog.Warn("media: local store failed", "media", att.FileUniqueID, "error", err)
		p.fail(ctx, att)
		return
	}
	att.LocalURL = local
	if err := p.Store.UpsertMediaAttachment(ctx, att); err != nil {
		slog.Warn("media: update attachment", "media", att.FileUniqueID, "error", err)
	}

	description := ""
	if settings.Bool(handlers.KeyParseImages) && isImage(att.Mime) {
		description, err = p.describe(ctx, settings.String(handlers.KeyChatModel), att, data)
		if err != nil {
			slog.Warn("media: vision description failed", "media", att.FileUniqueID, "error", err)
			p.fail(ctx, att)
			return
		}
	}
	if err := p.Store.SetMediaStatus(ctx, att.FileUniqueID, storage.MediaDone, description); err != nil {
		slog.Warn("media: mark done", "media", att.FileUniqueID, "error", err)
	}
	att.Status = storage.MediaDone
	att.Description = description
}

func (p *Pipeline) fail(ctx context.Context, att *storage.MediaAttachment) {
	if err := p.Store.SetMediaStatus(ctx, att.FileUniqueID, storage.MediaFailed, ""); err != nil {
		slog.Warn("media: mark failed", "media", att.FileUniqueID, "error", err)
	}
	att.Status = storage.MediaFailed
}

// describe asks the vision model for a short caption.
func (p *Pipeline) describe(ctx context.Context, model string, att *storage.MediaAttachment, data []byte) (string, error) {
	prompt := att.UserPrompt
	if prompt == "" {
		prompt = defaultDescribePrompt
	}
	resp, err := p.Dispatcher.Complete(ctx, model, []llm.Message{{
		Role:    "user",
		Content: prompt,
		Images: []llm.ImageContent{{
			MimeType: att.Mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// storeLocal writes the attachment under the storage directory and returns
// its path.
func (p *Pipeline) storeLocal(fileUniqueID, mime string, data []byte) (string, error) {
	if err := os.MkdirAll(p.StorageDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(p.StorageDir, fileUniqueID+extOf(mime))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// resendSingle republishes standalone media to the targets of matching
// resender jobs.
func (p *Pipeline) resendSingle(ctx context.Context, platform string, chatID int64, att *storage.MediaAttachment, caption string) {
	for _, job := range p.Jobs {
		if job.SourceChatID != chatID {
			continue
		}
		if _, err := p.Send(ctx, bus.OutgoingAction{
			Kind:     bus.ActionSendMedia,
			Platform: platform,
			ChatID:   job.TargetChatID,
			Media:    []bus.MediaItem{{URL: att.PlatformFileID, MimeType: att.Mime, Caption: caption}},
			Category: storage.CategoryBotResended,
		}); err != nil {
			slog.Warn("media: resend failed", "job", job.ID, "media", att.FileUniqueID, "error", err)
		}
	}
}

func mimeOf(t storage.MessageType) string {
	switch t {
	case storage.TypePhoto:
		return "image/jpeg"
	case storage.TypeVideo:
		return "video/mp4"
	case storage.TypeVoice:
		return "audio/ogg"
	case storage.TypeAudio:
		return "audio/mpeg"
	case storage.TypeSticker:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func extOf(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".bin"
	}
}

func isImage(mime string) bool {
	return mime == "image/jpeg" || mime == "image/png" || mime == "image/webp"
}

// platformFileID pulls the platform download handle out of the message
// metadata. Telegram stores file_id; Max stores a direct url.
func platformFileID(msg *storage.Message) string {
	if len(msg.Metadata) == 0 {
		return ""
	}
	var meta struct {
		FileID string `json:"file_id"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(msg.Metadata, &meta); err != nil {
		return ""
	}
	if meta.FileID != "" {
		return meta.FileID
	}
	return meta.URL
}
