package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/handlers"
	"github.com/duskpine/vombat/internal/scheduler"
	"github.com/duskpine/vombat/internal/storage"
)

// AlbumTaskFunction is the scheduler handler name for the album scan.
const AlbumTaskFunction = "media_album_scan"

const albumTaskID = "media:album-scan"

// Albums have no closure signal, so the scan runs every second and relies
// on the quiet period instead.
const albumCron = "* * * * * *"

// RegisterScan binds the album scan to the scheduler as a recurring task.
func (p *Pipeline) RegisterScan(ctx context.Context, sched *scheduler.Scheduler) error {
	sched.Register(AlbumTaskFunction, func(ctx context.Context, _ json.RawMessage) error {
		return p.Scan(ctx)
	})
	if err := sched.ScheduleCron(ctx, albumTaskID, albumCron, AlbumTaskFunction, nil); err != nil {
		return fmt.Errorf("schedule album scan: %w", err)
	}
	return nil
}

// Scan emits every quiet media group as one batch. A group is eligible when
// no member arrived for the grace delay; anything arriving later is treated
// as standalone media by the ingest handler.
func (p *Pipeline) Scan(ctx context.Context) error {
	items, err := p.Store.ListUnprocessedGroupItems(ctx)
	if err != nil {
		return fmt.Errorf("list group items: %w", err)
	}

	groups := make(map[string][]*storage.MediaGroupItem)
	for _, item := range items {
		groups[item.GroupID] = append(groups[item.GroupID], item)
	}
	for groupID, members := range groups {
		var latest time.Time
		for _, m := range members {
			if m.UpdatedAt.After(latest) {
				latest = m.UpdatedAt
			}
		}
		if p.now().Sub(latest) < p.delayFor(members[0].ChatID) {
			continue
		}
		if err := p.processGroup(ctx, groupID, members); err != nil {
			slog.Warn("media: album processing failed", "group", groupID, "error", err)
		}
	}
	return nil
}

// delayFor returns the grace delay for a chat, honoring per-job overrides.
func (p *Pipeline) delayFor(chatID int64) time.Duration {
	for _, job := range p.Jobs {
		if job.SourceChatID == chatID && job.MediaGroupDelaySecs > 0 {
			return time.Duration(job.MediaGroupDelaySecs) * time.Second
		}
	}
	return p.GroupDelay
}

// processGroup runs the attachment pipeline over every member and resends
// the batch before marking the group processed. Marking last keeps the scan
// idempotent: a crash mid-group re-emits it on the next tick.
func (p *Pipeline) processGroup(ctx context.Context, groupID string, members []*storage.MediaGroupItem) error {
	sort.Slice(members, func(i, j int) bool { return members[i].MessageID < members[j].MessageID })
	chatID := members[0].ChatID

	platform := ""
	settings := handlers.Resolved{}
	if chat, err := p.Store.GetChat(ctx, chatID); err == nil {
		platform = chat.Platform
		if p.Settings != nil {
			if resolved, err := p.Settings.Resolve(ctx, chatID, chat.Kind); err == nil {
				settings = resolved
			}
		}
	}

	attachments := make([]*storage.MediaAttachment, 0, len(members))
	for _, m := range members {
		att, err := p.Store.GetMediaAttachment(ctx, m.MediaID)
		if err != nil {
			slog.Warn("media: missing attachment for group item", "group", groupID, "media", m.MediaID, "error", err)
			continue
		}
		if att.Status == storage.MediaNew {
			p.processAttachment(ctx, platform, chatID, att, settings)
		}
		attachments = append(attachments, att)
	}

	p.resendGroup(ctx, platform, chatID, attachments)

	if err := p.Store.MarkMediaGroupProcessed(ctx, groupID); err != nil {
		return fmt.Errorf("mark group processed: %w", err)
	}
	return nil
}

// resendGroup republishes the whole album as one outbound batch.
func (p *Pipeline) resendGroup(ctx context.Context, platform string, chatID int64, attachments []*storage.MediaAttachment) {
	if len(attachments) == 0 {
		return
	}
	for _, job := range p.Jobs {
		if job.SourceChatID != chatID {
			continue
		}
		media := make([]bus.MediaItem, 0, len(attachments))
		for i, att := range attachments {
			item := bus.MediaItem{URL: att.PlatformFileID, MimeType: att.Mime}
			if i == 0 {
				item.Caption = att.UserPrompt
			}
			media = append(media, item)
		}
		if _, err := p.Send(ctx, bus.OutgoingAction{
			Kind:     bus.ActionSendMediaGroup,
			Platform: platform,
			ChatID:   job.TargetChatID,
			Media:    media,
			Category: storage.CategoryBotResended,
		}); err != nil {
			slog.Warn("media: album resend failed", "job", job.ID, "chat", chatID, "error", err)
		}
	}
}
