package media

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/config"
	"github.com/duskpine/vombat/internal/handlers"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/ratelimit"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/storage/memory"
)

type visionProvider struct {
	reply    string
	requests []llm.ChatRequest
}

func (p *visionProvider) Name() string         { return "vision" }
func (p *visionProvider) DefaultModel() string { return "vision-1" }

func (p *visionProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.requests = append(p.requests, req)
	return &llm.ChatResponse{Content: p.reply, FinishReason: "stop"}, nil
}

func (p *visionProvider) ChatStream(ctx context.Context, req llm.ChatRequest, _ func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestMedia(t *testing.T, provider *visionProvider, jobs []config.ResenderJob) (*Pipeline, storage.Store, *[]bus.OutgoingAction) {
	t.Helper()
	store := memory.New("test", false)

	registry := llm.NewRegistry()
	registry.RegisterProvider(provider)
	if err := registry.Bind("vision-1", llm.Binding{Provider: "vision", Model: "vision-1"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	limiter := ratelimit.NewManager(nil, ratelimit.Limit{Capacity: 1000, Window: time.Minute})
	t.Cleanup(limiter.Close)
	dispatcher := llm.NewDispatcher(registry, limiter, 5)

	var sent []bus.OutgoingAction
	send := func(_ context.Context, action bus.OutgoingAction) (string, error) {
		sent = append(sent, action)
		return "out-1", nil
	}
	download := func(_ context.Context, _, _ string) ([]byte, error) {
		return pngBytes(t, 64, 64), nil
	}

	p := New(store, nil, dispatcher, send, download,
		config.MediaConfig{GroupDelaySecs: 5, StorageDir: t.TempDir()}, jobs)
	return p, store, &sent
}

func photoEvent(chatID int64, messageID, mediaID, groupID, caption string) bus.IncomingEvent {
	meta, _ := json.Marshal(map[string]any{"file_id": "plat-" + mediaID})
	return bus.IncomingEvent{
		Kind:     bus.EventMessageCreated,
		Platform: "telegram",
		Chat:     &storage.Chat{ID: chatID, Platform: "telegram", Kind: storage.ChatGroup},
		User:     &bus.UserInfo{ID: 42},
		Message: &storage.Message{
			ChatID:       chatID,
			MessageID:    messageID,
			Date:         time.Now(),
			UserID:       42,
			Text:         caption,
			Type:         storage.TypePhoto,
			MediaID:      mediaID,
			MediaGroupID: groupID,
			Metadata:     meta,
		},
	}
}

func TestIngestRegistersGroupMembers(t *testing.T) {
	p, store, sent := newTestMedia(t, &visionProvider{}, nil)
	h := p.IngestHandler()
	ctx := context.Background()

	ev := photoEvent(1, "m1", "f1", "G", "")
	if err := h.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	att, err := store.GetMediaAttachment(ctx, "f1")
	if err != nil {
		t.Fatalf("attachment missing: %v", err)
	}
	if att.Status != storage.MediaNew {
		t.Fatalf("group member must stay new until the scan, got %s", att.Status)
	}
	items, err := store.ListUnprocessedGroupItems(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("group items = %v, %v", items, err)
	}
	if items[0].GroupID != "G" || items[0].MediaID != "f1" {
		t.Fatalf("group item = %+v", items[0])
	}
	if len(*sent) != 0 {
		t.Fatalf("no sends expected during group ingest, got %+v", *sent)
	}
}

func TestStandaloneMediaProcessedImmediately(t *testing.T) {
	p, store, _ := newTestMedia(t, &visionProvider{}, nil)
	h := p.IngestHandler()
	ctx := context.Background()

	ev := photoEvent(1, "m1", "f1", "", "look at this")
	if err := h.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	att, err := store.GetMediaAttachment(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if att.Status != storage.MediaDone {
		t.Fatalf("status = %s, want done", att.Status)
	}
	if att.LocalURL == "" {
		t.Fatal("local copy not recorded")
	}
}

func TestVisionDescriptionStored(t *testing.T) {
	provider := &visionProvider{reply: "a grey cat on a sofa"}
	p, store, _ := newTestMedia(t, provider, nil)
	h := p.IngestHandler()
	ctx := context.Background()

	ev := photoEvent(1, "m1", "f1", "", "")
	settings := handlers.Resolved{handlers.KeyParseImages: "true"}
	if err := h.Handle(ctx, ev, settings); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	att, _ := store.GetMediaAttachment(ctx, "f1")
	if att.Description != "a grey cat on a sofa" {
		t.Fatalf("description = %q", att.Description)
	}
	if len(provider.requests) != 1 {
		t.Fatalf("vision calls = %d", len(provider.requests))
	}
	msg := provider.requests[0].Messages[0]
	if len(msg.Images) != 1 || msg.Images[0].Data == "" {
		t.Fatalf("image not attached to vision request: %+v", msg)
	}
}

func TestDownloadFailureMarksFailed(t *testing.T) {
	p, store, _ := newTestMedia(t, &visionProvider{}, nil)
	p.Download = func(context.Context, string, string) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}
	h := p.IngestHandler()
	ctx := context.Background()

	ev := photoEvent(1, "m1", "f1", "", "")
	if err := h.Handle(ctx, ev, handlers.Resolved{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	att, _ := store.GetMediaAttachment(ctx, "f1")
	if att.Status != storage.MediaFailed {
		t.Fatalf("status = %s, want failed", att.Status)
	}
}

func TestAlbumScanWaitsForQuietPeriod(t *testing.T) {
	job := config.ResenderJob{ID: "j1", SourceChatID: 1, TargetChatID: 2}
	p, store, sent := newTestMedia(t, &visionProvider{}, []config.ResenderJob{job})
	h := p.IngestHandler()
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if err := store.UpsertChat(ctx, &storage.Chat{ID: 1, Platform: "telegram", Kind: storage.ChatGroup}); err != nil {
		t.Fatal(err)
	}

	// Three members arrive at t=0, t=1s, t=2s.
	for i, at := range []time.Duration{0, time.Second, 2 * time.Second} {
		p.now = func() time.Time { return base.Add(at) }
		ev := photoEvent(1, "m"+string(rune('1'+i)), "f"+string(rune('1'+i)), "G", "album caption")
		if err := h.Handle(ctx, ev, handlers.Resolved{}); err != nil {
			t.Fatal(err)
		}
	}

	// At t=3s the newest member is 1s old: defer.
	p.now = func() time.Time { return base.Add(3 * time.Second) }
	if err := p.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 0 {
		t.Fatalf("group emitted too early: %+v", *sent)
	}

	// At t=8s the group is quiet for 6s: emit as one batch.
	p.now = func() time.Time { return base.Add(8 * time.Second) }
	if err := p.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 1 {
		t.Fatalf("actions = %+v", *sent)
	}
	batch := (*sent)[0]
	if batch.Kind != bus.ActionSendMediaGroup || batch.ChatID != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	if len(batch.Media) != 3 {
		t.Fatalf("batch size = %d", len(batch.Media))
	}
	if batch.Media[0].Caption != "album caption" {
		t.Fatalf("caption = %q", batch.Media[0].Caption)
	}

	items, _ := store.ListUnprocessedGroupItems(ctx)
	if len(items) != 0 {
		t.Fatalf("group not marked processed: %+v", items)
	}

	// A second scan is a no-op.
	if err := p.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if len(*sent) != 1 {
		t.Fatalf("group re-emitted: %+v", *sent)
	}
}

func TestDelayForHonorsJobOverride(t *testing.T) {
	p, _, _ := newTestMedia(t, &visionProvider{}, []config.ResenderJob{
		{ID: "j1", SourceChatID: 1, TargetChatID: 2, MediaGroupDelaySecs: 30},
	})
	if d := p.delayFor(1); d != 30*time.Second {
		t.Fatalf("delay = %s", d)
	}
	if d := p.delayFor(99); d != 5*time.Second {
		t.Fatalf("default delay = %s", d)
	}
}

func TestDownscaleFitsWithinBound(t *testing.T) {
	data := pngBytes(t, 2000, 1000)
	out, err := Downscale(data, 1024)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 1024 || b.Dy() > 1024 {
		t.Fatalf("result %dx%d exceeds bound", b.Dx(), b.Dy())
	}
	// Aspect ratio preserved.
	if b.Dx() != 1024 || b.Dy() != 512 {
		t.Fatalf("result %dx%d, want 1024x512", b.Dx(), b.Dy())
	}
}

func TestDownscaleKeepsSmallImages(t *testing.T) {
	data := pngBytes(t, 100, 80)
	out, err := Downscale(data, 1024)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 80 {
		t.Fatalf("small image was resized: %v", img.Bounds())
	}
}
