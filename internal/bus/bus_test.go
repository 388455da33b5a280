package bus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

func msgEvent(chatID int64, msgID string) IncomingEvent {
	return IncomingEvent{
		Kind:    EventMessageCreated,
		Chat:    &storage.Chat{ID: chatID},
		Message: &storage.Message{ChatID: chatID, MessageID: msgID},
	}
}

func TestPerChatOrdering(t *testing.T) {
	var mu sync.Mutex
	perChat := make(map[int64][]string)
	b := New(func(ctx context.Context, ev IncomingEvent) {
		mu.Lock()
		perChat[ev.Chat.ID] = append(perChat[ev.Chat.ID], ev.Message.MessageID)
		mu.Unlock()
	}, 256)

	const perChatN = 100
	for i := 0; i < perChatN; i++ {
		for chat := int64(1); chat <= 3; chat++ {
			b.Publish(msgEvent(chat, strconv.Itoa(i)))
		}
	}
	b.Close()

	for chat := int64(1); chat <= 3; chat++ {
		got := perChat[chat]
		if len(got) != perChatN {
			t.Fatalf("chat %d: delivered %d events, want %d", chat, len(got), perChatN)
		}
		for i, id := range got {
			if id != strconv.Itoa(i) {
				t.Fatalf("chat %d: event %d = %q, ordering broken", chat, i, id)
			}
		}
	}
}

func TestCloseDrainsQueued(t *testing.T) {
	slow := make(chan struct{})
	var mu sync.Mutex
	var delivered int
	b := New(func(ctx context.Context, ev IncomingEvent) {
		<-slow
		mu.Lock()
		delivered++
		mu.Unlock()
	}, 16)

	for i := 0; i < 5; i++ {
		b.Publish(msgEvent(1, strconv.Itoa(i)))
	}
	close(slow)
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if delivered != 5 {
		t.Errorf("delivered %d events, want 5", delivered)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := New(func(ctx context.Context, ev IncomingEvent) {
		t.Error("handler called after close")
	}, 4)
	b.Close()

	done := make(chan struct{})
	go func() {
		b.Publish(msgEvent(1, "late"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish after close blocked")
	}
}
