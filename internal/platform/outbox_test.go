package platform

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/ratelimit"
)

// statusErr mimics a platform API error carrying an HTTP status.
type statusErr struct{ code int }

func (e *statusErr) Error() string   { return "status " + strconv.Itoa(e.code) }
func (e *statusErr) StatusCode() int { return e.code }

// fakeAdapter replays scripted Perform errors and records calls.
type fakeAdapter struct {
	errs  []error
	calls int
}

func (f *fakeAdapter) Name() string                   { return "fake" }
func (f *fakeAdapter) BotUsername() string            { return "fakebot" }
func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) Perform(ctx context.Context, action bus.OutgoingAction) (*SendResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &SendResult{MessageID: strconv.Itoa(f.calls)}, nil
}

func (f *fakeAdapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	return false, nil
}

func TestOutboxRetriesTransientSendFailures(t *testing.T) {
	fa := &fakeAdapter{errs: []error{
		&statusErr{code: 503},
		&statusErr{code: 429},
	}}
	o := NewOutbox(fa, nil, 1000, 1000)
	o.baseDelay = time.Millisecond
	defer o.Close()

	sent := <-o.Submit(bus.OutgoingAction{Kind: bus.ActionSendText, ChatID: 1, Text: "hi"})
	if sent.Err != nil {
		t.Fatalf("send failed after retries: %v", sent.Err)
	}
	if sent.Result == nil || sent.Result.MessageID != "3" {
		t.Fatalf("unexpected result: %+v", sent.Result)
	}
	if fa.calls != 3 {
		t.Errorf("Perform called %d times, want 3", fa.calls)
	}
}

func TestOutboxDoesNotRetryPermanentFailures(t *testing.T) {
	fa := &fakeAdapter{errs: []error{errors.New("bad request")}}
	o := NewOutbox(fa, nil, 1000, 1000)
	o.baseDelay = time.Millisecond
	defer o.Close()

	sent := <-o.Submit(bus.OutgoingAction{Kind: bus.ActionSendText, ChatID: 1, Text: "hi"})
	if sent.Err == nil {
		t.Fatal("permanent failure must surface")
	}
	if fa.calls != 1 {
		t.Errorf("Perform called %d times, want 1", fa.calls)
	}
}

func TestOutboxAdmitsThroughQueueLimiter(t *testing.T) {
	window := 80 * time.Millisecond
	m := ratelimit.NewManager(map[string]ratelimit.Limit{
		"send:fake": {Capacity: 2, Window: window},
	}, ratelimit.Limit{Capacity: 1000, Window: time.Minute})
	defer m.Close()

	fa := &fakeAdapter{}
	o := NewOutbox(fa, m, 1000, 1000)
	defer o.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		sent := <-o.Submit(bus.OutgoingAction{Kind: bus.ActionSendText, ChatID: 1, Text: "hi"})
		if sent.Err != nil {
			t.Fatalf("send %d: %v", i, sent.Err)
		}
	}
	if fa.calls != 3 {
		t.Fatalf("Perform called %d times, want 3", fa.calls)
	}
	// The third send must wait for the window to slide.
	if elapsed := time.Since(start); elapsed < window*3/4 {
		t.Errorf("third send admitted after %v, want at least %v", elapsed, window*3/4)
	}
}

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &statusErr{code: 429}, true},
		{"503", &statusErr{code: 503}, true},
		{"400", &statusErr{code: 400}, false},
		{"plain", errors.New("nope"), false},
		{"canceled", context.Canceled, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}
