package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeProvider replays scripted responses and records requests.
type fakeProvider struct {
	name      string
	responses []*ChatResponse
	errs      []error
	calls     int
	requests  []ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &ChatResponse{Content: "done", FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "fake-1" }
func (f *fakeProvider) Name() string         { return f.name }

func newRegistry(t *testing.T, providers ...*fakeProvider) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, p := range providers {
		r.RegisterProvider(p)
	}
	return r
}

func TestCompletePlainReply(t *testing.T) {
	p := &fakeProvider{name: "fake", responses: []*ChatResponse{
		{Content: "hello", FinishReason: "stop", Usage: &Usage{TotalTokens: 10}},
	}}
	r := newRegistry(t, p)
	if err := r.Bind("main", Binding{Provider: "fake", Model: "fake-1"}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, 5)

	resp, err := d.Complete(context.Background(), "main", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times", p.calls)
	}
}

func TestToolLoopExecutesAndFeedsBack(t *testing.T) {
	p := &fakeProvider{name: "fake", responses: []*ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []ToolCall{
				{ID: "c1", Name: "weather", Arguments: map[string]interface{}{"city": "moscow"}},
				{ID: "c2", Name: "weather", Arguments: map[string]interface{}{"city": "oslo"}},
			},
			Usage: &Usage{TotalTokens: 5},
		},
		{Content: "both cold", FinishReason: "stop", Usage: &Usage{TotalTokens: 7}},
	}}
	r := newRegistry(t, p)
	if err := r.Bind("main", Binding{Provider: "fake", Model: "fake-1"}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, 5)

	tool := Tool{
		Name: "weather",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "cold in " + args["city"].(string), nil
		},
	}
	resp, err := d.Complete(context.Background(), "main", []Message{{Role: "user", Content: "weather?"}}, []Tool{tool})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "both cold" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Errorf("usage should accumulate across rounds: %+v", resp.Usage)
	}

	// Second request must carry the assistant tool_calls plus one tool
	// message per call, in call order.
	second := p.requests[1]
	n := len(second.Messages)
	if n < 3 {
		t.Fatalf("second request has %d messages", n)
	}
	if second.Messages[n-3].Role != "assistant" || len(second.Messages[n-3].ToolCalls) != 2 {
		t.Errorf("assistant turn not echoed: %+v", second.Messages[n-3])
	}
	if second.Messages[n-2].ToolCallID != "c1" || !strings.Contains(second.Messages[n-2].Content, "moscow") {
		t.Errorf("first tool result wrong: %+v", second.Messages[n-2])
	}
	if second.Messages[n-1].ToolCallID != "c2" || !strings.Contains(second.Messages[n-1].Content, "oslo") {
		t.Errorf("second tool result wrong: %+v", second.Messages[n-1])
	}
}

func TestToolLoopDepthLimit(t *testing.T) {
	// The model keeps asking for tools forever.
	var responses []*ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, &ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls:    []ToolCall{{ID: "x", Name: "noop", Arguments: map[string]interface{}{}}},
		})
	}
	p := &fakeProvider{name: "fake", responses: responses}
	r := newRegistry(t, p)
	if err := r.Bind("main", Binding{Provider: "fake", Model: "fake-1"}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, 3)

	noop := Tool{Name: "noop", Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "ok", nil
	}}
	_, err := d.Complete(context.Background(), "main", []Message{{Role: "user", Content: "go"}}, []Tool{noop})
	if !errors.Is(err, ErrToolLoopLimit) {
		t.Errorf("err = %v, want ErrToolLoopLimit", err)
	}
	if p.calls != 3 {
		t.Errorf("provider called %d times, want 3", p.calls)
	}
}

func TestToolErrorReportedToModel(t *testing.T) {
	p := &fakeProvider{name: "fake", responses: []*ChatResponse{
		{FinishReason: "tool_calls", ToolCalls: []ToolCall{{ID: "c1", Name: "broken"}}},
		{Content: "recovered", FinishReason: "stop"},
	}}
	r := newRegistry(t, p)
	if err := r.Bind("main", Binding{Provider: "fake", Model: "fake-1"}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, 5)

	broken := Tool{Name: "broken", Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", errors.New("boom")
	}}
	resp, err := d.Complete(context.Background(), "main", []Message{{Role: "user", Content: "go"}}, []Tool{broken})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "boom") {
		t.Errorf("tool error not surfaced to model: %q", last.Content)
	}
}

func TestFallbackModelOnTransientError(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{
		&HTTPError{Status: 503, Body: "overloaded"},
	}}
	backup := &fakeProvider{name: "backup", responses: []*ChatResponse{
		{Content: "from backup", FinishReason: "stop"},
	}}
	r := newRegistry(t, primary, backup)
	if err := r.Bind("spare", Binding{Provider: "backup", Model: "b-1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("main", Binding{Provider: "primary", Model: "p-1", Fallback: "spare"}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, 5)

	resp, err := d.Complete(context.Background(), "main", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestFallbackSkippedOnFatalError(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{
		&HTTPError{Status: 401, Body: "bad key"},
	}}
	backup := &fakeProvider{name: "backup", responses: []*ChatResponse{
		{Content: "from backup", FinishReason: "stop"},
	}}
	r := newRegistry(t, primary, backup)
	if err := r.Bind("spare", Binding{Provider: "backup", Model: "b-1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("main", Binding{Provider: "primary", Model: "p-1", Fallback: "spare"}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, 5)

	_, err := d.Complete(context.Background(), "main", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("auth failure must surface, not fall back")
	}
	if backup.calls != 0 {
		t.Errorf("backup called %d times on a fatal primary error", backup.calls)
	}
}

func TestUnknownModel(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, 5)
	_, err := d.Complete(context.Background(), "ghost", nil, nil)
	if err == nil {
		t.Error("unknown model should fail")
	}
}

func TestRetryTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &HTTPError{Status: 429}, true},
		{"500", &HTTPError{Status: 500}, true},
		{"503", &HTTPError{Status: 503}, true},
		{"400", &HTTPError{Status: 400}, false},
		{"401", &HTTPError{Status: 401}, false},
		{"plain", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 400}
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v; permanent errors must not retry", calls, err)
	}
}

func TestRetryDoRecovers(t *testing.T) {
	calls := 0
	v, err := RetryDo(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &HTTPError{Status: 500}
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("v = %d, err = %v", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
