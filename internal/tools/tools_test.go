package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/storage/memory"
)

func TestWeatherCurrentCachesResponses(t *testing.T) {
	var geoCalls, weatherCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/geo/1.0/direct"):
			geoCalls++
			w.Write([]byte(`[{"name":"Berlin","lat":52.52,"lon":13.405,"country":"DE"}]`))
		case strings.HasPrefix(r.URL.Path, "/data/2.5/weather"):
			weatherCalls++
			w.Write([]byte(`{"weather":[{"description":"clear sky"}],"main":{"temp":21.5,"feels_like":20.9,"humidity":40,"pressure":1013},"wind":{"speed":3.2},"name":"Berlin"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := memory.New("test", false)
	svc := NewWeatherService("key", srv.URL, store)

	ctx := context.Background()
	first, err := svc.Current(ctx, "Berlin")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !strings.Contains(first, "Berlin, DE") || !strings.Contains(first, "clear sky") {
		t.Fatalf("unexpected report: %q", first)
	}

	second, err := svc.Current(ctx, "Berlin")
	if err != nil {
		t.Fatalf("Current (cached): %v", err)
	}
	if first != second {
		t.Fatalf("cached report differs: %q vs %q", first, second)
	}
	if geoCalls != 1 || weatherCalls != 1 {
		t.Fatalf("expected 1 upstream call each, got geo=%d weather=%d", geoCalls, weatherCalls)
	}

	// The weather domain is keyed by resolved coordinates; the geocode
	// domain holds the normalized place query.
	var rep weatherReport
	if err := cache.TypedGet(ctx, store, cache.DomainWeather, "52.5200,13.4050", weatherTTL, &rep); err != nil {
		t.Fatalf("weather report not cached under coordinates: %v", err)
	}
	var pl geoPlace
	if err := cache.TypedGet(ctx, store, cache.DomainGeocode, "berlin", geocodeTTL, &pl); err != nil {
		t.Fatalf("geocode result not cached under normalized query: %v", err)
	}
	if pl.Lat != 52.52 || pl.Lon != 13.405 {
		t.Fatalf("cached place has wrong coordinates: %+v", pl)
	}
}

func TestGeocodeToolReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/geo/1.0/reverse") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"name":"Potsdam","lat":52.4,"lon":13.06,"country":"DE"}]`))
	}))
	defer srv.Close()

	svc := NewWeatherService("key", srv.URL, memory.New("test", false))
	out, err := svc.GeocodeTool().Handler(context.Background(), map[string]interface{}{
		"lat": 52.4, "lon": 13.06,
	})
	if err != nil {
		t.Fatalf("reverse geocode: %v", err)
	}
	if !strings.Contains(out, "Potsdam") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSearchFallsBackToNextProvider(t *testing.T) {
	ddgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a class="result__a" href="https://example.com/go">Go Language</a>` +
			`<a class="result__snippet">An open source language</a>`))
	}))
	defer ddgSrv.Close()

	failing := &yandexProvider{
		apiKey: "k", folderID: "f",
		endpoint: "http://127.0.0.1:1", // refused
		client:   &http.Client{Timeout: time.Second},
	}
	ddg := newDuckDuckGoProvider()
	ddg.endpoint = ddgSrv.URL

	svc := &SearchService{
		providers: []SearchProvider{failing, ddg},
		store:     memory.New("test", false),
	}

	results, err := svc.Search(context.Background(), "golang", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://example.com/go" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchUsesTypedCache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`<a class="result__a" href="https://example.com">Example</a>`))
	}))
	defer srv.Close()

	ddg := newDuckDuckGoProvider()
	ddg.endpoint = srv.URL
	svc := &SearchService{providers: []SearchProvider{ddg}, store: memory.New("test", false)}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Search(ctx, "example", 5); err != nil {
			t.Fatalf("Search %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}
}

func TestExtractDDGResultsUnwrapsRedirects(t *testing.T) {
	html := `<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&rut=abc">Go</a>`
	results := extractDDGResults(html, 5)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URL != "https://go.dev/" {
		t.Fatalf("redirect not unwrapped: %q", results[0].URL)
	}
}

func TestUserDataToolRequiresScope(t *testing.T) {
	svc := NewUserDataService(memory.New("test", false))
	tool := svc.Tool()

	if _, err := tool.Handler(context.Background(), map[string]interface{}{
		"key": "home_city", "value": "Berlin",
	}); err == nil {
		t.Fatal("expected error without user scope")
	}

	ctx := WithScope(context.Background(), Scope{ChatID: 10, UserID: 42})
	out, err := tool.Handler(ctx, map[string]interface{}{"key": "home_city", "value": "Berlin"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "saved home_city" {
		t.Fatalf("unexpected output: %q", out)
	}
	got, err := svc.Get(ctx, 42, 10, "home_city")
	if err != nil || got != "Berlin" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

// cannedProvider returns one fixed completion.
type cannedProvider struct {
	content string
	calls   int
}

func (p *cannedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	return &llm.ChatResponse{Content: p.content, FinishReason: "stop"}, nil
}

func (p *cannedProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *cannedProvider) DefaultModel() string { return "canned-1" }
func (p *cannedProvider) Name() string         { return "canned" }

func TestSummarizeToolUsesConversationThread(t *testing.T) {
	reg := llm.NewRegistry()
	reg.RegisterProvider(&cannedProvider{content: "a short summary"})
	if err := reg.Bind("sum", llm.Binding{Provider: "canned", Model: "canned-1"}); err != nil {
		t.Fatal(err)
	}
	d := llm.NewDispatcher(reg, nil, 5)

	var gotChat, gotTopic int64
	svc := NewSummaryService(memory.New("test", false), d, "sum",
		func(ctx context.Context, chatID, topicID int64, firstID, lastID string) (string, error) {
			gotChat, gotTopic = chatID, topicID
			return "alice: hi\nbob: bye\n", nil
		})

	ctx := WithScope(context.Background(), Scope{ChatID: -100, ThreadID: 7, UserID: 42})
	out, err := svc.Tool().Handler(ctx, map[string]interface{}{
		"first_message_id": "m1", "last_message_id": "m9",
	})
	if err != nil {
		t.Fatalf("summarize handler: %v", err)
	}
	if out != "a short summary" {
		t.Fatalf("unexpected summary: %q", out)
	}
	if gotChat != -100 || gotTopic != 7 {
		t.Fatalf("transcript scoped to chat=%d topic=%d, want chat=-100 topic=7", gotChat, gotTopic)
	}
}

func TestRegistryHonorsFlags(t *testing.T) {
	store := memory.New("test", false)
	reg := &Registry{
		Weather:  NewWeatherService("k", "http://localhost", store),
		UserData: NewUserDataService(store),
	}

	all := reg.Tools(Flags{Weather: true, Search: true, UserData: true})
	names := make(map[string]bool)
	for _, tl := range all {
		names[tl.Name] = true
	}
	if !names["get_weather"] || !names["geocode"] || !names["set_user_data"] {
		t.Fatalf("missing expected tools: %v", names)
	}
	if names["web_search"] {
		t.Fatal("web_search listed without a constructed service")
	}

	if got := reg.Tools(Flags{}); len(got) != 0 {
		t.Fatalf("expected empty list with no flags, got %d", len(got))
	}
}
