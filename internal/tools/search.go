package tools

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/storage"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchTTL          = time.Hour
	searchUserAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	yandexEndpoint     = "https://yandex.com/search/xml"
)

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
	Name() string
}

type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// SearchService queries providers in priority order with typed response
// caching. Yandex is preferred when configured; the scraping fallback
// needs no credentials.
type SearchService struct {
	providers []SearchProvider
	store     storage.Store
}

func NewSearchService(store storage.Store, apiKey, folderID string) *SearchService {
	var providers []SearchProvider
	if apiKey != "" && folderID != "" {
		providers = append(providers, newYandexProvider(apiKey, folderID))
	}
	providers = append(providers, newDuckDuckGoProvider())
	return &SearchService{providers: providers, store: store}
}

// Search tries providers in order; first success wins and is cached.
func (s *SearchService) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if count < 1 || count > maxSearchCount {
		count = defaultSearchCount
	}
	key := query + "|" + strconv.Itoa(count)

	var cached []SearchResult
	err := cache.TypedGet(ctx, s.store, cache.DomainSearch, key, searchTTL, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, cache.ErrStale) {
		return nil, err
	}

	var lastErr error
	for _, p := range s.providers {
		results, err := p.Search(ctx, query, count)
		if err != nil {
			slog.Warn("search provider failed", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		if err := cache.TypedPut(ctx, s.store, cache.DomainSearch, key, results); err != nil {
			slog.Warn("search cache write failed", "error", err)
		}
		return results, nil
	}
	return nil, fmt.Errorf("all search providers failed: %w", lastErr)
}

// Tool exposes web search to the model.
func (s *SearchService) Tool() llm.Tool {
	return llm.Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Returns titles, URLs and snippets.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query string.",
				},
				"count": map[string]interface{}{
					"type":        "number",
					"description": "Number of results to return (1-10).",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return "", err
			}
			results, err := s.Search(ctx, query, argInt(args, "count", defaultSearchCount))
			if err != nil {
				return "", err
			}
			return FormatResults(query, results), nil
		},
	}
}

// FormatResults renders results as a numbered plain-text list.
func FormatResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return "No results found for: " + query
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// --- Yandex XML search ---

type yandexProvider struct {
	apiKey   string
	folderID string
	endpoint string
	client   *http.Client
}

func newYandexProvider(apiKey, folderID string) *yandexProvider {
	return &yandexProvider{
		apiKey:   apiKey,
		folderID: folderID,
		endpoint: yandexEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *yandexProvider) Name() string { return "yandex" }

type yandexResponse struct {
	Response struct {
		Error struct {
			Code int    `xml:"code,attr"`
			Text string `xml:",chardata"`
		} `xml:"error"`
		Results struct {
			Grouping struct {
				Groups []struct {
					Doc struct {
						URL      string `xml:"url"`
						Title    string `xml:"title"`
						Passages struct {
							Passages []string `xml:"passage"`
						} `xml:"passages"`
					} `xml:"doc"`
				} `xml:"group"`
			} `xml:"grouping"`
		} `xml:"results"`
	} `xml:"response"`
}

func (p *yandexProvider) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("folderid", p.folderID)
	q.Set("apikey", p.apiKey)
	q.Set("query", query)
	q.Set("groupby", fmt.Sprintf("attr=d.mode=deep.groups-on-page=%d.docs-in-group=1", count))

	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yandex search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yandex search: status %d", resp.StatusCode)
	}

	var parsed yandexResponse
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("yandex search decode: %w", err)
	}
	if parsed.Response.Error.Code != 0 {
		return nil, fmt.Errorf("yandex search error %d: %s",
			parsed.Response.Error.Code, strings.TrimSpace(parsed.Response.Error.Text))
	}

	var results []SearchResult
	for _, g := range parsed.Response.Results.Grouping.Groups {
		if len(results) >= count {
			break
		}
		desc := ""
		if len(g.Doc.Passages.Passages) > 0 {
			desc = g.Doc.Passages.Passages[0]
		}
		results = append(results, SearchResult{
			Title:       g.Doc.Title,
			URL:         g.Doc.URL,
			Description: desc,
		})
	}
	return results, nil
}

// --- DuckDuckGo HTML fallback ---

type duckDuckGoProvider struct {
	endpoint string
	client   *http.Client
}

func newDuckDuckGoProvider() *duckDuckGoProvider {
	return &duckDuckGoProvider{
		endpoint: "https://html.duckduckgo.com/html/",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *duckDuckGoProvider) Name() string { return "duckduckgo" }

func (p *duckDuckGoProvider) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo read: %w", err)
	}
	return extractDDGResults(string(body), count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractDDGResults(html string, count int) []SearchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []SearchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		rawURL := linkMatches[i][1]
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))

		// Redirect links carry the real URL in the uddg= parameter.
		if strings.Contains(rawURL, "uddg=") {
			if u, err := url.QueryUnescape(rawURL); err == nil {
				if idx := strings.Index(u, "uddg="); idx != -1 {
					extracted := u[idx+5:]
					if ampIdx := strings.Index(extracted, "&"); ampIdx != -1 {
						extracted = extracted[:ampIdx]
					}
					rawURL = extracted
				}
			}
		}

		desc := ""
		if i < len(snippetMatches) {
			desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, SearchResult{Title: title, URL: rawURL, Description: desc})
	}
	return results
}
