package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/aide/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance. It is typically
// registered after Brave as a fallback.
type SearXNG struct {
	baseURL    string
	httpClient *http.Client
}

// NewSearXNG creates a provider for the instance rooted at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Name implements Provider.
func (s *SearXNG) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements Provider. SearXNG has no count parameter, so
// results are trimmed locally.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	n := min(len(sr.Results), opts.count())
	results := make([]Result, 0, n)
	for _, r := range sr.Results[:n] {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}
