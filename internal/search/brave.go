package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/aide/internal/httpkit"
)

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API.
type Brave struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewBrave creates a Brave Search provider.
func NewBrave(apiKey string) *Brave {
	return &Brave{
		apiKey:     apiKey,
		baseURL:    braveURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Name implements Provider.
func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search implements Provider.
func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{
		"q":     {query},
		"count": {strconv.Itoa(opts.count())},
	}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var br braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("brave: decode response: %w", err)
	}

	results := make([]Result, 0, len(br.Web.Results))
	for _, r := range br.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}
