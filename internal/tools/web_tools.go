package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/aide/internal/fetch"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/search"
)

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// PageFetcher downloads web pages.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// SetSearch adds the web_search tool under the "search" feature.
func (r *Registry) SetSearch(s Searcher) {
	r.Register(&Tool{
		Name:        "web_search",
		Feature:     "search",
		Description: "Search the web. Returns titles, URLs and snippets; use web_fetch to read a result in full.",
		Params: map[string]Param{
			"query":    {Type: "string", Description: "The search query"},
			"count":    {Type: "integer", Description: fmt.Sprintf("Maximum results (1-%d). Default: 5", search.MaxCount)},
			"language": {Type: "string", Description: "ISO 639-1 language code for results, e.g. en"},
		},
		Required: []string{"query"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			opts := search.Options{
				Count:    intArg(args, "count", 5, search.MaxCount),
				Language: stringArg(args, "language"),
			}
			results, err := s.Search(ctx, stringArg(args, "query"), opts)
			if err != nil {
				return Result{}, err
			}
			return Text(search.FormatResults(results)), nil
		},
	})
}

// SetFetcher adds the web_fetch tool under the "web" feature.
func (r *Registry) SetFetcher(f PageFetcher) {
	r.Register(&Tool{
		Name:    "web_fetch",
		Feature: "web",
		Description: "Fetch a URL and return its readable text. Images are attached so you can look at them " +
			"on your next step.",
		Params: map[string]Param{
			"url":       {Type: "string", Description: "The URL to fetch"},
			"max_chars": {Type: "integer", Description: fmt.Sprintf("Maximum characters of text to return. Default: %d", fetch.DefaultMaxChars)},
		},
		Required: []string{"url"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			page, err := f.Fetch(ctx, stringArg(args, "url"), intArg(args, "max_chars", 0, 0))
			if err != nil {
				return Result{}, err
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "URL: %s\n", page.URL)
			if page.Title != "" {
				fmt.Fprintf(&sb, "Title: %s\n", page.Title)
			}
			if page.Truncated {
				sb.WriteString("(truncated)\n")
			}
			sb.WriteString("\n")
			sb.WriteString(page.Text)

			res := Text(sb.String())
			if page.Image != nil {
				res.Attachments = []llm.Attachment{*page.Image}
			}
			return res, nil
		},
	})
}
