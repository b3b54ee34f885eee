package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockProvider struct {
	name    string
	results []Result
	err     error
	calls   int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, _ Options) ([]Result, error) {
	m.calls++
	return m.results, m.err
}

func TestManagerFallsBack(t *testing.T) {
	primary := &mockProvider{name: "primary", err: errors.New("HTTP 503")}
	secondary := &mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}}
	mgr := NewManager(nil)
	mgr.Register(primary)
	mgr.Register(secondary)

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Secondary" {
		t.Errorf("results = %+v", results)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d/%d", primary.calls, secondary.calls)
	}
}

func TestManagerStopsAtFirstSuccess(t *testing.T) {
	primary := &mockProvider{name: "primary", results: []Result{{Title: "Primary"}}}
	secondary := &mockProvider{name: "secondary"}
	mgr := NewManager(nil)
	mgr.Register(primary)
	mgr.Register(secondary)

	if _, err := mgr.Search(context.Background(), "test", Options{}); err != nil {
		t.Fatal(err)
	}
	if secondary.calls != 0 {
		t.Error("secondary should not be queried after a success")
	}
}

func TestManagerAllFail(t *testing.T) {
	mgr := NewManager(nil)
	mgr.Register(&mockProvider{name: "a", err: errors.New("boom a")})
	mgr.Register(&mockProvider{name: "b", err: errors.New("boom b")})

	_, err := mgr.Search(context.Background(), "test", Options{})
	if err == nil || !strings.Contains(err.Error(), "boom a") || !strings.Contains(err.Error(), "boom b") {
		t.Fatalf("err = %v", err)
	}
}

func TestManagerUnconfigured(t *testing.T) {
	_, err := NewManager(nil).Search(context.Background(), "test", Options{})
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}

func TestOptionsCount(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 5}, {-3, 5}, {3, 3}, {50, MaxCount}} {
		if got := (Options{Count: tt.in}).count(); got != tt.want {
			t.Errorf("count(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "k" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("q") != "golang" || r.URL.Query().Get("count") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"The Go language"}]}}`)
	}))
	defer srv.Close()

	b := NewBrave("k")
	b.baseURL = srv.URL
	results, err := b.Search(context.Background(), "golang", Options{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].URL != "https://go.dev" || results[0].Snippet != "The Go language" {
		t.Errorf("results = %+v", results)
	}

	b.apiKey = "wrong"
	if _, err := b.Search(context.Background(), "golang", Options{}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want HTTP 401", err)
	}
}

func TestSearXNGTrimsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("request = %s", r.URL)
		}
		fmt.Fprint(w, `{"results":[{"title":"1","url":"u1"},{"title":"2","url":"u2"},{"title":"3","url":"u3"}]}`)
	}))
	defer srv.Close()

	results, err := NewSearXNG(srv.URL+"/").Search(context.Background(), "q", Options{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[1].Title != "2" {
		t.Errorf("results = %+v", results)
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]Result{
		{Title: "First", URL: "https://a.com", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	})
	want := "1. First\n   https://a.com\n   Snippet A\n\n2. Second\n   https://b.com"
	if out != want {
		t.Errorf("got %q\nwant %q", out, want)
	}
	if FormatResults(nil) != "No results found." {
		t.Error("empty results")
	}
}
