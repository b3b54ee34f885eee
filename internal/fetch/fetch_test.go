package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title> Test Page </title><style>.foo { color: red; }</style></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<main>
<h1>Hello World</h1>
<p>This is a   test paragraph with <strong>bold text</strong>.</p>
<p>Second paragraph.</p>
</main>
<footer>Footer stuff</footer>
</body>
</html>`

	title, text := extractHTML([]byte(page))
	if title != "Test Page" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"Hello World", "bold text", "Second paragraph."} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q: %q", want, text)
		}
	}
	for _, unwanted := range []string{"var x = 1", "Navigation stuff", "Footer stuff", "color: red"} {
		if strings.Contains(text, unwanted) {
			t.Errorf("text contains %q", unwanted)
		}
	}
	if strings.Contains(text, "\n\n\n") {
		t.Errorf("blank lines not collapsed: %q", text)
	}
}

func TestTidy(t *testing.T) {
	got := tidy("  Hello   world  \n\n\n\n  Second line  \n\n\n Third  ")
	want := "Hello world\n\nSecond line\n\nThird"
	if got != want {
		t.Errorf("tidy = %q, want %q", got, want)
	}
}

func TestFetchHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "aide/") {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p></body></html>`))
	}))
	defer ts.Close()

	page, err := New("").Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Title != "Test" || page.Text != "Hello from test server" {
		t.Errorf("page = %+v", page)
	}
	if page.ContentType != "text/html" || page.StatusCode != 200 {
		t.Errorf("content type %q status %d", page.ContentType, page.StatusCode)
	}
}

func TestFetchTruncatesOnRunes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("é", 1000)))
	}))
	defer ts.Close()

	page, err := New("").Fetch(context.Background(), ts.URL, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !page.Truncated {
		t.Error("expected truncation")
	}
	if n := len([]rune(page.Text)); n != 100 {
		t.Errorf("got %d runes, want 100", n)
	}
}

func TestFetchHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := New("").Fetch(context.Background(), ts.URL, 0)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want HTTP 404", err)
	}
}

func TestFetchImageBecomesAttachment(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	defer ts.Close()

	dir := t.TempDir()
	page, err := New(dir).Fetch(context.Background(), ts.URL+"/cat.png", 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Image == nil {
		t.Fatal("expected an image attachment")
	}
	if !page.Image.IsImage() || !strings.HasPrefix(page.Image.Path, dir) {
		t.Errorf("attachment = %+v", page.Image)
	}
	got, err := os.ReadFile(page.Image.Path)
	if err != nil || string(got) != string(png) {
		t.Errorf("saved image = %q, %v", got, err)
	}
}

func TestFetchEmptyURL(t *testing.T) {
	if _, err := New("").Fetch(context.Background(), "", 0); err == nil {
		t.Error("expected error for empty URL")
	}
}
