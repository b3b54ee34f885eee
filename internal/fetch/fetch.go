// Package fetch downloads web pages and extracts their readable text.
// Images are saved to disk so they can be attached to the next model
// call.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/aide/internal/httpkit"
	"github.com/nugget/aide/internal/llm"
)

const (
	// DefaultMaxBytes caps the response body.
	DefaultMaxBytes int64 = 5 << 20

	// DefaultMaxChars caps the extracted text.
	DefaultMaxChars = 50000
)

// Page is the fetched and extracted content of one URL.
type Page struct {
	URL         string
	Title       string
	Text        string
	ContentType string
	StatusCode  int
	Truncated   bool

	// Image is set when the URL was an image saved to disk.
	Image *llm.Attachment
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	imageDir string
}

// New creates a Fetcher. Images are written under imageDir; an empty
// imageDir reports images without saving them.
func New(imageDir string) *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithRetry(2, time.Second)),
		maxBytes: DefaultMaxBytes,
		imageDir: imageDir,
	}
}

// Fetch downloads rawURL. maxChars limits the text; 0 uses
// DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if rawURL == "" {
		return nil, errors.New("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,image/*;q=0.8,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: HTTP %d: %s", rawURL, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	page := &Page{URL: rawURL, ContentType: mediaType, StatusCode: resp.StatusCode}

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page.Title, page.Text = extractHTML(body)
	case strings.HasPrefix(mediaType, "image/"):
		return f.saveImage(page, body)
	case strings.HasPrefix(mediaType, "text/") || utf8.Valid(body):
		page.Text = string(body)
	default:
		page.Text = fmt.Sprintf("Binary content (%s), %d bytes", mediaType, len(body))
	}

	if utf8.RuneCountInString(page.Text) > maxChars {
		page.Text = truncateRunes(page.Text, maxChars)
		page.Truncated = true
	}
	return page, nil
}

func (f *Fetcher) saveImage(page *Page, body []byte) (*Page, error) {
	if f.imageDir == "" {
		page.Text = fmt.Sprintf("Image (%s), %d bytes; image saving is not configured", page.ContentType, len(body))
		return page, nil
	}
	if err := os.MkdirAll(f.imageDir, 0o700); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	ext := ".img"
	if exts, _ := mime.ExtensionsByType(page.ContentType); len(exts) > 0 {
		ext = exts[0]
	}
	file, err := os.CreateTemp(f.imageDir, "fetch-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create image file: %w", err)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close image: %w", err)
	}
	page.Image = &llm.Attachment{
		Path:      file.Name(),
		MediaType: page.ContentType,
		Name:      filepath.Base(page.URL),
	}
	page.Text = fmt.Sprintf("Image (%s), %d bytes, attached.", page.ContentType, len(body))
	return page, nil
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
