// Package httpkit builds the http.Clients used for every outbound call
// (LLM providers, web search, page fetches, channel downloads) so that
// timeouts, pooling and the User-Agent are set in one place.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/aide/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	transport  *http.Transport
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// long LLM responses need; those rely on context deadlines instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithTransport replaces the default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry retries requests that fail to connect at all (host or
// network unreachable, connection refused). These fail before any byte
// reaches the server, so a retry cannot duplicate a side effect.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns a transport with explicit dial, TLS and header
// timeouts and a bounded idle pool.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with a 30s default timeout and the
// aide User-Agent.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: cfg.userAgent}
	if cfg.retryCount > 0 {
		logger := cfg.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryTransport{base: rt, count: cfg.retryCount, delay: cfg.retryDelay, logger: logger}
	}

	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && t.ua != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isDialFailure(err) {
		return resp, err
	}
	// A body we cannot rewind cannot be resent.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.logger.Debug("retrying request after dial failure",
			"method", req.Method, "host", req.URL.Host, "attempt", attempt, "error", err)

		if serr := sleepCtx(req.Context(), t.delay); serr != nil {
			return nil, serr
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind body: %w", berr)
			}
			retry.Body = body
		}

		resp, err = t.base.RoundTrip(retry)
		if err == nil || !isDialFailure(err) {
			return resp, err
		}
	}
	return resp, err
}

// isDialFailure reports connection errors that happen before the
// request is sent. ECONNRESET is not one of them.
func isDialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DrainAndClose discards up to limit bytes from rc and closes it so
// the connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response for
// diagnostics, then drains and closes the body.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// ErrTooLarge is returned by Download when the body exceeds its limit.
var ErrTooLarge = errors.New("response body exceeds size limit")

// Download fetches url into path, writing through a temp file in the
// same directory so a partial download never appears under path.
func Download(ctx context.Context, client *http.Client, url, path string, limit int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := ReadErrorBody(resp.Body, 512)
		return 0, fmt.Errorf("download: status %d: %s", resp.StatusCode, body)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write download: %w", err)
	}
	if n > limit {
		return 0, ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("finalize download: %w", err)
	}
	return n, nil
}
