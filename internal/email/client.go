package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client is an IMAP client that reconnects on demand. Access to the
// connection is serialized; all methods are goroutine-safe.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates a client. The connection is opened lazily.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger.With("component", "email")}
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := hostPort(c.cfg.IMAP.Host, c.cfg.IMAP.Port)
	opts := &imapclient.Options{}
	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.IMAP.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.IMAP.Host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	if err := client.Login(c.cfg.IMAP.Username, c.cfg.IMAP.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.IMAP.Username, err)
	}
	c.client = client
	c.logger.Debug("IMAP connected", "host", c.cfg.IMAP.Host)
	return nil
}

// ensureConnectedLocked reuses a live connection or dials a new one.
func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting")
	}
	return c.connectLocked()
}

// Ping checks that the server is reachable and the login works.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) selectLocked(folder string) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return data, nil
}
