// Package email reads mail over IMAP and sends markdown-composed mail
// over SMTP for a single account.
package email

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
)

// IMAPConfig holds IMAP connection parameters.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS dials with implicit TLS. Plaintext is for local bridges only.
	TLS bool `yaml:"tls"`
}

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StartTLS upgrades a plain connection (port 587). When false the
	// connection uses implicit TLS (port 465).
	StartTLS bool `yaml:"starttls"`
}

// Config is one mail account.
type Config struct {
	From string     `yaml:"from"`
	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
}

// Configured reports whether reading mail is possible.
func (c Config) Configured() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != ""
}

// CanSend reports whether sending mail is possible.
func (c Config) CanSend() bool {
	return c.SMTP.Host != "" && c.From != ""
}

// ApplyDefaults fills in standard ports.
func (c *Config) ApplyDefaults() {
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
		c.IMAP.TLS = true
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
		c.SMTP.StartTLS = true
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Envelope is the summary metadata of one message.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string
	To      []string
	Subject string
	Flags   []string
	Size    uint32
}

// Seen reports whether the \Seen flag is set.
func (e Envelope) Seen() bool {
	for _, f := range e.Flags {
		if f == string(imap.FlagSeen) {
			return true
		}
	}
	return false
}

// Message is a fetched message with its text body.
type Message struct {
	Envelope

	MessageID  string
	InReplyTo  []string
	References []string
	Cc         []string

	// Text is the text/plain body, or the text/html body reduced to
	// plain text when no text part exists.
	Text      string
	Truncated bool
}

// ListOptions control List.
type ListOptions struct {
	Folder string
	Limit  int
	Unseen bool
}

func drainLiteral(r imap.LiteralReader) {
	if r != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func formatAddress(addr imap.Address) string {
	if addr.Name != "" {
		return addr.Name + " <" + addr.Addr() + ">"
	}
	return addr.Addr()
}
