package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

const (
	// maxRawSize bounds how much of a message is buffered.
	maxRawSize = 5 << 20

	// maxTextSize bounds the extracted body.
	maxTextSize = 32 << 10
)

// ErrMessageNotFound is returned by Read for an unknown UID.
var ErrMessageNotFound = errors.New("message not found")

// Read fetches one message by UID and marks it seen.
func (c *Client) Read(ctx context.Context, folder string, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectLocked(folder); err != nil {
		return nil, err
	}

	var set imap.UIDSet
	set.AddNum(imap.UID(uid))
	cmd := c.client.Fetch(set, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})

	fetched := cmd.Next()
	if fetched == nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("%w: uid %d", ErrMessageNotFound, uid)
	}
	env, raw, body := readItems(fetched, maxRawSize)
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}

	msg := &Message{Envelope: env}
	if raw != nil {
		msg.MessageID = raw.MessageID
		msg.InReplyTo = raw.InReplyTo
		for _, addr := range raw.Cc {
			msg.Cc = append(msg.Cc, formatAddress(addr))
		}
	}
	if body != nil {
		if err := parseBody(msg, bytes.NewReader(body)); err != nil {
			c.logger.Debug("body parse error", "uid", uid, "error", err)
		}
	}
	return msg, nil
}

// parseBody fills Text and References from a raw RFC 5322 message.
// Unknown charsets are tolerated; the text may be garbled but usable.
func parseBody(msg *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		msg.References = refs
	}

	var plain, htmlText string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if part == nil {
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("next part: %w", err)
			}
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch {
		case ct == "text/plain" && plain == "":
			plain = readPart(part.Body)
		case ct == "text/html" && htmlText == "":
			htmlText = readPart(part.Body)
		}
	}

	text := strings.ReplaceAll(plain, "\r\n", "\n")
	if text == "" && htmlText != "" {
		text = htmlToText(htmlText)
	}
	if len(text) > maxTextSize {
		cut := maxTextSize
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		msg.Truncated = true
	}
	msg.Text = strings.TrimSpace(text)
	return nil
}

func readPart(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxTextSize+1))
	return string(b)
}

// htmlToText reduces an HTML body to its text nodes.
func htmlToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "style" || string(name) == "script" {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); (string(name) == "style" || string(name) == "script") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteString(" ")
			}
		}
	}
}
