package email

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// Draft is an outgoing message. Body is markdown.
type Draft struct {
	From       string
	To         []string
	Cc         []string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

// Recipients returns the bare, de-duplicated To and Cc addresses.
func (d Draft) Recipients() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range append(append([]string{}, d.To...), d.Cc...) {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", raw, err)
		}
		key := strings.ToLower(addr.Address)
		if !seen[key] {
			seen[key] = true
			out = append(out, addr.Address)
		}
	}
	return out, nil
}

// Compose renders d as a multipart/alternative RFC 5322 message with a
// plain text part and a goldmark-rendered HTML part.
func Compose(d Draft, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(d.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", d.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})
	for field, list := range map[string][]string{"To": d.To, "Cc": d.Cc} {
		if len(list) == 0 {
			continue
		}
		addrs, err := parseAddresses(list)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", field, err)
		}
		h.SetAddressList(field, addrs)
	}
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{d.InReplyTo})
	}
	if len(d.References) > 0 {
		h.SetMsgIDList("References", d.References)
	}

	htmlBody, err := markdownToHTML(d.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	for _, part := range []struct{ contentType, body string }{
		{"text/plain", markdownToPlain(d.Body)},
		{"text/html", htmlBody},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", part.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", part.contentType, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		addr, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"></head>\n<body style=\"font-family: sans-serif; line-height: 1.5;\">\n")
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	buf.WriteString("</body></html>\n")
	return buf.String(), nil
}

var markdownRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```"), "$1"},
	{regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`), "$1 ($2)"},
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "$1"},
	{regexp.MustCompile(`__(.+?)__`), "$1"},
	{regexp.MustCompile(`\*(.+?)\*`), "$1"},
	{regexp.MustCompile("`([^`]+)`"), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
}

// markdownToPlain strips inline markdown while keeping lists and
// paragraphs readable.
func markdownToPlain(md string) string {
	for _, r := range markdownRules {
		md = r.re.ReplaceAllString(md, r.repl)
	}
	return strings.TrimSpace(md)
}
