package email

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// List returns the most recent messages in a folder, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectLocked(opts.Folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{}
	if opts.Unseen {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return c.fetchEnvelopesLocked(set)
}

// UnseenCount returns the number of unseen messages in the inbox.
func (c *Client) UnseenCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return 0, err
	}
	data, err := c.client.Status("INBOX", &imap.StatusOptions{NumUnseen: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("status INBOX: %w", err)
	}
	if data.NumUnseen == nil {
		return 0, nil
	}
	return int(*data.NumUnseen), nil
}

func (c *Client) fetchEnvelopesLocked(set imap.UIDSet) ([]Envelope, error) {
	cmd := c.client.Fetch(set, &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	})

	var out []Envelope
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		env, _, _ := readItems(msg, 0)
		if env.UID == 0 {
			continue
		}
		out = append(out, env)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}
	slices.SortFunc(out, func(a, b Envelope) int { return cmp.Compare(b.UID, a.UID) })
	return out, nil
}

// readItems consumes every item of one fetched message so the stream
// stays in sync. Up to bodyLimit bytes of a body section are returned;
// the rest is drained.
func readItems(msg *imapclient.FetchMessageData, bodyLimit int64) (Envelope, *imap.Envelope, []byte) {
	var (
		env  Envelope
		raw  *imap.Envelope
		body []byte
	)
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				env.Flags = append(env.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			env.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			raw = data.Envelope
			if raw == nil {
				continue
			}
			env.Date = raw.Date
			env.Subject = raw.Subject
			if len(raw.From) > 0 {
				env.From = formatAddress(raw.From[0])
			}
			for _, addr := range raw.To {
				env.To = append(env.To, formatAddress(addr))
			}
		case imapclient.FetchItemDataBodySection:
			if bodyLimit > 0 && data.Literal != nil {
				body, _ = io.ReadAll(io.LimitReader(data.Literal, bodyLimit))
			}
			drainLiteral(data.Literal)
		}
	}
	return env, raw, body
}
