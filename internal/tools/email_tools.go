package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/email"
)

// Mailbox is the mail account used by the email tools.
type Mailbox interface {
	List(ctx context.Context, opts email.ListOptions) ([]email.Envelope, error)
	Read(ctx context.Context, folder string, uid uint32) (*email.Message, error)
	Send(ctx context.Context, d email.Draft) ([]byte, error)
}

// SetMailbox adds email_list and email_read, and the gated email_send
// when canSend is true. All live under the "email" feature.
func (r *Registry) SetMailbox(mb Mailbox, canSend bool) {
	r.Register(&Tool{
		Name:        "email_list",
		Feature:     "email",
		Description: "List recent email messages, newest first. Returns UID, date, sender and subject for each.",
		Params: map[string]Param{
			"folder": {Type: "string", Description: "Mailbox folder. Default: INBOX"},
			"limit":  {Type: "integer", Description: "Maximum messages (1-50). Default: 10"},
			"unseen": {Type: "boolean", Description: "Only list unread messages"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			envs, err := mb.List(ctx, email.ListOptions{
				Folder: stringArg(args, "folder"),
				Limit:  intArg(args, "limit", 10, 50),
				Unseen: boolArg(args, "unseen"),
			})
			if err != nil {
				return Result{}, err
			}
			return Text(formatEnvelopes(envs)), nil
		},
	})

	r.Register(&Tool{
		Name:        "email_read",
		Feature:     "email",
		Description: "Read one email message by UID. Marks it as read.",
		Params: map[string]Param{
			"uid":    {Type: "integer", Description: "The message UID from email_list"},
			"folder": {Type: "string", Description: "Mailbox folder. Default: INBOX"},
		},
		Required: []string{"uid"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			uid := intArg(args, "uid", 0, 0)
			if uid == 0 {
				return Result{}, InvalidArgs("uid must be a positive integer")
			}
			msg, err := mb.Read(ctx, stringArg(args, "folder"), uint32(uid))
			if errors.Is(err, email.ErrMessageNotFound) {
				return Result{}, InvalidArgs("no message with uid %d", uid)
			}
			if err != nil {
				return Result{}, err
			}
			return Text(formatEmail(msg)), nil
		},
	})

	if !canSend {
		return
	}
	r.Register(&Tool{
		Name:    "email_send",
		Feature: "email",
		Gated:   true,
		Description: "Send an email. The body is markdown and is sent as both plain text and HTML. " +
			"Only send when the user has asked you to.",
		Params: map[string]Param{
			"to":          {Type: "array", Description: "Recipient addresses"},
			"cc":          {Type: "array", Description: "Optional CC addresses"},
			"subject":     {Type: "string", Description: "Subject line"},
			"body":        {Type: "string", Description: "Message body in markdown"},
			"in_reply_to": {Type: "string", Description: "Optional Message-ID being replied to"},
		},
		Required: []string{"to", "subject", "body"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			to := stringsArg(args, "to")
			if len(to) == 0 {
				return Result{}, InvalidArgs("to must list at least one address")
			}
			d := email.Draft{
				To:        to,
				Cc:        stringsArg(args, "cc"),
				Subject:   stringArg(args, "subject"),
				Body:      stringArg(args, "body"),
				InReplyTo: stringArg(args, "in_reply_to"),
			}
			if d.InReplyTo != "" {
				d.References = []string{d.InReplyTo}
			}
			if _, err := d.Recipients(); err != nil {
				return Result{}, InvalidArgs("%v", err)
			}
			if _, err := mb.Send(ctx, d); err != nil {
				return Result{}, err
			}
			return Text(fmt.Sprintf("Sent %q to %s.", d.Subject, strings.Join(append(to, d.Cc...), ", "))), nil
		},
	})
}

func formatEnvelopes(envs []email.Envelope) string {
	if len(envs) == 0 {
		return "No messages."
	}
	var sb strings.Builder
	for _, e := range envs {
		marker := " "
		if !e.Seen() {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s uid %d | %s | %s | %s\n", marker, e.UID, e.Date.Local().Format(time.DateTime), e.From, e.Subject)
	}
	sb.WriteString("(* = unread)")
	return sb.String()
}

func formatEmail(m *email.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\n", m.From)
	fmt.Fprintf(&sb, "To: %s\n", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		fmt.Fprintf(&sb, "Cc: %s\n", strings.Join(m.Cc, ", "))
	}
	fmt.Fprintf(&sb, "Date: %s\n", m.Date.Local().Format(time.RFC1123))
	fmt.Fprintf(&sb, "Subject: %s\n", m.Subject)
	if m.MessageID != "" {
		fmt.Fprintf(&sb, "Message-ID: %s\n", m.MessageID)
	}
	sb.WriteString("\n")
	sb.WriteString(m.Text)
	if m.Truncated {
		sb.WriteString("\n[body truncated]")
	}
	return sb.String()
}
