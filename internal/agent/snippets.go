package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/aide/internal/dav"
	"github.com/nugget/aide/internal/email"
	"github.com/nugget/aide/internal/tools"
)

// UnseenCounter reports unread mail.
type UnseenCounter interface {
	UnseenCount(ctx context.Context) (int, error)
}

// InboxSnippet reports the unread count of the inbox.
type InboxSnippet struct {
	Mail UnseenCounter
}

// Name implements SnippetProvider.
func (InboxSnippet) Name() string { return "inbox" }

// Snippet implements SnippetProvider.
func (s InboxSnippet) Snippet(ctx context.Context) (string, error) {
	n, err := s.Mail.UnseenCount(ctx)
	if err != nil {
		return "", err
	}
	switch n {
	case 0:
		return "Inbox: no unread email.", nil
	case 1:
		return "Inbox: 1 unread email.", nil
	}
	return fmt.Sprintf("Inbox: %d unread emails.", n), nil
}

// CalendarSnippet lists the events of the next Hours hours.
type CalendarSnippet struct {
	Events tools.EventSource
	Hours  int
}

// Name implements SnippetProvider.
func (CalendarSnippet) Name() string { return "calendar" }

// Snippet implements SnippetProvider.
func (s CalendarSnippet) Snippet(ctx context.Context) (string, error) {
	hours := s.Hours
	if hours <= 0 {
		hours = 24
	}
	now := time.Now()
	events, err := s.Events.Upcoming(ctx, now, now.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("Calendar: nothing in the next %d hours.", hours), nil
	}
	return fmt.Sprintf("Calendar, next %d hours:\n%s", hours, tools.FormatEvents(events)), nil
}

var (
	_ SnippetProvider   = InboxSnippet{}
	_ SnippetProvider   = CalendarSnippet{}
	_ UnseenCounter     = (*email.Client)(nil)
	_ tools.EventSource = (*dav.Calendar)(nil)
)
