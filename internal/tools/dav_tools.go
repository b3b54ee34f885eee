package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/dav"
)

// EventSource lists calendar events.
type EventSource interface {
	Upcoming(ctx context.Context, from, to time.Time) ([]dav.Event, error)
}

// ContactBook searches contacts.
type ContactBook interface {
	Lookup(ctx context.Context, query string, limit int) ([]dav.Contact, error)
}

// SetCalendar adds calendar_upcoming under the "calendar" feature.
func (r *Registry) SetCalendar(src EventSource) {
	r.Register(&Tool{
		Name:        "calendar_upcoming",
		Feature:     "calendar",
		Description: "List calendar events starting from now.",
		Params: map[string]Param{
			"days": {Type: "integer", Description: "How many days ahead to look (1-60). Default: 7"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			days := intArg(args, "days", 7, 60)
			now := time.Now()
			events, err := src.Upcoming(ctx, now, now.AddDate(0, 0, days))
			if err != nil {
				return Result{}, err
			}
			if len(events) == 0 {
				return Text(fmt.Sprintf("No events in the next %d days.", days)), nil
			}
			return Text(FormatEvents(events)), nil
		},
	})
}

// FormatEvents renders events one per line.
func FormatEvents(events []dav.Event) string {
	var sb strings.Builder
	for _, e := range events {
		when := e.Start.Format("Mon Jan 2 15:04") + " to " + e.End.Format("15:04")
		if e.AllDay {
			when = e.Start.Format("Mon Jan 2") + " (all day)"
		}
		fmt.Fprintf(&sb, "- %s: %s", when, e.Summary)
		if e.Location != "" {
			fmt.Fprintf(&sb, " @ %s", e.Location)
		}
		if e.Calendar != "" {
			fmt.Fprintf(&sb, " [%s]", e.Calendar)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SetContacts adds contacts_lookup under the "contacts" feature.
func (r *Registry) SetContacts(book ContactBook) {
	r.Register(&Tool{
		Name:        "contacts_lookup",
		Feature:     "contacts",
		Description: "Look up people in the address book by name, email address or organization.",
		Params: map[string]Param{
			"query": {Type: "string", Description: "Name, email or organization to search for"},
			"limit": {Type: "integer", Description: "Maximum contacts (1-25). Default: 5"},
		},
		Required: []string{"query"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			query := stringArg(args, "query")
			contacts, err := book.Lookup(ctx, query, intArg(args, "limit", 5, 25))
			if err != nil {
				return Result{}, err
			}
			if len(contacts) == 0 {
				return Text(fmt.Sprintf("No contacts match %q.", query)), nil
			}
			var sb strings.Builder
			for _, c := range contacts {
				fmt.Fprintf(&sb, "%s\n", c.Name)
				if c.Organization != "" {
					fmt.Fprintf(&sb, "  organization: %s\n", c.Organization)
				}
				for _, e := range c.Emails {
					fmt.Fprintf(&sb, "  email: %s\n", e)
				}
				for _, p := range c.Phones {
					fmt.Fprintf(&sb, "  phone: %s\n", p)
				}
				if c.Birthday != "" {
					fmt.Fprintf(&sb, "  birthday: %s\n", c.Birthday)
				}
				if c.Note != "" {
					fmt.Fprintf(&sb, "  note: %s\n", c.Note)
				}
			}
			return Text(strings.TrimRight(sb.String(), "\n")), nil
		},
	})
}
