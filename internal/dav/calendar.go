package dav

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

// Event is one calendar occurrence.
type Event struct {
	Calendar string
	Summary  string
	Location string
	Start    time.Time
	End      time.Time
	AllDay   bool
}

// Calendar reads events from every VEVENT calendar of an account.
type Calendar struct {
	cfg    Config
	loc    *time.Location
	logger *slog.Logger

	mu        sync.Mutex
	client    *caldav.Client
	calendars []caldav.Calendar
}

// NewCalendar creates a calendar reader. Discovery happens on first
// use.
func NewCalendar(cfg Config, loc *time.Location, logger *slog.Logger) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calendar{cfg: cfg, loc: loc, logger: logger.With("component", "caldav")}
}

func (c *Calendar) discover(ctx context.Context) (*caldav.Client, []caldav.Calendar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, c.calendars, nil
	}

	client, err := caldav.NewClient(c.cfg.httpClient(), c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create caldav client: %w", err)
	}
	home, err := client.FindCalendarHomeSet(ctx, principal(ctx, client))
	if err != nil {
		return nil, nil, fmt.Errorf("find calendar home: %w", err)
	}
	all, err := client.FindCalendars(ctx, home)
	if err != nil {
		return nil, nil, fmt.Errorf("find calendars: %w", err)
	}
	var cals []caldav.Calendar
	for _, cal := range all {
		if len(cal.SupportedComponentSet) == 0 || slices.Contains(cal.SupportedComponentSet, ical.CompEvent) {
			cals = append(cals, cal)
		}
	}
	c.logger.Info("calendars discovered", "count", len(cals))
	c.client, c.calendars = client, cals
	return client, cals, nil
}

// Upcoming returns events overlapping [from, to) ordered by start.
// A calendar that fails to answer is skipped and logged.
func (c *Calendar) Upcoming(ctx context.Context, from, to time.Time) ([]Event, error) {
	client, cals, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: from, End: to}},
		},
	}

	var events []Event
	for _, cal := range cals {
		objs, err := client.QueryCalendar(ctx, cal.Path, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("calendar query failed", "calendar", cal.Name, "error", err)
			continue
		}
		for _, obj := range objs {
			events = append(events, eventsFrom(cal.Name, obj.Data, c.loc, from, to)...)
		}
	}
	slices.SortFunc(events, func(a, b Event) int { return a.Start.Compare(b.Start) })
	return events, nil
}

// eventsFrom extracts the VEVENTs of one object that overlap the
// window. Recurrence expansion is left to the server.
func eventsFrom(calName string, data *ical.Calendar, loc *time.Location, from, to time.Time) []Event {
	if data == nil {
		return nil
	}
	var out []Event
	for _, ev := range data.Events() {
		start, err := ev.DateTimeStart(loc)
		if err != nil {
			continue
		}
		end, err := ev.DateTimeEnd(loc)
		if err != nil || end.IsZero() {
			end = start
		}
		if !end.After(from) && !start.Equal(from) || !start.Before(to) {
			continue
		}
		e := Event{Calendar: calName, Start: start, End: end}
		if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
			e.AllDay = true
		}
		e.Summary, _ = ev.Props.Text(ical.PropSummary)
		e.Location, _ = ev.Props.Text(ical.PropLocation)
		out = append(out, e)
	}
	return out
}
