package dav

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

const testICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:1\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260314T150000Z\r\n" +
	"DTEND:20260314T160000Z\r\n" +
	"SUMMARY:Dentist\r\n" +
	"LOCATION:Main St\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:2\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20260315\r\n" +
	"DTEND;VALUE=DATE:20260316\r\n" +
	"SUMMARY:Pi day party\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:3\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260401T090000Z\r\n" +
	"DTEND:20260401T100000Z\r\n" +
	"SUMMARY:Out of range\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestEventsFrom(t *testing.T) {
	cal, err := ical.NewDecoder(strings.NewReader(testICS)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	from := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	events := eventsFrom("Home", cal, time.UTC, from, to)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	dentist := events[0]
	if dentist.Summary != "Dentist" || dentist.Location != "Main St" || dentist.Calendar != "Home" || dentist.AllDay {
		t.Errorf("dentist = %+v", dentist)
	}
	if !dentist.Start.Equal(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", dentist.Start)
	}
	if !events[1].AllDay || events[1].Summary != "Pi day party" {
		t.Errorf("all-day event = %+v", events[1])
	}
}

func TestEventsFromNil(t *testing.T) {
	if got := eventsFrom("x", nil, time.UTC, time.Now(), time.Now()); got != nil {
		t.Errorf("got %v", got)
	}
}

func TestContactFrom(t *testing.T) {
	card := vcard.Card{}
	card.SetValue(vcard.FieldFormattedName, "Ada Lovelace")
	card.AddValue(vcard.FieldEmail, "ada@example.com")
	card.AddValue(vcard.FieldEmail, "ada@work.example")
	card.AddValue(vcard.FieldTelephone, "+1 555 0100")
	card.SetValue(vcard.FieldOrganization, "Analytical Engines;Research")
	card.SetValue(vcard.FieldBirthday, "1815-12-10")

	ct := contactFrom(card)
	if ct.Name != "Ada Lovelace" || ct.Organization != "Analytical Engines, Research" || ct.Birthday != "1815-12-10" {
		t.Errorf("contact = %+v", ct)
	}
	if !slices.Equal(ct.Emails, []string{"ada@example.com", "ada@work.example"}) || len(ct.Phones) != 1 {
		t.Errorf("emails %v phones %v", ct.Emails, ct.Phones)
	}
}

func TestContactFromStructuredName(t *testing.T) {
	card := vcard.Card{}
	card.SetName(&vcard.Name{GivenName: "Grace", FamilyName: "Hopper"})
	if got := contactFrom(card).Name; got != "Grace Hopper" {
		t.Errorf("name = %q", got)
	}
}
