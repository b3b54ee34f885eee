package dav

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav/carddav"
)

// Contact is the useful subset of one vCard.
type Contact struct {
	Name         string
	Organization string
	Emails       []string
	Phones       []string
	Birthday     string
	Note         string
}

// Contacts searches every address book of an account.
type Contacts struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *carddav.Client
	books  []carddav.AddressBook
}

// NewContacts creates an address book reader. Discovery happens on
// first use.
func NewContacts(cfg Config, logger *slog.Logger) *Contacts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Contacts{cfg: cfg, logger: logger.With("component", "carddav")}
}

func (c *Contacts) discover(ctx context.Context) (*carddav.Client, []carddav.AddressBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, c.books, nil
	}

	client, err := carddav.NewClient(c.cfg.httpClient(), c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create carddav client: %w", err)
	}
	home, err := client.FindAddressBookHomeSet(ctx, principal(ctx, client))
	if err != nil {
		return nil, nil, fmt.Errorf("find address book home: %w", err)
	}
	books, err := client.FindAddressBooks(ctx, home)
	if err != nil {
		return nil, nil, fmt.Errorf("find address books: %w", err)
	}
	c.logger.Info("address books discovered", "count", len(books))
	c.client, c.books = client, books
	return client, books, nil
}

// Lookup returns contacts whose name, email or organization contains
// query, case-insensitively.
func (c *Contacts) Lookup(ctx context.Context, query string, limit int) ([]Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	client, books, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	match := []carddav.TextMatch{{Text: query, MatchType: carddav.MatchContains}}
	q := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
		PropFilters: []carddav.PropFilter{
			{Name: vcard.FieldFormattedName, TextMatches: match},
			{Name: vcard.FieldEmail, TextMatches: match},
			{Name: vcard.FieldOrganization, TextMatches: match},
		},
		FilterTest: carddav.FilterAnyOf,
		Limit:      limit,
	}

	var out []Contact
	for _, book := range books {
		objs, err := client.QueryAddressBook(ctx, book.Path, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("address book query failed", "book", book.Name, "error", err)
			continue
		}
		for _, obj := range objs {
			out = append(out, contactFrom(obj.Card))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func contactFrom(card vcard.Card) Contact {
	ct := Contact{
		Name:     card.PreferredValue(vcard.FieldFormattedName),
		Emails:   card.Values(vcard.FieldEmail),
		Phones:   card.Values(vcard.FieldTelephone),
		Birthday: card.Value(vcard.FieldBirthday),
		Note:     card.Value(vcard.FieldNote),
	}
	if ct.Name == "" {
		if n := card.Name(); n != nil {
			ct.Name = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
		}
	}
	// ORG components are separated by semicolons.
	if org := card.Value(vcard.FieldOrganization); org != "" {
		ct.Organization = strings.Trim(strings.ReplaceAll(org, ";", ", "), ", ")
	}
	return ct
}
