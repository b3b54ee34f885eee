// Package dav reads calendars over CalDAV and address books over
// CardDAV.
package dav

import (
	"context"
	"time"

	"github.com/emersion/go-webdav"

	"github.com/nugget/aide/internal/httpkit"
)

// Config is one DAV account. The same credentials usually serve both
// the calendar and the address book.
type Config struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether a server URL is set.
func (c Config) Configured() bool {
	return c.URL != ""
}

func (c Config) httpClient() webdav.HTTPClient {
	var hc webdav.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	if c.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, c.Username, c.Password)
	}
	return hc
}

type principalFinder interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
}

// principal resolves the current user principal, falling back to the
// server root when the server does not report one.
func principal(ctx context.Context, pf principalFinder) string {
	p, err := pf.FindCurrentUserPrincipal(ctx)
	if err != nil || p == "" {
		return "/"
	}
	return p
}
