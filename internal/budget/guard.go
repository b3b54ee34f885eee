// Package budget tracks LLM and tool spend against per-turn, daily and
// monthly ceilings.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// ErrBudgetExceeded is matched by every ceiling violation.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Ceiling names which limit was hit.
type Ceiling string

const (
	CeilingTurn    Ceiling = "per-turn"
	CeilingDaily   Ceiling = "daily"
	CeilingMonthly Ceiling = "monthly"
)

// LimitError reports a ceiling violation.
type LimitError struct {
	Ceiling Ceiling
	Spent   float64
	Limit   float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s budget of $%.2f reached ($%.4f spent)", e.Ceiling, e.Limit, e.Spent)
}

func (e *LimitError) Unwrap() error { return ErrBudgetExceeded }

// Limits are spend ceilings in USD. Zero disables a ceiling.
type Limits struct {
	PerTurn float64
	Daily   float64
	Monthly float64
}

// Snapshot is the spend total for the day and month containing a
// moment.
type Snapshot struct {
	Day   string  `json:"day"`
	Today float64 `json:"today_usd"`
	Month float64 `json:"month_usd"`
}

// DefaultRetentionDays keeps enough buckets for any month total.
const DefaultRetentionDays = 62

const dayLayout = "2006-01-02"

// Options configure a Guard.
type Options struct {
	// Location decides where day boundaries fall. Defaults to local time.
	Location *time.Location

	// RetentionDays is how many days of buckets are kept.
	RetentionDays int

	// Ledger persists buckets. Nil keeps spend in memory only.
	Ledger Ledger

	Logger *slog.Logger
}

// Guard accumulates spend in day buckets. It is safe for concurrent use.
type Guard struct {
	limits    Limits
	loc       *time.Location
	retention int
	ledger    Ledger
	logger    *slog.Logger

	mu   sync.Mutex
	days map[string]float64
}

// NewGuard returns a guard, loading retained buckets from the ledger
// if one is configured.
func NewGuard(ctx context.Context, limits Limits, opts Options) (*Guard, error) {
	g := &Guard{
		limits:    limits,
		loc:       opts.Location,
		retention: opts.RetentionDays,
		ledger:    opts.Ledger,
		logger:    opts.Logger,
		days:      make(map[string]float64),
	}
	if g.loc == nil {
		g.loc = time.Local
	}
	if g.retention < 31 {
		g.retention = DefaultRetentionDays
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "budget")

	if g.ledger != nil {
		since := g.cutoff(time.Now())
		days, err := g.ledger.LoadSpend(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("load spend ledger: %w", err)
		}
		for day, usd := range days {
			g.days[day] = usd
		}
	}
	return g, nil
}

// Limits returns the configured ceilings.
func (g *Guard) Limits() Limits { return g.limits }

// RecordSpend adds amount to the bucket for at's day. Amounts that are
// not finite or not positive are ignored. It reports whether the spend
// was recorded.
func (g *Guard) RecordSpend(amount float64, at time.Time) bool {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return false
	}
	day := g.dayKey(at)

	g.mu.Lock()
	g.days[day] += amount
	pruned := g.pruneLocked(at)
	g.mu.Unlock()

	if g.ledger == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.ledger.AddSpend(ctx, day, amount); err != nil {
		g.logger.Warn("failed to persist spend", "day", day, "usd", amount, "error", err)
	}
	if pruned {
		if err := g.ledger.PruneSpend(ctx, g.cutoff(at)); err != nil {
			g.logger.Warn("failed to prune spend ledger", "error", err)
		}
	}
	return true
}

// Snapshot returns the totals for at's day and month.
func (g *Guard) Snapshot(at time.Time) Snapshot {
	day := g.dayKey(at)
	month := day[:len("2006-01")]

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(at)

	snap := Snapshot{Day: day, Today: g.days[day]}
	for d, usd := range g.days {
		if strings.HasPrefix(d, month) {
			snap.Month += usd
		}
	}
	return snap
}

// Check reports whether spending would be at or past a ceiling, counting
// turnSpend that is not yet recorded. It returns a *LimitError wrapping
// ErrBudgetExceeded, or nil.
func (g *Guard) Check(turnSpend float64, at time.Time) error {
	if math.IsNaN(turnSpend) || turnSpend < 0 {
		turnSpend = 0
	}
	snap := g.Snapshot(at)
	switch {
	case g.limits.PerTurn > 0 && turnSpend >= g.limits.PerTurn:
		return &LimitError{Ceiling: CeilingTurn, Spent: turnSpend, Limit: g.limits.PerTurn}
	case g.limits.Daily > 0 && snap.Today+turnSpend >= g.limits.Daily:
		return &LimitError{Ceiling: CeilingDaily, Spent: snap.Today + turnSpend, Limit: g.limits.Daily}
	case g.limits.Monthly > 0 && snap.Month+turnSpend >= g.limits.Monthly:
		return &LimitError{Ceiling: CeilingMonthly, Spent: snap.Month + turnSpend, Limit: g.limits.Monthly}
	}
	return nil
}

func (g *Guard) dayKey(at time.Time) string {
	return at.In(g.loc).Format(dayLayout)
}

// cutoff is the oldest day key still retained at at.
func (g *Guard) cutoff(at time.Time) string {
	return at.In(g.loc).AddDate(0, 0, -(g.retention - 1)).Format(dayLayout)
}

func (g *Guard) pruneLocked(at time.Time) bool {
	cut := g.cutoff(at)
	pruned := false
	for day := range g.days {
		if day < cut {
			delete(g.days, day)
			pruned = true
		}
	}
	return pruned
}
