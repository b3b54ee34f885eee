package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/budget"
)

// SpendReporter exposes budget state to the spend_summary tool.
type SpendReporter interface {
	Snapshot(at time.Time) budget.Snapshot
	Limits() budget.Limits
}

// SetBudget adds the spend_summary tool.
func (r *Registry) SetBudget(guard SpendReporter) {
	r.Register(&Tool{
		Name:        "spend_summary",
		Description: "Report how much you have spent on model and tool calls today and this month, against your spending ceilings.",
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			return Text(formatSpend(guard.Snapshot(time.Now()), guard.Limits())), nil
		},
	})
}

func formatSpend(snap budget.Snapshot, limits budget.Limits) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Spend for %s:\n", snap.Day)
	fmt.Fprintf(&sb, "  Today: $%.4f%s\n", snap.Today, ofLimit(limits.Daily))
	fmt.Fprintf(&sb, "  This month: $%.4f%s\n", snap.Month, ofLimit(limits.Monthly))
	if limits.PerTurn > 0 {
		fmt.Fprintf(&sb, "  Per-turn ceiling: $%.2f\n", limits.PerTurn)
	}
	return sb.String()
}

func ofLimit(limit float64) string {
	if limit <= 0 {
		return " (no ceiling)"
	}
	return fmt.Sprintf(" of $%.2f", limit)
}
