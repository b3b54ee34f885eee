package mqtt

import (
	"context"
	"time"

	"github.com/nugget/aide/internal/budget"
	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/memory"
)

// Status is the retained status document.
type Status struct {
	Instance  string    `json:"instance"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Model     string    `json:"model"`
	UpdatedAt time.Time `json:"updated_at"`

	Spend  Spend        `json:"spend"`
	Memory memory.Stats `json:"memory"`

	// QueuedTurns counts turns waiting behind the current one.
	QueuedTurns int `json:"queued_turns"`
}

// Spend reports budget state in USD. Zero limits are disabled.
type Spend struct {
	Day          string  `json:"day"`
	Today        float64 `json:"today"`
	Month        float64 `json:"month"`
	DailyLimit   float64 `json:"daily_limit"`
	MonthlyLimit float64 `json:"monthly_limit"`
	PerTurnLimit float64 `json:"per_turn_limit"`
}

// SpendSource is the budget guard.
type SpendSource interface {
	Snapshot(at time.Time) budget.Snapshot
	Limits() budget.Limits
}

// MemorySource is the memory store.
type MemorySource interface {
	Stats(ctx context.Context) (memory.Stats, error)
}

// QueueSource reports queued turns.
type QueueSource interface {
	Pending() int
}

// Collector assembles a Status from the running components. Queue may
// be nil.
type Collector struct {
	Instance string
	Model    string
	Spend    SpendSource
	Memory   MemorySource
	Queue    QueueSource

	now func() time.Time
}

// Collect implements StatusSource.
func (c *Collector) Collect(ctx context.Context) (Status, error) {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	at := now()

	snap := c.Spend.Snapshot(at)
	limits := c.Spend.Limits()
	st := Status{
		Instance:  c.Instance,
		Version:   buildinfo.Version,
		Uptime:    buildinfo.Uptime().Truncate(time.Second).String(),
		Model:     c.Model,
		UpdatedAt: at.UTC(),
		Spend: Spend{
			Day:          snap.Day,
			Today:        snap.Today,
			Month:        snap.Month,
			DailyLimit:   limits.Daily,
			MonthlyLimit: limits.Monthly,
			PerTurnLimit: limits.PerTurn,
		},
	}
	if c.Queue != nil {
		st.QueuedTurns = c.Queue.Pending()
	}

	stats, err := c.Memory.Stats(ctx)
	st.Memory = stats
	return st, err
}
