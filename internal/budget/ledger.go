package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger persists day buckets. Day keys are YYYY-MM-DD and sort
// chronologically as strings.
type Ledger interface {
	AddSpend(ctx context.Context, day string, usd float64) error
	LoadSpend(ctx context.Context, since string) (map[string]float64, error)
	PruneSpend(ctx context.Context, before string) error
}

// SQLiteLedger stores day buckets in a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens or creates the ledger at dbPath.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open budget database: %w", err)
	}
	// One writer keeps upserts from racing on busy locks.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budget schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS spend_days (
		day TEXT PRIMARY KEY,
		usd REAL NOT NULL DEFAULT 0
	)`)
	return err
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// AddSpend adds usd to day's bucket.
func (l *SQLiteLedger) AddSpend(ctx context.Context, day string, usd float64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO spend_days (day, usd) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET usd = usd + excluded.usd`, day, usd)
	if err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	return nil
}

// LoadSpend returns every bucket from since onward.
func (l *SQLiteLedger) LoadSpend(ctx context.Context, since string) (map[string]float64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT day, usd FROM spend_days WHERE day >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("load spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var day string
		var usd float64
		if err := rows.Scan(&day, &usd); err != nil {
			return nil, fmt.Errorf("scan spend: %w", err)
		}
		out[day] = usd
	}
	return out, rows.Err()
}

// PruneSpend deletes buckets older than before.
func (l *SQLiteLedger) PruneSpend(ctx context.Context, before string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM spend_days WHERE day < ?`, before); err != nil {
		return fmt.Errorf("prune spend: %w", err)
	}
	return nil
}
