package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Window is the live, verbatim tail of the conversation. Every append
// is persisted before it becomes visible so a restart resumes where
// the conversation left off.
type Window struct {
	db *sql.DB

	mu     sync.RWMutex
	msgs   []Message
	tokens int
}

func loadWindow(ctx context.Context, db *sql.DB) (*Window, error) {
	rows, err := db.QueryContext(ctx, `SELECT body FROM live_messages ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query live messages: %w", err)
	}
	defer rows.Close()

	w := &Window{db: db}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan live message: %w", err)
		}
		var m Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode live message: %w", err)
		}
		w.msgs = append(w.msgs, m)
		w.tokens += EstimateTokens(m)
	}
	return w, rows.Err()
}

// Append persists msgs in order and adds them to the window. Missing
// ids and timestamps are filled in. Either all messages are appended
// or none are.
func (w *Window) Append(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	prepared := make([]Message, len(msgs))
	bodies := make([][]byte, len(msgs))
	for i, m := range msgs {
		m = validUTF8(m)
		if m.ID == "" {
			m.ID = NewID()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		body, err := encodeMessage(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		prepared[i] = m
		bodies[i] = body
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()
	for i, m := range prepared {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO live_messages (id, body) VALUES (?, ?)`, m.ID, string(bodies[i])); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	for _, m := range prepared {
		w.msgs = append(w.msgs, m)
		w.tokens += EstimateTokens(m)
	}
	return nil
}

// Messages returns a copy of the window, oldest first.
func (w *Window) Messages() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// Find returns the message with the given id if it is still live.
func (w *Window) Find(id string) (Message, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, m := range w.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Tokens returns the estimated prompt size of the window.
func (w *Window) Tokens() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tokens
}

// Len returns the number of live messages.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.msgs)
}

// dropPrefix removes the archived messages from memory after their
// rows were deleted in the commit transaction. ids must be the oldest
// messages in order; anything else means the in-memory view drifted
// from the database and it is reloaded.
func (w *Window) dropPrefix(ctx context.Context, ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(ids) <= len(w.msgs) {
		match := true
		for i, id := range ids {
			if w.msgs[i].ID != id {
				match = false
				break
			}
		}
		if match {
			for _, m := range w.msgs[:len(ids)] {
				w.tokens -= EstimateTokens(m)
			}
			w.msgs = append([]Message(nil), w.msgs[len(ids):]...)
			return nil
		}
	}

	fresh, err := loadWindow(ctx, w.db)
	if err != nil {
		return err
	}
	w.msgs, w.tokens = fresh.msgs, fresh.tokens
	return nil
}
