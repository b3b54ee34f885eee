package tools

import "context"

type contextKey string

const turnIDKey contextKey = "turn_id"

// WithTurnID adds the turn ID to the context.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext extracts the turn ID from the context. Returns ""
// if not set.
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}
