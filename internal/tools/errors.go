package tools

import "fmt"

// Kind classifies a tool failure. Every kind is returned to the model
// as a tool result rather than ending the turn.
type Kind string

const (
	KindInvalidArguments Kind = "invalid_arguments"
	KindUnknownTool      Kind = "unknown_tool"
	KindUnavailable      Kind = "unavailable"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindExecutionFailed  Kind = "execution_failed"
	KindCanceled         Kind = "canceled"
)

// ToolError is a structured tool failure.
type ToolError struct {
	Kind    Kind
	Tool    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// InvalidArgs builds an invalid_arguments error. Handlers return it
// for values the schema cannot express, such as an unparseable date.
func InvalidArgs(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindInvalidArguments, Message: fmt.Sprintf(format, args...)}
}
