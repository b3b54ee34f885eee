package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/aide/internal/prompts"
)

// FailureKind classifies why a turn ended without a model reply.
type FailureKind string

const (
	FailUpstream   FailureKind = "upstream"
	FailBudget     FailureKind = "budget"
	FailRoundLimit FailureKind = "round_limit"
	FailCanceled   FailureKind = "canceled"
	FailStorage    FailureKind = "storage"
	FailInternal   FailureKind = "internal"
)

var (
	// ErrRoundLimit ends a turn whose model keeps calling tools.
	ErrRoundLimit = errors.New("tool round limit reached")

	// ErrToolsAfterBudget ends a turn whose model asked for tools after
	// they were withdrawn for budget.
	ErrToolsAfterBudget = errors.New("model requested tools after the budget was exhausted")
)

// TurnError is a terminal turn failure. Reply is safe to show the user.
type TurnError struct {
	TurnID string
	Kind   FailureKind
	Reply  string
	Err    error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed (%s): %v", e.TurnID, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

func replyFor(kind FailureKind) string {
	switch kind {
	case FailUpstream:
		return prompts.UpstreamFailureReply
	case FailBudget:
		return prompts.BudgetExceededReply
	case FailRoundLimit:
		return prompts.RoundLimitReply
	case FailCanceled:
		return prompts.CanceledReply
	}
	return prompts.InternalErrorReply
}

// UserReply returns the text to show for err: the TurnError reply when
// there is one, or the generic failure text.
func UserReply(err error) string {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Reply
	}
	return prompts.InternalErrorReply
}
