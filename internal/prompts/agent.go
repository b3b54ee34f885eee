package prompts

// Fixed replies for turns that end without a model answer. They are
// written for the user, not for logs.
const (
	// BudgetExceededReply is returned when a spending ceiling stops a
	// turn.
	BudgetExceededReply = "I've reached my spending limit, so I stopped before doing more. Check the budget settings or try again later."

	// UpstreamFailureReply is returned when the model provider keeps
	// failing.
	UpstreamFailureReply = "I couldn't reach the language model just now. Please try again in a minute."

	// RoundLimitReply is returned when the model keeps calling tools
	// without ever answering.
	RoundLimitReply = "I went back and forth with my tools too many times without finishing. Could you narrow the request?"

	// CanceledReply is returned when the user stops a turn.
	CanceledReply = "Stopped."

	// InternalErrorReply covers everything else.
	InternalErrorReply = "Something went wrong on my side and I couldn't finish that."
)

// BudgetToolNotice is appended to the conversation, for the model only,
// when tools have been withdrawn because the budget ran out mid-turn.
const BudgetToolNotice = "Your spending limit has been reached. Tools are no longer available for this turn. Answer the user with what you already have."
