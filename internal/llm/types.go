// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"

	"github.com/nugget/aide/internal/opaque"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat message in provider-neutral form.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Reasoning is the provider's opaque reasoning payload for an
	// assistant message. It is replayed verbatim on later requests.
	Reasoning opaque.Value `json:"reasoning,omitzero"`
}

// ToolCall is one tool invocation requested by the model. Arguments is
// the raw JSON object text as produced by the model; parsing belongs
// to the tool dispatcher.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Attachment references a local file sent alongside a message, such as
// a photo from the user or an image produced by a tool.
type Attachment struct {
	Path      string `json:"path"`
	MediaType string `json:"media_type"`
	Name      string `json:"name,omitempty"`
}

// IsImage reports whether the attachment can be sent as an image block.
func (a Attachment) IsImage() bool {
	switch a.MediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// Request is one chat completion request. The first system-role
// message, if any, is the system prompt.
type Request struct {
	Model    string
	Messages []Message
	Tools    []map[string]any

	// ToolChoice set to ToolChoiceNone keeps Tools visible for the
	// history but forbids new calls. Empty lets the model decide.
	ToolChoice string

	// Effort is a reasoning-effort hint: "", "low", "medium" or "high".
	// Providers without a reasoning mode ignore it.
	Effort string

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int
}

// ToolChoiceNone forbids tool calls for one request.
const ToolChoiceNone = "none"

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model asked for tools.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// ToolNames extracts function names from OpenAI-style tool definitions.
func ToolNames(tools []map[string]any) []string {
	var names []string
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, _ := fn["name"].(string); name != "" {
			names = append(names, name)
		}
	}
	return names
}
