// Package memory holds the live conversation window and the archive of
// summarized conversation chunks it spills into.
package memory

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/opaque"
)

// Message is one immutable unit of conversation.
type Message struct {
	ID          string           `json:"id"`
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Attachments []llm.Attachment `json:"attachments,omitempty"`
	ToolCalls   []llm.ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string           `json:"tool_call_id,omitempty"`

	// ReplyTo is the id of the message this one cites, if any. Only
	// the reference is stored, never a copy of the cited message.
	ReplyTo string `json:"reply_to,omitempty"`

	Reasoning opaque.Value `json:"reasoning,omitzero"`
	Timestamp time.Time    `json:"timestamp"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lexically sortable message id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewMessage returns a message with a fresh id and the current time.
func NewMessage(role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// FromLLM wraps a provider message for storage.
func FromLLM(m llm.Message) Message {
	return Message{
		ID:          NewID(),
		Role:        m.Role,
		Content:     m.Content,
		Attachments: m.Attachments,
		ToolCalls:   m.ToolCalls,
		ToolCallID:  m.ToolCallID,
		Reasoning:   m.Reasoning,
		Timestamp:   time.Now().UTC(),
	}
}

// LLM converts the message to the provider-neutral request form.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:        m.Role,
		Content:     m.Content,
		ToolCalls:   m.ToolCalls,
		ToolCallID:  m.ToolCallID,
		Attachments: m.Attachments,
		Reasoning:   m.Reasoning,
	}
}

const (
	bytesPerToken   = 4
	messageOverhead = 4
	imageTokens     = 256
)

// EstimateTokens approximates the prompt cost of one message.
func EstimateTokens(m Message) int {
	n := len(m.Content) + len(m.Reasoning.Raw())
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	tokens := n/bytesPerToken + messageOverhead
	for _, a := range m.Attachments {
		if a.IsImage() {
			tokens += imageTokens
		}
	}
	return tokens
}

// validUTF8 replaces invalid byte sequences in m's text with U+FFFD,
// the same substitution encoding/json makes. Messages held in memory
// then match their stored form.
func validUTF8(m Message) Message {
	fix := func(s string) string { return strings.ToValidUTF8(s, "\uFFFD") }
	m.Content = fix(m.Content)
	m.ToolCallID = fix(m.ToolCallID)
	m.ReplyTo = fix(m.ReplyTo)
	if len(m.ToolCalls) > 0 {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		for i := range m.ToolCalls {
			tc := &m.ToolCalls[i]
			tc.ID, tc.Name, tc.Arguments = fix(tc.ID), fix(tc.Name), fix(tc.Arguments)
		}
	}
	return m
}

// encodeMessage renders m as a single JSON line. HTML escaping is off
// so stored text matches what was appended.
func encodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
