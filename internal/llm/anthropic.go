package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nugget/aide/internal/httpkit"
	"github.com/nugget/aide/internal/opaque"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	anthropicDefaultMaxTokens = 4096
	maxImageBytes             = 5 << 20
)

// thinkingBudgets maps an effort hint to an extended-thinking token budget.
var thinkingBudgets = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Thinking and long prompts can delay response headers well past
	// the shared default.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicAPIURL,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	Messages   []anthropicMessage   `json:"messages"`
	System     string               `json:"system,omitempty"`
	MaxTokens  int                  `json:"max_tokens"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking   *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   []any           `json:"content,omitempty"`
	Source    *anthropicImage `json:"source,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    []json.RawMessage `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	msgs, system := c.convertMessages(req.Messages)

	body := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: req.MaxTokens,
		Tools:     convertToolsToAnthropic(req.Tools),
	}
	if req.ToolChoice == ToolChoiceNone && len(body.Tools) > 0 {
		body.ToolChoice = &anthropicToolChoice{Type: ToolChoiceNone}
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = anthropicDefaultMaxTokens
	}
	if budget, ok := thinkingBudgets[req.Effort]; ok {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// max_tokens must exceed the thinking budget.
		body.MaxTokens += budget
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(body.Tools),
		"effort", req.Effort,
		"system_len", len(system),
	)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: errBody}
	}

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result, err := convertFromAnthropic(&decoded)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping verifies the API key with a one-token request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	payload, err := json.Marshal(anthropicRequest{
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []anthropicMessage{{Role: RoleUser, Content: []any{anthropicContent{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", c.apiKey)
	r.Header.Set("anthropic-version", anthropicAPIVersion)
}

// convertMessages converts internal messages to Anthropic format,
// extracting system messages into the separate system prompt.
// Consecutive tool results are folded into one user message because
// every tool_result for an assistant turn must arrive together.
func (c *AnthropicClient) convertMessages(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []any
			// Thinking blocks must lead the assistant content, exactly
			// as the API produced them.
			for _, raw := range reasoningBlocks(msg.Reasoning) {
				blocks = append(blocks, raw)
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: argumentsObject(tc.Arguments),
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicContent{Type: "text", Text: "(no reply)"})
			}
			result = append(result, anthropicMessage{Role: RoleAssistant, Content: blocks})

		case RoleTool:
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   append([]any{anthropicContent{Type: "text", Text: nonEmpty(msg.Content)}}, c.imageBlocks(msg.Attachments)...),
			}
			if n := len(result); n > 0 && result[n-1].Role == RoleUser && isToolResultMessage(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropicMessage{Role: RoleUser, Content: []any{block}})

		case RoleUser:
			blocks := c.imageBlocks(msg.Attachments)
			blocks = append(blocks, anthropicContent{Type: "text", Text: nonEmpty(msg.Content)})
			result = append(result, anthropicMessage{Role: RoleUser, Content: blocks})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func isToolResultMessage(m anthropicMessage) bool {
	if len(m.Content) == 0 {
		return false
	}
	first, ok := m.Content[0].(anthropicContent)
	return ok && first.Type == "tool_result"
}

// imageBlocks loads image attachments as base64 blocks. Unreadable or
// oversized files become a text note so the turn can continue.
func (c *AnthropicClient) imageBlocks(atts []Attachment) []any {
	var blocks []any
	for _, a := range atts {
		if !a.IsImage() {
			blocks = append(blocks, anthropicContent{Type: "text", Text: fmt.Sprintf("[attached file: %s (%s)]", a.Path, a.MediaType)})
			continue
		}
		data, err := os.ReadFile(a.Path)
		if err != nil || len(data) > maxImageBytes {
			c.logger.Warn("image attachment skipped", "path", a.Path, "error", err, "bytes", len(data))
			blocks = append(blocks, anthropicContent{Type: "text", Text: fmt.Sprintf("[image unavailable: %s]", a.Path)})
			continue
		}
		blocks = append(blocks, anthropicContent{
			Type: "image",
			Source: &anthropicImage{
				Type:      "base64",
				MediaType: a.MediaType,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		})
	}
	return blocks
}

// reasoningBlocks returns the stored thinking blocks. Only an Array
// payload (what convertFromAnthropic records) is replayed; reasoning
// captured from another provider is dropped.
func reasoningBlocks(v opaque.Value) []json.RawMessage {
	if v.Kind() != opaque.Array {
		return nil
	}
	return v.Elements()
}

// argumentsObject returns the tool arguments as a JSON object, falling
// back to {} when the model produced nothing usable.
func argumentsObject(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || !json.Valid([]byte(trimmed)) || trimmed[0] != '{' {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func nonEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

// convertToolsToAnthropic converts OpenAI-format tool definitions to Anthropic format.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	var result []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{Name: name, Description: desc, InputSchema: params})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal
// format. Thinking and redacted_thinking blocks are kept byte-for-byte
// as an Array reasoning payload.
func convertFromAnthropic(resp *anthropicResponse) (*ChatResponse, error) {
	var (
		text      strings.Builder
		toolCalls []ToolCall
		reasoning []json.RawMessage
	)

	for _, raw := range resp.Content {
		var block anthropicContent
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, fmt.Errorf("decode content block: %w", err)
		}
		switch block.Type {
		case "thinking", "redacted_thinking":
			reasoning = append(reasoning, raw)
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	msg := Message{
		Role:      RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
	}
	if len(reasoning) > 0 {
		b, err := json.Marshal(reasoning)
		if err != nil {
			return nil, fmt.Errorf("encode reasoning: %w", err)
		}
		if msg.Reasoning, err = opaque.Parse(b); err != nil {
			return nil, err
		}
	}

	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
