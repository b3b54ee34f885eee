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
	"slices"
	"strings"
	"time"

	"github.com/nugget/aide/internal/httpkit"
	"github.com/nugget/aide/internal/opaque"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	// Local models load lazily; the first response can take minutes.
	t.ResponseHeaderTimeout = 5 * time.Minute
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Think    bool             `json:"think,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Chat sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: c.convertMessages(req.Messages),
		Tools:    req.Tools,
		Think:    req.Effort != "",
	}
	if req.MaxTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Body: errBody}
	}

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	msg := Message{Role: RoleAssistant, Content: decoded.Message.Content}
	if decoded.Message.Thinking != "" {
		msg.Reasoning = opaque.FromString(decoded.Message.Thinking)
	}
	// Ollama assigns no call ids; the caller fills them in.
	for _, tc := range decoded.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: string(argumentsObject(string(tc.Function.Arguments))),
		})
	}

	// Smaller local models sometimes write the call as text instead of
	// using the tool-call field.
	if len(msg.ToolCalls) == 0 && len(req.Tools) > 0 && req.ToolChoice != ToolChoiceNone {
		if calls := parseTextToolCalls(msg.Content, ToolNames(req.Tools)); len(calls) > 0 {
			c.logger.Debug("recovered tool calls from text content", "count", len(calls))
			msg.ToolCalls = calls
			msg.Content = ""
		}
	}

	return &ChatResponse{
		Model:        decoded.Model,
		Message:      msg,
		StopReason:   decoded.DoneReason,
		InputTokens:  decoded.PromptEvalCount,
		OutputTokens: decoded.EvalCount,
	}, nil
}

// Ping checks the Ollama version endpoint.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaClient) convertMessages(messages []Message) []ollamaMessage {
	// Ollama correlates tool results by name, not id.
	names := make(map[string]string)
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Reasoning.Kind() == opaque.String {
			om.Thinking = m.Reasoning.Text()
		}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Name
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = argumentsObject(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, call)
		}
		if m.Role == RoleTool {
			om.ToolName = names[m.ToolCallID]
		}
		for _, a := range m.Attachments {
			if !a.IsImage() {
				continue
			}
			data, err := os.ReadFile(a.Path)
			if err != nil || len(data) > maxImageBytes {
				c.logger.Warn("image attachment skipped", "path", a.Path, "error", err)
				continue
			}
			om.Images = append(om.Images, base64.StdEncoding.EncodeToString(data))
		}
		out = append(out, om)
	}
	return out
}

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls recognizes tool calls written into the content:
// a bare JSON object or array, objects wrapped in <tool_call> tags,
// several objects back to back, or "tool_name {json}". When validTools
// is non-empty, calls naming anything else are discarded.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil
	}
	if i := strings.Index(s, "<tool_call>"); i >= 0 {
		s = s[i+len("<tool_call>"):]
		if j := strings.Index(s, "</tool_call>"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}

	var found []textToolCall
	switch {
	case strings.HasPrefix(s, "["):
		_ = json.Unmarshal([]byte(s), &found)
	case strings.HasPrefix(s, "{"):
		dec := json.NewDecoder(strings.NewReader(s))
		for dec.More() {
			var tc textToolCall
			if err := dec.Decode(&tc); err != nil {
				break
			}
			found = append(found, tc)
		}
	default:
		name, rest, ok := strings.Cut(s, " ")
		if !ok || !strings.HasPrefix(strings.TrimSpace(rest), "{") {
			return nil
		}
		dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(rest)))
		var args json.RawMessage
		if err := dec.Decode(&args); err != nil {
			return nil
		}
		found = append(found, textToolCall{Name: name, Arguments: args})
	}

	var calls []ToolCall
	for _, tc := range found {
		if tc.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, tc.Name) {
			continue
		}
		calls = append(calls, ToolCall{
			Name:      tc.Name,
			Arguments: string(argumentsObject(string(tc.Arguments))),
		})
	}
	return calls
}
