package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request types for OpenAI-compatible chat completion APIs

type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Seed           *int            `json:"seed,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	Stream         bool            `json:"stream"`
}

// ResponseFormat selects plain text or JSON object output.
type ResponseFormat struct {
	Type string `json:"type"` // "text" or "json_object"
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Images     []ImageURL `json:"-"` // sent as content parts when present
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ImageURL is an image attached to a user message.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "low", "high" or "auto"
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MarshalJSON emits content as a parts array when images are attached.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain struct {
		Role       string     `json:"role"`
		Content    any        `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}
	out := plain{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
	if len(m.Images) > 0 {
		parts := []contentPart{{Type: "text", Text: m.Content}}
		for i := range m.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &m.Images[i]})
		}
		out.Content = parts
	}
	return json.Marshal(out)
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the declared shape of a callable function. Parameters is a
// JSON schema value.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response types

type ChatResponse struct {
	ID      string    `json:"id"`
	Choices []Choice  `json:"choices"`
	Usage   *Usage    `json:"usage,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Usage contains token usage information from the API response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	Message      *Delta `json:"message,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// APIError is the structured error body returned by the provider.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"` // string or number depending on provider
}

// CodeString renders Code for display.
func (e *APIError) CodeString() string {
	if e == nil || e.Code == nil {
		return ""
	}
	return fmt.Sprint(e.Code)
}

// RequestError is a provider rejection carrying the HTTP status.
type RequestError struct {
	Status     int
	StatusText string
	Body       *APIError
}

func (e *RequestError) Error() string {
	if e.Body != nil && e.Body.Message != "" {
		return fmt.Sprintf("request failed: %d %s: %s", e.Status, e.StatusText, e.Body.Message)
	}
	return fmt.Sprintf("request failed: %d %s", e.Status, e.StatusText)
}

// StreamEvent represents a parsed event from the SSE stream.
type StreamEvent struct {
	Type     string    // "content", "tool_call", "done", "error"
	Content  string    // For "content" events
	ToolCall *ToolCall // For "tool_call" events
	Error    string    // For "error" events
	Usage    *Usage    // For "done" events, if available
}

// Completion is the assembled result of one completion call.
type Completion struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Cached       bool       `json:"-"`
}

// CompleteOptions carries per-call hooks.
type CompleteOptions struct {
	// OnProgress receives streamed content chunks.
	OnProgress func(chunk string)
}

// Completer is the completion operation consumed by the chat loop. Retries
// are the implementation's concern.
type Completer interface {
	Complete(ctx context.Context, req *ChatRequest, opts CompleteOptions) (*Completion, error)
}
