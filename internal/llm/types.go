// Package llm provides the model boundary for the generation workflow.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles in the agent's vocabulary.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn as seen by the model. Assistant turns may
// carry tool calls; user turns may carry tool results answering them.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool invocation, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ToolDef declares a callable tool with a JSON schema for its input.
type ToolDef struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ContentBlock is one typed block of model output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Turn is the structured result of one model invocation.
type Turn struct {
	Blocks     []ContentBlock `json:"blocks"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	StopReason string         `json:"stop_reason"`
}

// Text returns the concatenation of all text blocks in order.
func (t *Turn) Text() string {
	var out string
	for _, b := range t.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// TextOrFallback returns the concatenated text content, or fallback when the
// turn carries no text-typed block at all.
func (t *Turn) TextOrFallback(fallback string) string {
	hasText := false
	for _, b := range t.Blocks {
		if b.Type == "text" {
			hasText = true
			break
		}
	}
	if !hasText {
		return fallback
	}
	return t.Text()
}

// Request describes one model invocation.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Client runs model invocations.
type Client interface {
	// Generate runs one model turn over the conversation.
	Generate(ctx context.Context, req Request) (*Turn, error)
}
