// Package reasoning defines the completion capability the execution engine
// depends on, and its provider implementations.
//
// The engine is agnostic to which backend serves a completion; it only
// requires the structured decision contract (see ParseDecision) and token
// usage reporting for quota accounting.
package reasoning

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/overseer/pkg/models"
)

// Provider is the reasoning capability boundary.
//
// Implementations must be safe for concurrent use: multiple execution
// workers call Complete simultaneously.
type Provider interface {
	// Complete sends the conversation and returns the model's response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// Request contains all parameters for one completion call.
type Request struct {
	// Model selects the backend model; empty uses the provider default.
	Model string `json:"model"`

	// System is the agent's instructions, passed verbatim.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []Message `json:"messages"`

	// Tools are the agent's allowed tools, advertised to the model.
	Tools []ToolSpec `json:"tools,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Message is a single conversation turn. Role is "user", "assistant", or
// "tool".
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes one tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// Response is a completed (non-streaming) model turn.
type Response struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	TokensIn  int64             `json:"tokens_in"`
	TokensOut int64             `json:"tokens_out"`
}
