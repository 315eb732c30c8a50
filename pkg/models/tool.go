package models

import "encoding/json"

// ToolCall is a reasoning provider's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool invocation, fed back into the
// conversation context.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// DecisionAction is the discriminator of a reasoning decision.
type DecisionAction string

const (
	ActionUseTool DecisionAction = "use_tool"
	ActionFinish  DecisionAction = "finish"
)

// Decision is the structured next-step decision the reasoning provider
// returns each think step. The field names are part of the contract the
// engine's parser depends on.
type Decision struct {
	Action    DecisionAction  `json:"action"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Reasoning string          `json:"reasoning"`
}
