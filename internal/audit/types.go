// Package audit provides structured audit logging for tool invocations,
// approval decisions, and execution lifecycle events. Every tool invocation,
// successful or not, produces an audit event; this is what makes dangerous
// tools reviewable after the fact.
package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Tool events
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"

	// Approval events
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"
	EventApprovalExpired   EventType = "approval.expired"

	// Execution events
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionSuspended EventType = "execution.suspended"
	EventExecutionResumed   EventType = "execution.resumed"
	EventExecutionFinished  EventType = "execution.finished"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ExecutionID string `json:"execution_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Tool        string `json:"tool,omitempty"`

	// Input is the tool input, hashed when privacy mode is on.
	Input json.RawMessage `json:"input,omitempty"`
	// InputHash replaces Input when HashInputs is enabled.
	InputHash string `json:"input_hash,omitempty"`

	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Risk     string `json:"risk,omitempty"`
	Status   string `json:"status,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
}
