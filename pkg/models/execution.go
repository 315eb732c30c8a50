package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of one agent run.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
	ExecutionTimedOut        ExecutionStatus = "timed_out"
)

// Terminal reports whether the status is final. A terminal execution never
// re-enters running; waiting_approval is the single non-terminal suspension.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

// Execution is one end-to-end run of an agent in response to a trigger.
type Execution struct {
	ID       string  `json:"id"`
	AgentID  string  `json:"agent_id"`
	TenantID string  `json:"tenant_id,omitempty"`
	Trigger  Trigger `json:"trigger"`

	Status ExecutionStatus `json:"status"`

	// Steps is the ordered, append-only reasoning trace.
	Steps []Step `json:"steps,omitempty"`

	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
	ToolCalls int64 `json:"tool_calls"`

	// Result is the final payload produced by the run, if any.
	Result string `json:"result,omitempty"`
	// Error is the human-readable reason for a failed/timed_out/cancelled run.
	Error string `json:"error,omitempty"`

	// PendingAction holds the already-validated tool call an execution was
	// suspended on while waiting for approval. Cleared on resume.
	PendingAction *PendingAction `json:"pending_action,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// PendingAction is the suspended tool call awaiting a human decision.
// Input has already passed schema validation and is re-used verbatim on
// resume; the reasoning provider is never re-prompted for it.
type PendingAction struct {
	ApprovalID string          `json:"approval_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Reasoning  string          `json:"reasoning,omitempty"`
	// StepSeq is the sequence number the act step will take on resume.
	StepSeq int `json:"step_seq"`
	// ActiveFor is the active run time accumulated before this suspension.
	// Time spent suspended never counts against the run's wall-clock timeout.
	ActiveFor time.Duration `json:"active_for,omitempty"`
}

// StepType tags one iteration of the reasoning loop.
type StepType string

const (
	StepObserve StepType = "observe"
	StepThink   StepType = "think"
	StepAct     StepType = "act"
	StepReflect StepType = "reflect"
)

// Step is a single observe/think/act/reflect iteration. Steps are immutable
// once written and belong to exactly one execution.
type Step struct {
	ID          string   `json:"id"`
	ExecutionID string   `json:"execution_id"`
	Seq         int      `json:"seq"`
	Type        StepType `json:"type"`

	// Content is the free-text reasoning or observation for the step.
	Content string `json:"content,omitempty"`

	// Tool fields are populated only for act steps.
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	ToolError  string          `json:"tool_error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// ExecutionResult is what Execute returns: the terminal status plus the
// full trace and the tool actions that actually ran.
type ExecutionResult struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Steps       []Step          `json:"steps"`
	ToolActions []ToolAction    `json:"tool_actions,omitempty"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
}

// ToolAction summarizes one executed tool invocation within a run.
type ToolAction struct {
	Tool     string          `json:"tool"`
	Input    json.RawMessage `json:"input"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}
