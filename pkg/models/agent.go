// Package models contains the shared domain types for the agent execution core.
package models

import (
	"time"
)

// Agent is a configured autonomous reasoning unit. It is created and edited
// by an external administrative surface; the execution core treats it as
// read-only apart from aggregate statistics.
type Agent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`

	// Instructions is the agent's system prompt, passed verbatim into the
	// reasoning provider. The core never parses its contents.
	Instructions string   `json:"instructions"`
	Goals        []string `json:"goals,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`

	Triggers TriggerConfig `json:"triggers"`

	// LLM selection parameters.
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`

	Limits     ExecutionLimits `json:"limits"`
	ToolPolicy ToolPolicy      `json:"tool_policy"`

	IsActive bool `json:"is_active"`

	Stats AgentStats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerConfig describes what causes an agent to run.
type TriggerConfig struct {
	// Events are event names the agent subscribes to.
	Events []string `json:"events,omitempty"`
	// Schedule is an optional cron expression for scheduled runs.
	Schedule string `json:"schedule,omitempty"`
}

// ExecutionLimits bounds a single run and the agent's run rate.
type ExecutionLimits struct {
	MaxStepsPerRun      int `json:"max_steps_per_run"`
	MaxToolCallsPerStep int `json:"max_tool_calls_per_step"`
	TimeoutSeconds      int `json:"timeout_seconds"`
	RunsPerHour         int `json:"runs_per_hour"`
	RunsPerDay          int `json:"runs_per_day"`
}

// DefaultExecutionLimits returns the limits applied when an agent leaves
// fields unset.
func DefaultExecutionLimits() ExecutionLimits {
	return ExecutionLimits{
		MaxStepsPerRun:      10,
		MaxToolCallsPerStep: 1,
		TimeoutSeconds:      300,
		RunsPerHour:         0,
		RunsPerDay:          0,
	}
}

// ToolPolicy is the agent's tool-access policy. Patterns are exact names or
// a prefix followed by a trailing "*". The deny list always overrides the
// allow list.
type ToolPolicy struct {
	Allowed []string `json:"allowed_tools,omitempty"`
	Denied  []string `json:"denied_tools,omitempty"`
}

// AgentStats holds aggregate run statistics. This is the only part of an
// Agent the core mutates.
type AgentStats struct {
	TotalRuns     int64     `json:"total_runs"`
	CompletedRuns int64     `json:"completed_runs"`
	FailedRuns    int64     `json:"failed_runs"`
	LastRunAt     time.Time `json:"last_run_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Trigger is the event that started one execution.
type Trigger struct {
	Event   string            `json:"event"`
	Payload map[string]string `json:"payload,omitempty"`
	// Scheduled marks trigger instances produced by the agent's schedule;
	// scheduled runs are allowed to carry an empty payload.
	Scheduled bool `json:"scheduled,omitempty"`
}
