// Package observability provides execution correlation and Prometheus
// metrics for the execution core.
package observability

import "context"

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	agentIDKey     contextKey = "agent_id"
	toolCallIDKey  contextKey = "tool_call_id"
)

// WithExecutionID attaches an execution id to the context for correlation.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// ExecutionID returns the execution id from the context, if any.
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}

// WithAgentID attaches an agent id to the context.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentID returns the agent id from the context, if any.
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// WithToolCallID attaches a tool call id to the context.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallID returns the tool call id from the context, if any.
func ToolCallID(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}
