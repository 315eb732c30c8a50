package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/overseer/internal/audit"
	"github.com/haasonsaas/overseer/internal/observability"
	"github.com/haasonsaas/overseer/internal/ratelimit"
)

// ExecutorConfig configures invocation behavior.
type ExecutorConfig struct {
	// DefaultTimeout bounds each handler call. Default 30s.
	DefaultTimeout time.Duration

	// MaxInputSize rejects oversized inputs before validation. Default 1MB.
	MaxInputSize int
}

// DefaultExecutorConfig returns the default invocation settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		MaxInputSize:   1 << 20,
	}
}

// Executor performs validated, rate-limited, audited tool invocation.
type Executor struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	auditor  *audit.Logger
	metrics  *observability.Metrics
	config   ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates an executor. The audit logger and metrics may be nil.
func NewExecutor(registry *Registry, limiter *ratelimit.Limiter, auditor *audit.Logger, metrics *observability.Metrics, config ExecutorConfig) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MaxInputSize <= 0 {
		config.MaxInputSize = 1 << 20
	}
	return &Executor{
		registry: registry,
		limiter:  limiter,
		auditor:  auditor,
		metrics:  metrics,
		config:   config,
		logger:   slog.Default().With("component", "tool_executor"),
	}
}

// Invocation identifies one tool call within an execution.
type Invocation struct {
	ExecutionID string
	AgentID     string
	ToolName    string
	Input       json.RawMessage
}

// Result is the outcome of one invocation.
type Result struct {
	Output   json.RawMessage
	Duration time.Duration
}

// Invoke runs one tool call. The returned error, when non-nil, is always
// an *InvocationError; handler failures never propagate raw. Every
// invocation is audited regardless of outcome.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	ctx = observability.WithExecutionID(ctx, inv.ExecutionID)

	if e.auditor != nil {
		e.auditor.ToolInvocation(ctx, inv.ExecutionID, inv.AgentID, inv.ToolName, inv.Input)
	}

	result, err := e.invoke(ctx, inv)
	duration := time.Since(start)

	outcome := "success"
	var output, errMsg string
	if err != nil {
		errMsg = err.Error()
		switch KindOf(err) {
		case KindRateLimited:
			outcome = "rate_limited"
		case KindPolicyDenied, KindApprovalDenied, KindApprovalExpired:
			outcome = "denied"
		default:
			outcome = "error"
		}
	} else {
		output = string(result.Output)
		result.Duration = duration
	}

	if e.metrics != nil {
		e.metrics.ToolInvocationCounter.WithLabelValues(inv.ToolName, outcome).Inc()
		e.metrics.ToolInvocationDuration.WithLabelValues(inv.ToolName).Observe(duration.Seconds())
	}
	if e.auditor != nil {
		e.auditor.ToolCompletion(ctx, inv.ExecutionID, inv.AgentID, inv.ToolName, inv.Input, output, errMsg, duration)
	}

	return result, err
}

func (e *Executor) invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Input) > e.config.MaxInputSize {
		return nil, NewInvocationError(KindInvalidInput, inv.ToolName,
			fmt.Sprintf("input exceeds %d bytes", e.config.MaxInputSize))
	}

	tool, schema, ok := e.registry.Get(inv.ToolName)
	if !ok {
		return nil, NewInvocationError(KindUnknownTool, inv.ToolName, "tool not registered")
	}

	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return nil, &InvocationError{Kind: KindInvalidInput, ToolName: inv.ToolName, Message: "input is not valid JSON", Cause: err}
	}
	if err := schema.Validate(payload); err != nil {
		return nil, &InvocationError{Kind: KindInvalidInput, ToolName: inv.ToolName, Message: "input failed schema validation", Cause: err}
	}

	if e.limiter != nil && tool.RateLimit.Valid() {
		key := ratelimit.CompositeKey("tool", inv.ToolName, "agent", inv.AgentID)
		if !e.limiter.Allow(key, tool.RateLimit) {
			return nil, &InvocationError{
				Kind:       KindRateLimited,
				ToolName:   inv.ToolName,
				Message:    "rate limit exceeded",
				RetryAfter: e.limiter.RetryAfter(key, tool.RateLimit),
			}
		}
	}

	output, err := e.dispatch(ctx, tool, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &InvocationError{
				Kind:     KindHandlerError,
				ToolName: inv.ToolName,
				Message:  fmt.Sprintf("handler timed out after %v", e.config.DefaultTimeout),
				Cause:    err,
			}
		}
		return nil, WrapHandlerError(inv.ToolName, err)
	}
	return &Result{Output: output}, nil
}

// dispatch runs the handler with a bounded timeout and panic recovery.
// A handler that outlives the timeout leaks its goroutine until it
// returns; its late result is discarded and logged.
func (e *Executor) dispatch(ctx context.Context, tool *Tool, input json.RawMessage) (json.RawMessage, error) {
	type handlerResult struct {
		output json.RawMessage
		err    error
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	resultChan := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case resultChan <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}:
				default:
				}
			}
		}()

		output, err := tool.Handler(toolCtx, input)
		select {
		case resultChan <- handlerResult{output: output, err: err}:
		default:
			e.logger.Warn("handler finished after timeout, result discarded",
				"tool", tool.Name,
				"execution_id", observability.ExecutionID(toolCtx))
		}
	}()

	select {
	case <-toolCtx.Done():
		return nil, toolCtx.Err()
	case res := <-resultChan:
		return res.output, res.err
	}
}
