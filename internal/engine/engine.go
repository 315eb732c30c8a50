// Package engine drives agent executions through the bounded
// observe/think/act reasoning loop, enforcing policy, limits, approval
// suspension, and the append-only step trace.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/overseer/internal/approval"
	"github.com/haasonsaas/overseer/internal/audit"
	"github.com/haasonsaas/overseer/internal/memory"
	"github.com/haasonsaas/overseer/internal/observability"
	"github.com/haasonsaas/overseer/internal/ratelimit"
	"github.com/haasonsaas/overseer/internal/reasoning"
	"github.com/haasonsaas/overseer/internal/storage"
	"github.com/haasonsaas/overseer/internal/tools"
	"github.com/haasonsaas/overseer/internal/usage"
	"github.com/haasonsaas/overseer/pkg/models"
)

// ErrExecutionActive is returned when Run is called for an execution whose
// loop is already in flight. Steps of one execution never run concurrently.
var ErrExecutionActive = errors.New("execution loop already in flight")

// Config tunes engine-wide behavior.
type Config struct {
	// MaxConcurrent bounds how many executions run at once. Default 10.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// MemoryLimit is how many memories each observation retrieves. Default 5.
	MemoryLimit int `yaml:"memory_limit"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 10,
		MemoryLimit:   5,
	}
}

// Options carry the engine's collaborators. Memory, Usage, Audit, and
// Metrics are optional.
type Options struct {
	Stores   storage.StoreSet
	Registry *tools.Registry
	Executor *tools.Executor
	Gate     *approval.Gate
	Memory   *memory.Store
	Reasoner reasoning.Provider
	Limiter  *ratelimit.Limiter
	Usage    *usage.Tracker
	Audit    *audit.Logger
	Metrics  *observability.Metrics
	Config   Config
}

// Engine coordinates the reasoning loop for all executions. Each run
// occupies one goroutine bounded by a global semaphore; the only
// long-lived suspension is waiting_approval, which releases the
// goroutine entirely and resumes later from durable state.
type Engine struct {
	stores   storage.StoreSet
	registry *tools.Registry
	executor *tools.Executor
	gate     *approval.Gate
	memory   *memory.Store
	reasoner reasoning.Provider
	limiter  *ratelimit.Limiter
	tracker  *usage.Tracker
	auditor  *audit.Logger
	metrics  *observability.Metrics
	config   Config
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine and installs its resume hook on the gate.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Executor == nil || opts.Reasoner == nil {
		return nil, fmt.Errorf("engine requires a registry, executor, and reasoning provider")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("engine requires an approval gate")
	}

	config := opts.Config
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.MemoryLimit <= 0 {
		config.MemoryLimit = def.MemoryLimit
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter()
	}

	e := &Engine{
		stores:   opts.Stores,
		registry: opts.Registry,
		executor: opts.Executor,
		gate:     opts.Gate,
		memory:   opts.Memory,
		reasoner: opts.Reasoner,
		limiter:  opts.Limiter,
		tracker:  opts.Usage,
		auditor:  opts.Audit,
		metrics:  opts.Metrics,
		config:   config,
		logger:   slog.Default().With("component", "engine"),
		sem:      semaphore.NewWeighted(config.MaxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
	}

	e.gate.SetResumer(func(executionID string) {
		go func() {
			if _, err := e.Run(context.Background(), executionID); err != nil {
				e.logger.Error("resume after approval failed",
					"execution_id", executionID, "error", err)
			}
		}()
	})
	return e, nil
}

// Execute runs one agent for one trigger through to a terminal status or
// an approval suspension. Every accepted invocation yields a durable
// execution record, including quota rejections.
func (e *Engine) Execute(ctx context.Context, agent *models.Agent, trigger models.Trigger) (*models.ExecutionResult, error) {
	if agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if !agent.IsActive {
		return nil, fmt.Errorf("agent %s is not active", agent.ID)
	}
	if len(trigger.Payload) == 0 && !trigger.Scheduled {
		return nil, fmt.Errorf("event trigger requires a non-empty payload")
	}

	execution := &models.Execution{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		TenantID:  agent.TenantID,
		Trigger:   trigger,
		Status:    models.ExecutionPending,
		CreatedAt: time.Now(),
	}
	if err := e.stores.Executions.Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	if reason, ok := e.checkRunQuota(agent); !ok {
		e.finalize(ctx, agent, execution, models.ExecutionFailed, "", reason)
		return resultOf(execution), nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finalize(ctx, agent, execution, models.ExecutionCancelled, "", "cancelled before start")
		return resultOf(execution), nil
	}
	defer e.sem.Release(1)

	return e.run(ctx, agent, execution)
}

// Run re-enters an existing execution by ID. It is idempotent: terminal
// executions and executions still waiting on an unresolved approval are
// returned unchanged, and an execution whose loop is already in flight is
// rejected with ErrExecutionActive. An execution whose approval was
// granted resumes at the exact suspended step.
func (e *Engine) Run(ctx context.Context, executionID string) (*models.ExecutionResult, error) {
	execution, err := e.stores.Executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status.Terminal() {
		return resultOf(execution), nil
	}

	if execution.Status == models.ExecutionWaitingApproval {
		resumable, err := e.approvalGranted(ctx, execution)
		if err != nil {
			return nil, err
		}
		if !resumable {
			return resultOf(execution), nil
		}
	}

	agent, err := e.stores.Agents.Get(ctx, execution.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", execution.AgentID, err)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	return e.run(ctx, agent, execution)
}

// Cancel requests cancellation of a running execution. The loop observes
// it at the next step boundary, never mid-tool-call.
func (e *Engine) Cancel(executionID string) {
	e.mu.Lock()
	cancel := e.cancels[executionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// beginRun claims exclusive ownership of an execution for one loop and
// registers its cancel func. The claim fails while another loop over the
// same execution is in flight.
func (e *Engine) beginRun(executionID string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, inFlight := e.cancels[executionID]; inFlight {
		return false
	}
	e.cancels[executionID] = cancel
	return true
}

func (e *Engine) endRun(executionID string) {
	e.mu.Lock()
	delete(e.cancels, executionID)
	e.mu.Unlock()
}

// approvalGranted reports whether the suspended execution's approval was
// resolved as approved. Unresolved means not resumable; denied and
// expired executions are finalized by the gate.
func (e *Engine) approvalGranted(ctx context.Context, execution *models.Execution) (bool, error) {
	if execution.PendingAction == nil {
		return false, fmt.Errorf("execution %s is waiting_approval without a pending action", execution.ID)
	}
	req, err := e.stores.Approvals.Get(ctx, execution.PendingAction.ApprovalID)
	if err != nil {
		return false, fmt.Errorf("load approval %s: %w", execution.PendingAction.ApprovalID, err)
	}
	return req.Status == models.ApprovalApproved, nil
}

// checkRunQuota enforces per-hour and per-day run quotas through the
// shared sliding-window limiter.
func (e *Engine) checkRunQuota(agent *models.Agent) (string, bool) {
	limits := effectiveLimits(agent)
	if limits.RunsPerHour > 0 {
		key := ratelimit.CompositeKey("runs", agent.ID, "hour")
		if !e.limiter.Allow(key, ratelimit.Limit{Max: limits.RunsPerHour, Window: time.Hour}) {
			return fmt.Sprintf("hourly run quota of %d exhausted", limits.RunsPerHour), false
		}
	}
	if limits.RunsPerDay > 0 {
		key := ratelimit.CompositeKey("runs", agent.ID, "day")
		if !e.limiter.Allow(key, ratelimit.Limit{Max: limits.RunsPerDay, Window: 24 * time.Hour}) {
			return fmt.Sprintf("daily run quota of %d exhausted", limits.RunsPerDay), false
		}
	}
	return "", true
}

// finalize moves an execution to a terminal status and fans out the
// post-run side effects: stats, usage, metrics, audit, and asynchronous
// memory extraction.
func (e *Engine) finalize(ctx context.Context, agent *models.Agent, execution *models.Execution, status models.ExecutionStatus, result, errMsg string) {
	// The caller's context may already be cancelled (that is how runs get
	// cancelled); the terminal write must still land.
	ctx = context.WithoutCancel(ctx)
	execution.Status = status
	execution.Result = result
	execution.Error = errMsg
	execution.PendingAction = nil
	execution.FinishedAt = time.Now()

	if err := e.stores.Executions.Update(ctx, execution); err != nil {
		e.logger.Error("failed to persist terminal execution",
			"execution_id", execution.ID, "status", status, "error", err)
	}

	if e.metrics != nil {
		e.metrics.ExecutionCounter.WithLabelValues(execution.AgentID, string(status)).Inc()
		if !execution.StartedAt.IsZero() {
			e.metrics.ExecutionDuration.WithLabelValues(execution.AgentID).
				Observe(execution.FinishedAt.Sub(execution.StartedAt).Seconds())
		}
	}
	if e.tracker != nil {
		e.tracker.RecordExecution(execution)
	}
	if e.auditor != nil {
		e.auditor.Log(ctx, &audit.Event{
			Type:        audit.EventExecutionFinished,
			ExecutionID: execution.ID,
			AgentID:     execution.AgentID,
			Status:      string(status),
			Error:       errMsg,
		})
	}

	e.updateAgentStats(ctx, agent, execution)

	if e.memory != nil {
		// Learnings are extracted off the hot path; a failed extraction
		// never affects the run's outcome.
		snapshot := *execution
		go e.extractMemories(&snapshot)
	}
}

func (e *Engine) updateAgentStats(ctx context.Context, agent *models.Agent, execution *models.Execution) {
	stats := agent.Stats
	stats.TotalRuns++
	stats.LastRunAt = execution.FinishedAt
	switch execution.Status {
	case models.ExecutionCompleted:
		stats.CompletedRuns++
		stats.LastError = ""
	default:
		stats.FailedRuns++
		stats.LastError = execution.Error
	}
	agent.Stats = stats

	if err := e.stores.Agents.UpdateStats(ctx, agent.ID, stats); err != nil {
		e.logger.Warn("failed to update agent stats", "agent_id", agent.ID, "error", err)
	}
}

func (e *Engine) extractMemories(execution *models.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := e.memory.ExtractAndStore(ctx, execution); err != nil {
		e.logger.Warn("memory extraction failed", "execution_id", execution.ID, "error", err)
	}
	if err := e.memory.RecordEpisode(ctx, execution); err != nil {
		e.logger.Warn("episode recording failed", "execution_id", execution.ID, "error", err)
	}
}

// effectiveLimits fills unset agent limits with the defaults.
func effectiveLimits(agent *models.Agent) models.ExecutionLimits {
	limits := agent.Limits
	def := models.DefaultExecutionLimits()
	if limits.MaxStepsPerRun <= 0 {
		limits.MaxStepsPerRun = def.MaxStepsPerRun
	}
	if limits.MaxToolCallsPerStep <= 0 {
		limits.MaxToolCallsPerStep = def.MaxToolCallsPerStep
	}
	if limits.TimeoutSeconds <= 0 {
		limits.TimeoutSeconds = def.TimeoutSeconds
	}
	return limits
}

// reachedHandler reports whether an act step's failure happened inside the
// tool handler. Pre-dispatch rejections carry their kind as a bracketed
// prefix on the recorded error.
func reachedHandler(toolError string) bool {
	for _, kind := range []tools.ErrorKind{
		tools.KindPolicyDenied,
		tools.KindUnknownTool,
		tools.KindInvalidInput,
		tools.KindRateLimited,
	} {
		if strings.HasPrefix(toolError, "["+string(kind)+"]") {
			return false
		}
	}
	return true
}

func resultOf(execution *models.Execution) *models.ExecutionResult {
	result := &models.ExecutionResult{
		ExecutionID: execution.ID,
		Status:      execution.Status,
		Result:      execution.Result,
		Error:       execution.Error,
		Steps:       execution.Steps,
		TokensIn:    execution.TokensIn,
		TokensOut:   execution.TokensOut,
	}
	for _, step := range execution.Steps {
		if step.Type != models.StepAct || step.ToolName == "" {
			continue
		}
		// Rejections that never reached a handler are trace-only; errored
		// invocations that did execute stay in the action list.
		if step.ToolError != "" && !reachedHandler(step.ToolError) {
			continue
		}
		result.ToolActions = append(result.ToolActions, models.ToolAction{
			Tool:     step.ToolName,
			Input:    step.ToolInput,
			Output:   step.ToolOutput,
			Error:    step.ToolError,
			Duration: step.FinishedAt.Sub(step.StartedAt),
		})
	}
	return result
}
