// Package approval decides which proposed tool calls need a human decision
// and manages the lifecycle of that deferred decision.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/overseer/internal/audit"
	"github.com/haasonsaas/overseer/internal/notify"
	"github.com/haasonsaas/overseer/internal/observability"
	"github.com/haasonsaas/overseer/internal/storage"
	"github.com/haasonsaas/overseer/pkg/models"
)

// ErrAlreadyResolved is returned when resolving a request that has left
// pending. Resolution is idempotent: the second resolve is a no-op
// reported through this error.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// ResumeFunc is installed by the execution engine: the gate calls it after
// an approval so the engine can pick the suspended execution back up.
type ResumeFunc func(executionID string)

// Config tunes gate behavior.
type Config struct {
	// RequestTTL is how long a request stays open. Default 24h.
	RequestTTL time.Duration `yaml:"request_ttl"`

	// MinRisk is the lowest risk level that requires approval. Default
	// medium; dangerous tools require approval regardless.
	MinRisk models.RiskLevel `yaml:"min_risk"`

	// ExpireFails marks executions failed instead of timed_out when their
	// approval lapses.
	ExpireFails bool `yaml:"expire_fails"`
}

// DefaultConfig returns the default gate settings.
func DefaultConfig() Config {
	return Config{
		RequestTTL: 24 * time.Hour,
		MinRisk:    models.RiskMedium,
	}
}

// Gate assesses proposed tool calls and manages pending approvals.
type Gate struct {
	approvals  storage.ApprovalStore
	executions storage.ExecutionStore
	notifier   notify.Notifier
	auditor    *audit.Logger
	metrics    *observability.Metrics
	config     Config
	logger     *slog.Logger

	mu     sync.RWMutex
	resume ResumeFunc
}

// NewGate creates an approval gate. The notifier, audit logger, and
// metrics may be nil.
func NewGate(approvals storage.ApprovalStore, executions storage.ExecutionStore, notifier notify.Notifier, auditor *audit.Logger, metrics *observability.Metrics, config Config) *Gate {
	def := DefaultConfig()
	if config.RequestTTL <= 0 {
		config.RequestTTL = def.RequestTTL
	}
	if config.MinRisk == "" {
		config.MinRisk = def.MinRisk
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	// Sends are best-effort and must never block a suspension.
	notifier = notify.Async{Inner: notifier}
	return &Gate{
		approvals:  approvals,
		executions: executions,
		notifier:   notifier,
		auditor:    auditor,
		metrics:    metrics,
		config:     config,
		logger:     slog.Default().With("component", "approval_gate"),
	}
}

// SetResumer installs the engine's resume hook.
func (g *Gate) SetResumer(fn ResumeFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resume = fn
}

// Verdict is the outcome of a NeedsApproval check.
type Verdict struct {
	Needed bool
	Risk   models.RiskLevel
	Reason string
}

// NeedsApproval decides whether the proposed call must wait for a human.
// Dangerous tools always do; otherwise agent constraints that mention the
// tool and the rule-based risk assessment decide.
func (g *Gate) NeedsApproval(agent *models.Agent, toolName string, dangerous bool, input json.RawMessage) Verdict {
	if dangerous {
		return Verdict{Needed: true, Risk: models.RiskHigh, Reason: "tool is flagged dangerous"}
	}

	if matched, constraint := matchesConstraints(agent.Constraints, toolName); matched {
		return Verdict{Needed: true, Risk: models.RiskMedium, Reason: "agent constraint: " + constraint}
	}

	risk, reason := AssessRisk(toolName, input)
	if risk.AtLeast(g.config.MinRisk) {
		return Verdict{Needed: true, Risk: risk, Reason: reason}
	}
	return Verdict{Risk: risk, Reason: reason}
}

// Request persists a pending approval, suspends the execution in
// waiting_approval with the already-validated action, and notifies a
// human channel best-effort. This is the system's sole intentional
// suspension point: the caller returns after this and holds no goroutine
// while the request is open. The pending action carries the accumulated
// active run time so the resumed loop can rebase its wall-clock deadline.
func (g *Gate) Request(ctx context.Context, execution *models.Execution, pending models.PendingAction, verdict Verdict) (*models.ApprovalRequest, error) {
	now := time.Now()
	req := &models.ApprovalRequest{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		AgentID:     execution.AgentID,
		TenantID:    execution.TenantID,
		ToolName:    pending.ToolName,
		ToolInput:   pending.Input,
		Description: fmt.Sprintf("agent wants to invoke %s", pending.ToolName),
		Reason:      verdict.Reason,
		Risk:        verdict.Risk,
		Status:      models.ApprovalPending,
		ExpiresAt:   now.Add(g.config.RequestTTL),
		CreatedAt:   now,
	}
	if err := g.approvals.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persist approval request: %w", err)
	}

	pending.ApprovalID = req.ID
	execution.Status = models.ExecutionWaitingApproval
	execution.PendingAction = &pending
	if err := g.executions.Update(ctx, execution); err != nil {
		return nil, fmt.Errorf("suspend execution: %w", err)
	}

	if g.metrics != nil {
		g.metrics.ApprovalsPending.Inc()
	}
	if g.auditor != nil {
		g.auditor.Log(ctx, &audit.Event{
			Type:        audit.EventApprovalRequested,
			ExecutionID: execution.ID,
			AgentID:     execution.AgentID,
			Tool:        pending.ToolName,
			Reason:      verdict.Reason,
			Risk:        string(verdict.Risk),
		})
	}

	if err := g.notifier.ApprovalRequested(ctx, req); err != nil {
		g.logger.Warn("approval notification failed to dispatch", "approval_id", req.ID, "error", err)
	}
	return req, nil
}

// Resolve records a human decision. Approval resumes the suspended
// execution at the exact step it stopped on; denial finalizes it as
// failed. Resolving a non-pending request returns ErrAlreadyResolved.
func (g *Gate) Resolve(ctx context.Context, approvalID string, approved bool, resolvedBy, note string) error {
	req, err := g.approvals.Get(ctx, approvalID)
	if err != nil {
		return err
	}

	now := time.Now()
	if req.Expired(now) {
		if err := g.expire(ctx, req); err != nil {
			g.logger.Warn("failed to expire approval lazily", "approval_id", req.ID, "error", err)
		}
		return ErrAlreadyResolved
	}
	if req.Status.Resolved() {
		return ErrAlreadyResolved
	}

	if approved {
		req.Status = models.ApprovalApproved
	} else {
		req.Status = models.ApprovalDenied
	}
	req.ResolvedBy = resolvedBy
	req.ResolutionNote = note
	req.ResolvedAt = now
	if err := g.approvals.Update(ctx, req); err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}

	if g.metrics != nil {
		g.metrics.ApprovalsPending.Dec()
	}
	if g.auditor != nil {
		g.auditor.Log(ctx, &audit.Event{
			Type:        audit.EventApprovalResolved,
			ExecutionID: req.ExecutionID,
			AgentID:     req.AgentID,
			Tool:        req.ToolName,
			Status:      string(req.Status),
			Reason:      note,
		})
	}

	if !approved {
		return g.finalizeExecution(ctx, req.ExecutionID, models.ExecutionFailed, "action denied by reviewer")
	}

	g.mu.RLock()
	resume := g.resume
	g.mu.RUnlock()
	if resume != nil {
		resume(req.ExecutionID)
	}
	return nil
}

// ListPending returns open, non-expired requests for a tenant.
func (g *Gate) ListPending(ctx context.Context, tenantID string) ([]*models.ApprovalRequest, error) {
	return g.approvals.ListPending(ctx, tenantID)
}

// ExpireOverdue transitions lapsed pending requests to expired and
// finalizes their executions. Returns the number expired.
func (g *Gate) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := g.approvals.ListExpired(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range overdue {
		if err := g.expire(ctx, req); err != nil {
			g.logger.Warn("failed to expire approval", "approval_id", req.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (g *Gate) expire(ctx context.Context, req *models.ApprovalRequest) error {
	req.Status = models.ApprovalExpired
	req.ResolvedAt = time.Now()
	if err := g.approvals.Update(ctx, req); err != nil {
		return err
	}

	if g.metrics != nil {
		g.metrics.ApprovalsPending.Dec()
	}
	if g.auditor != nil {
		g.auditor.Log(ctx, &audit.Event{
			Type:        audit.EventApprovalExpired,
			ExecutionID: req.ExecutionID,
			AgentID:     req.AgentID,
			Tool:        req.ToolName,
		})
	}

	status := models.ExecutionTimedOut
	reason := "approval request expired without a decision"
	if g.config.ExpireFails {
		status = models.ExecutionFailed
	}
	return g.finalizeExecution(ctx, req.ExecutionID, status, reason)
}

// finalizeExecution moves a suspended execution to a terminal status.
// Executions already terminal are left untouched.
func (g *Gate) finalizeExecution(ctx context.Context, executionID string, status models.ExecutionStatus, reason string) error {
	execution, err := g.executions.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if execution.Status.Terminal() {
		return nil
	}

	execution.Status = status
	execution.Error = reason
	execution.PendingAction = nil
	execution.FinishedAt = time.Now()
	if err := g.executions.Update(ctx, execution); err != nil {
		return fmt.Errorf("finalize execution %s: %w", executionID, err)
	}

	if g.auditor != nil {
		g.auditor.Log(ctx, &audit.Event{
			Type:        audit.EventExecutionFinished,
			ExecutionID: executionID,
			AgentID:     execution.AgentID,
			Status:      string(status),
			Reason:      reason,
		})
	}
	return nil
}
