// Package storage persists agents, executions, steps, and approval requests.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/overseer/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists agent configurations. The core only mutates aggregate
// statistics; everything else is written by the administrative surface.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	GetBySlug(ctx context.Context, slug string) (*models.Agent, error)
	List(ctx context.Context, tenantID string) ([]*models.Agent, error)
	UpdateStats(ctx context.Context, id string, stats models.AgentStats) error
}

// ExecutionStore persists executions and their step traces. Step appends
// must be atomic and strongly consistent with reads within one execution:
// a step is durable before the next step starts.
type ExecutionStore interface {
	Create(ctx context.Context, execution *models.Execution) error
	// Get returns the execution including its ordered step trace.
	Get(ctx context.Context, id string) (*models.Execution, error)
	Update(ctx context.Context, execution *models.Execution) error
	// AppendStep durably appends one step. The step's Seq must be exactly
	// one greater than the last appended step for the execution.
	AppendStep(ctx context.Context, step *models.Step) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Execution, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)
	Update(ctx context.Context, req *models.ApprovalRequest) error
	// ListPending returns pending, non-expired requests, optionally scoped
	// to one tenant.
	ListPending(ctx context.Context, tenantID string) ([]*models.ApprovalRequest, error)
	// ListExpired returns requests still marked pending whose expiry has
	// passed. Used by the sweeper.
	ListExpired(ctx context.Context) ([]*models.ApprovalRequest, error)
}

// StoreSet groups the persistence dependencies of the execution core.
type StoreSet struct {
	Agents     AgentStore
	Executions ExecutionStore
	Approvals  ApprovalStore
	closer     func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewMemoryStoreSet returns a StoreSet backed by in-memory stores, for
// tests and single-process embedding.
func NewMemoryStoreSet() StoreSet {
	return StoreSet{
		Agents:     NewMemoryAgentStore(),
		Executions: NewMemoryExecutionStore(),
		Approvals:  NewMemoryApprovalStore(),
	}
}
