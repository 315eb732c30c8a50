package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/overseer/pkg/models"
)

// MemoryAgentStore provides an in-memory AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryAgentStore creates an in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *agent
	s.agents[agent.ID] = &clone
	return nil
}

func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *agent
	return &clone, nil
}

func (s *MemoryAgentStore) GetBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.agents {
		if agent.Slug == slug {
			clone := *agent
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAgentStore) List(ctx context.Context, tenantID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if tenantID != "" && agent.TenantID != tenantID {
			continue
		}
		clone := *agent
		agents = append(agents, &clone)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (s *MemoryAgentStore) UpdateStats(ctx context.Context, id string, stats models.AgentStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.Stats = stats
	agent.UpdatedAt = time.Now()
	return nil
}

// MemoryExecutionStore provides an in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	steps      map[string][]models.Step
}

// NewMemoryExecutionStore creates an in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*models.Execution),
		steps:      make(map[string][]models.Step),
	}
}

func (s *MemoryExecutionStore) Create(ctx context.Context, execution *models.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *execution
	clone.Steps = nil
	s.executions[execution.ID] = &clone
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *execution
	clone.Steps = append([]models.Step(nil), s.steps[id]...)
	return &clone, nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, execution *models.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ID]; !ok {
		return ErrNotFound
	}
	clone := *execution
	clone.Steps = nil
	s.executions[execution.ID] = &clone
	return nil
}

func (s *MemoryExecutionStore) AppendStep(ctx context.Context, step *models.Step) error {
	if step == nil || step.ExecutionID == "" {
		return fmt.Errorf("step is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[step.ExecutionID]; !ok {
		return ErrNotFound
	}
	steps := s.steps[step.ExecutionID]
	if want := len(steps) + 1; step.Seq != want {
		return fmt.Errorf("step seq %d out of order, want %d", step.Seq, want)
	}
	s.steps[step.ExecutionID] = append(steps, *step)
	return nil
}

func (s *MemoryExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Execution
	for _, execution := range s.executions {
		if execution.AgentID != agentID {
			continue
		}
		clone := *execution
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemoryApprovalStore provides an in-memory ApprovalStore.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ApprovalRequest
}

// NewMemoryApprovalStore creates an in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{requests: make(map[string]*models.ApprovalRequest)}
}

func (s *MemoryApprovalStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("approval request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (s *MemoryApprovalStore) Update(ctx context.Context, req *models.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("approval request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return ErrNotFound
	}
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *MemoryApprovalStore) ListPending(ctx context.Context, tenantID string) ([]*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var result []*models.ApprovalRequest
	for _, req := range s.requests {
		if req.Status != models.ApprovalPending || req.Expired(now) {
			continue
		}
		if tenantID != "" && req.TenantID != tenantID {
			continue
		}
		clone := *req
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryApprovalStore) ListExpired(ctx context.Context) ([]*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var result []*models.ApprovalRequest
	for _, req := range s.requests {
		if req.Expired(now) {
			clone := *req
			result = append(result, &clone)
		}
	}
	return result, nil
}
