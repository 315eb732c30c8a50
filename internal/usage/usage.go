// Package usage aggregates token and tool-call counters from completed
// executions, per agent and per tenant.
package usage

import (
	"sync"
	"time"

	"github.com/haasonsaas/overseer/pkg/models"
)

// Usage represents accumulated resource consumption.
type Usage struct {
	Runs      int64 `json:"runs"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
	ToolCalls int64 `json:"tool_calls"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.TokensIn + u.TokensOut
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.Runs += other.Runs
	u.Completed += other.Completed
	u.Failed += other.Failed
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.ToolCalls += other.ToolCalls
}

// Cost is pricing per million tokens.
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate calculates the estimated cost for the given usage.
func (c *Cost) Estimate(u *Usage) float64 {
	if u == nil {
		return 0
	}
	return (float64(u.TokensIn)*c.Input + float64(u.TokensOut)*c.Output) / 1_000_000
}

// Record is one execution's contribution to the aggregates.
type Record struct {
	ExecutionID string                 `json:"execution_id"`
	AgentID     string                 `json:"agent_id"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Status      models.ExecutionStatus `json:"status"`
	Usage       Usage                  `json:"usage"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Tracker accumulates usage per agent and per tenant. Safe for concurrent
// use by multiple execution workers.
type Tracker struct {
	mu       sync.RWMutex
	records  []Record
	byAgent  map[string]*Usage
	byTenant map[string]*Usage
	maxCount int
}

// NewTracker creates a usage tracker retaining up to maxCount recent
// records (default 10000).
func NewTracker(maxCount int) *Tracker {
	if maxCount <= 0 {
		maxCount = 10000
	}
	return &Tracker{
		byAgent:  make(map[string]*Usage),
		byTenant: make(map[string]*Usage),
		maxCount: maxCount,
	}
}

// RecordExecution folds a finished execution into the aggregates.
func (t *Tracker) RecordExecution(execution *models.Execution) {
	if execution == nil || !execution.Status.Terminal() {
		return
	}

	u := Usage{
		Runs:      1,
		TokensIn:  execution.TokensIn,
		TokensOut: execution.TokensOut,
		ToolCalls: execution.ToolCalls,
	}
	switch execution.Status {
	case models.ExecutionCompleted:
		u.Completed = 1
	case models.ExecutionFailed, models.ExecutionTimedOut:
		u.Failed = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, Record{
		ExecutionID: execution.ID,
		AgentID:     execution.AgentID,
		TenantID:    execution.TenantID,
		Status:      execution.Status,
		Usage:       u,
		Timestamp:   time.Now(),
	})
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}

	agent := t.byAgent[execution.AgentID]
	if agent == nil {
		agent = &Usage{}
		t.byAgent[execution.AgentID] = agent
	}
	agent.Add(&u)

	if execution.TenantID != "" {
		tenant := t.byTenant[execution.TenantID]
		if tenant == nil {
			tenant = &Usage{}
			t.byTenant[execution.TenantID] = tenant
		}
		tenant.Add(&u)
	}
}

// ForAgent returns a copy of the accumulated usage for an agent.
func (t *Tracker) ForAgent(agentID string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.byAgent[agentID]; u != nil {
		return *u
	}
	return Usage{}
}

// ForTenant returns a copy of the accumulated usage for a tenant.
func (t *Tracker) ForTenant(tenantID string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.byTenant[tenantID]; u != nil {
		return *u
	}
	return Usage{}
}

// Records returns a copy of the retained records, newest last.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.records...)
}
