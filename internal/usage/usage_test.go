package usage

import (
	"testing"

	"github.com/haasonsaas/overseer/pkg/models"
)

func TestTrackerAggregates(t *testing.T) {
	tracker := NewTracker(0)

	tracker.RecordExecution(&models.Execution{
		ID: "e1", AgentID: "a1", TenantID: "t1",
		Status: models.ExecutionCompleted, TokensIn: 100, TokensOut: 50, ToolCalls: 2,
	})
	tracker.RecordExecution(&models.Execution{
		ID: "e2", AgentID: "a1", TenantID: "t1",
		Status: models.ExecutionFailed, TokensIn: 30, TokensOut: 10, ToolCalls: 1,
	})
	tracker.RecordExecution(&models.Execution{
		ID: "e3", AgentID: "a2", TenantID: "t1",
		Status: models.ExecutionCompleted, TokensIn: 20, TokensOut: 5,
	})

	// Non-terminal executions are ignored.
	tracker.RecordExecution(&models.Execution{
		ID: "e4", AgentID: "a1", Status: models.ExecutionRunning, TokensIn: 999,
	})

	a1 := tracker.ForAgent("a1")
	if a1.Runs != 2 || a1.Completed != 1 || a1.Failed != 1 {
		t.Errorf("agent a1 usage = %+v", a1)
	}
	if a1.TokensIn != 130 || a1.TokensOut != 60 || a1.ToolCalls != 3 {
		t.Errorf("agent a1 tokens = %+v", a1)
	}

	t1 := tracker.ForTenant("t1")
	if t1.Runs != 3 || t1.Total() != 215 {
		t.Errorf("tenant t1 usage = %+v total=%d", t1, t1.Total())
	}

	if got := tracker.ForAgent("unknown"); got.Runs != 0 {
		t.Errorf("unknown agent usage = %+v", got)
	}
	if got := len(tracker.Records()); got != 3 {
		t.Errorf("records = %d, want 3", got)
	}
}

func TestCostEstimate(t *testing.T) {
	cost := Cost{Input: 3.0, Output: 15.0}
	u := Usage{TokensIn: 1_000_000, TokensOut: 100_000}
	if got := cost.Estimate(&u); got != 4.5 {
		t.Errorf("Estimate = %v, want 4.5", got)
	}
	if got := cost.Estimate(nil); got != 0 {
		t.Errorf("Estimate(nil) = %v", got)
	}
}
