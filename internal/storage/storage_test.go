package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/overseer/pkg/models"
)

// storeSets returns both implementations so every test runs against each.
func storeSets(t *testing.T) map[string]StoreSet {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]StoreSet{
		"memory": NewMemoryStoreSet(),
		"sqlite": sqlite,
	}
}

func testAgent(id string) *models.Agent {
	return &models.Agent{
		ID:           id,
		Name:         "Sales Assistant",
		Slug:         "sales-" + id,
		Instructions: "You handle inbound leads.",
		Model:        "claude-sonnet-4-20250514",
		Limits:       models.DefaultExecutionLimits(),
		ToolPolicy:   models.ToolPolicy{Allowed: []string{"crm_*"}},
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestAgentStoreRoundTrip(t *testing.T) {
	for name, stores := range storeSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			agent := testAgent("a1")
			if err := stores.Agents.Create(ctx, agent); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := stores.Agents.Create(ctx, agent); err == nil {
				t.Error("duplicate Create succeeded")
			}

			got, err := stores.Agents.Get(ctx, "a1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Slug != agent.Slug || !got.IsActive {
				t.Errorf("Get returned %+v", got)
			}

			bySlug, err := stores.Agents.GetBySlug(ctx, agent.Slug)
			if err != nil || bySlug.ID != "a1" {
				t.Fatalf("GetBySlug = %v, %v", bySlug, err)
			}

			stats := models.AgentStats{TotalRuns: 3, CompletedRuns: 2, FailedRuns: 1, LastRunAt: time.Now().UTC()}
			if err := stores.Agents.UpdateStats(ctx, "a1", stats); err != nil {
				t.Fatalf("UpdateStats: %v", err)
			}
			got, _ = stores.Agents.Get(ctx, "a1")
			if got.Stats.TotalRuns != 3 {
				t.Errorf("stats not persisted: %+v", got.Stats)
			}

			if _, err := stores.Agents.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestExecutionStoreStepOrdering(t *testing.T) {
	for name, stores := range storeSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := stores.Agents.Create(ctx, testAgent("a1")); err != nil {
				t.Fatalf("Create agent: %v", err)
			}
			execution := &models.Execution{
				ID:        "e1",
				AgentID:   "a1",
				Status:    models.ExecutionRunning,
				Trigger:   models.Trigger{Event: "lead.created", Payload: map[string]string{"email": "a@b.com"}},
				CreatedAt: time.Now().UTC(),
				StartedAt: time.Now().UTC(),
			}
			if err := stores.Executions.Create(ctx, execution); err != nil {
				t.Fatalf("Create: %v", err)
			}

			for seq := 1; seq <= 3; seq++ {
				step := &models.Step{
					ID:          "s" + string(rune('0'+seq)),
					ExecutionID: "e1",
					Seq:         seq,
					Type:        models.StepThink,
					Content:     "thinking",
					StartedAt:   time.Now().UTC(),
					FinishedAt:  time.Now().UTC(),
				}
				if err := stores.Executions.AppendStep(ctx, step); err != nil {
					t.Fatalf("AppendStep(%d): %v", seq, err)
				}
			}

			// Duplicate seq must be rejected.
			dup := &models.Step{ID: "dup", ExecutionID: "e1", Seq: 2, Type: models.StepThink, StartedAt: time.Now().UTC()}
			if err := stores.Executions.AppendStep(ctx, dup); err == nil {
				t.Error("duplicate step seq accepted")
			}

			got, err := stores.Executions.Get(ctx, "e1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(got.Steps) != 3 {
				t.Fatalf("got %d steps, want 3", len(got.Steps))
			}
			for i, step := range got.Steps {
				if step.Seq != i+1 {
					t.Errorf("step %d has seq %d", i, step.Seq)
				}
			}
			if got.Trigger.Payload["email"] != "a@b.com" {
				t.Errorf("trigger payload lost: %+v", got.Trigger)
			}
		})
	}
}

func TestExecutionStorePendingAction(t *testing.T) {
	for name, stores := range storeSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			execution := &models.Execution{
				ID:        "e1",
				AgentID:   "a1",
				Status:    models.ExecutionRunning,
				Trigger:   models.Trigger{Event: "x"},
				CreatedAt: time.Now().UTC(),
			}
			if err := stores.Executions.Create(ctx, execution); err != nil {
				t.Fatalf("Create: %v", err)
			}

			execution.Status = models.ExecutionWaitingApproval
			execution.PendingAction = &models.PendingAction{
				ApprovalID: "ap1",
				ToolName:   "email_send_bulk",
				Input:      json.RawMessage(`{"recipients":["a","b"]}`),
				StepSeq:    4,
			}
			if err := stores.Executions.Update(ctx, execution); err != nil {
				t.Fatalf("Update: %v", err)
			}

			got, err := stores.Executions.Get(ctx, "e1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.ExecutionWaitingApproval {
				t.Errorf("status = %s", got.Status)
			}
			if got.PendingAction == nil || got.PendingAction.ToolName != "email_send_bulk" || got.PendingAction.StepSeq != 4 {
				t.Errorf("pending action = %+v", got.PendingAction)
			}

			// Clearing the pending action persists too.
			got.PendingAction = nil
			got.Status = models.ExecutionCompleted
			if err := stores.Executions.Update(ctx, got); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ = stores.Executions.Get(ctx, "e1")
			if got.PendingAction != nil {
				t.Errorf("pending action not cleared: %+v", got.PendingAction)
			}
		})
	}
}

func TestApprovalStorePendingAndExpired(t *testing.T) {
	for name, stores := range storeSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			open := &models.ApprovalRequest{
				ID: "ap1", ExecutionID: "e1", AgentID: "a1", TenantID: "t1",
				ToolName: "email_send_bulk", Risk: models.RiskHigh,
				Status: models.ApprovalPending, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
			}
			expired := &models.ApprovalRequest{
				ID: "ap2", ExecutionID: "e2", AgentID: "a1", TenantID: "t1",
				ToolName: "crm_delete_contact", Risk: models.RiskHigh,
				Status: models.ApprovalPending, ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-25 * time.Hour),
			}
			otherTenant := &models.ApprovalRequest{
				ID: "ap3", ExecutionID: "e3", AgentID: "a2", TenantID: "t2",
				ToolName: "export_data", Risk: models.RiskCritical,
				Status: models.ApprovalPending, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
			}
			for _, req := range []*models.ApprovalRequest{open, expired, otherTenant} {
				if err := stores.Approvals.Create(ctx, req); err != nil {
					t.Fatalf("Create(%s): %v", req.ID, err)
				}
			}

			pending, err := stores.Approvals.ListPending(ctx, "t1")
			if err != nil {
				t.Fatalf("ListPending: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != "ap1" {
				t.Errorf("ListPending(t1) = %v", ids(pending))
			}

			all, err := stores.Approvals.ListPending(ctx, "")
			if err != nil {
				t.Fatalf("ListPending(all): %v", err)
			}
			if len(all) != 2 {
				t.Errorf("ListPending(all) = %v", ids(all))
			}

			lapsed, err := stores.Approvals.ListExpired(ctx)
			if err != nil {
				t.Fatalf("ListExpired: %v", err)
			}
			if len(lapsed) != 1 || lapsed[0].ID != "ap2" {
				t.Errorf("ListExpired = %v", ids(lapsed))
			}

			open.Status = models.ApprovalApproved
			open.ResolvedBy = "reviewer@example.com"
			open.ResolvedAt = now
			if err := stores.Approvals.Update(ctx, open); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ := stores.Approvals.Get(ctx, "ap1")
			if got.Status != models.ApprovalApproved || got.ResolvedBy != "reviewer@example.com" {
				t.Errorf("resolved approval = %+v", got)
			}
		})
	}
}

func ids(reqs []*models.ApprovalRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
