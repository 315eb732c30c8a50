package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/overseer/internal/storage"
	"github.com/haasonsaas/overseer/pkg/models"
)

func newTestGate(t *testing.T, config Config) (*Gate, storage.StoreSet) {
	t.Helper()
	stores := storage.NewMemoryStoreSet()
	gate := NewGate(stores.Approvals, stores.Executions, nil, nil, nil, config)
	return gate, stores
}

func seedExecution(t *testing.T, stores storage.StoreSet) *models.Execution {
	t.Helper()
	execution := &models.Execution{
		ID:        "exec-1",
		AgentID:   "agent-1",
		TenantID:  "tenant-1",
		Status:    models.ExecutionRunning,
		CreatedAt: time.Now(),
	}
	if err := stores.Executions.Create(context.Background(), execution); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return execution
}

func TestNeedsApproval(t *testing.T) {
	gate, _ := newTestGate(t, Config{})
	agent := &models.Agent{
		ID:          "agent-1",
		Constraints: []string{"never call email_send without review"},
	}

	tests := []struct {
		name      string
		tool      string
		dangerous bool
		input     string
		want      bool
		wantRisk  models.RiskLevel
	}{
		{"dangerous always needs approval", "crm_lookup", true, `{}`, true, models.RiskHigh},
		{"constraint mention needs approval", "email_send", false, `{"to": ["a@b.com"]}`, true, models.RiskMedium},
		{"deletion is high risk", "delete_contact", false, `{}`, true, models.RiskHigh},
		{"export is high risk", "export_contacts", false, `{}`, true, models.RiskHigh},
		{"payment is critical", "payment_capture", false, `{}`, true, models.RiskCritical},
		{"plain read is low risk", "crm_lookup", false, `{}`, false, models.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := gate.NeedsApproval(agent, tt.tool, tt.dangerous, json.RawMessage(tt.input))
			if verdict.Needed != tt.want {
				t.Errorf("Needed = %v, want %v (reason: %s)", verdict.Needed, tt.want, verdict.Reason)
			}
			if verdict.Risk != tt.wantRisk {
				t.Errorf("Risk = %v, want %v", verdict.Risk, tt.wantRisk)
			}
		})
	}
}

func TestAssessRiskBulkRecipients(t *testing.T) {
	recipients := make([]string, 25)
	for i := range recipients {
		recipients[i] = "x@example.com"
	}
	input, _ := json.Marshal(map[string]any{"recipients": recipients})

	risk, _ := AssessRisk("newsletter_send", input)
	if risk != models.RiskCritical {
		t.Errorf("bulk send risk = %v, want critical", risk)
	}

	small, _ := json.Marshal(map[string]any{"to": []string{"a@b.com"}})
	risk, _ = AssessRisk("email_send", small)
	if risk != models.RiskMedium {
		t.Errorf("single send risk = %v, want medium", risk)
	}
}

func TestRequestSuspendsExecution(t *testing.T) {
	gate, stores := newTestGate(t, Config{RequestTTL: time.Hour})
	execution := seedExecution(t, stores)
	ctx := context.Background()

	input := json.RawMessage(`{"id": "c-1"}`)
	req, err := gate.Request(ctx, execution, models.PendingAction{
		ToolName:  "delete_contact",
		Input:     input,
		Reasoning: "cleanup requested",
		StepSeq:   4,
		ActiveFor: 42 * time.Second,
	}, Verdict{Needed: true, Risk: models.RiskHigh, Reason: "deletion action"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Status != models.ApprovalPending {
		t.Errorf("request status = %v, want pending", req.Status)
	}
	if req.ExpiresAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Error("expiry not set from TTL")
	}

	stored, err := stores.Executions.Get(ctx, execution.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.ExecutionWaitingApproval {
		t.Errorf("execution status = %v, want waiting_approval", stored.Status)
	}
	if stored.PendingAction == nil {
		t.Fatal("pending action not persisted")
	}
	if stored.PendingAction.ApprovalID != req.ID || stored.PendingAction.ToolName != "delete_contact" {
		t.Errorf("pending action = %+v", stored.PendingAction)
	}
	if stored.PendingAction.StepSeq != 4 {
		t.Errorf("pending step seq = %d, want 4", stored.PendingAction.StepSeq)
	}
	if stored.PendingAction.ActiveFor != 42*time.Second {
		t.Errorf("pending active time = %v, want 42s", stored.PendingAction.ActiveFor)
	}
}

func TestResolveApproveCallsResumer(t *testing.T) {
	gate, stores := newTestGate(t, Config{})
	execution := seedExecution(t, stores)
	ctx := context.Background()

	resumed := make(chan string, 1)
	gate.SetResumer(func(executionID string) { resumed <- executionID })

	req, err := gate.Request(ctx, execution, models.PendingAction{
		ToolName: "delete_contact",
		Input:    json.RawMessage(`{}`),
		StepSeq:  2,
	}, Verdict{Needed: true, Risk: models.RiskHigh})
	if err != nil {
		t.Fatal(err)
	}

	if err := gate.Resolve(ctx, req.ID, true, "reviewer", "looks fine"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case id := <-resumed:
		if id != execution.ID {
			t.Errorf("resumed %s, want %s", id, execution.ID)
		}
	default:
		t.Fatal("resumer not called on approval")
	}

	stored, _ := stores.Approvals.Get(ctx, req.ID)
	if stored.Status != models.ApprovalApproved || stored.ResolvedBy != "reviewer" {
		t.Errorf("stored request = %+v", stored)
	}
}

func TestResolveDenyFailsExecution(t *testing.T) {
	gate, stores := newTestGate(t, Config{})
	execution := seedExecution(t, stores)
	ctx := context.Background()

	req, err := gate.Request(ctx, execution, models.PendingAction{
		ToolName: "delete_contact",
		Input:    json.RawMessage(`{}`),
		StepSeq:  2,
	}, Verdict{Needed: true, Risk: models.RiskHigh})
	if err != nil {
		t.Fatal(err)
	}

	if err := gate.Resolve(ctx, req.ID, false, "reviewer", "too risky"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	stored, _ := stores.Executions.Get(ctx, execution.ID)
	if stored.Status != models.ExecutionFailed {
		t.Errorf("execution status = %v, want failed", stored.Status)
	}
	if stored.Error != "action denied by reviewer" {
		t.Errorf("execution error = %q", stored.Error)
	}
	if stored.PendingAction != nil {
		t.Error("pending action not cleared on denial")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	gate, stores := newTestGate(t, Config{})
	execution := seedExecution(t, stores)
	ctx := context.Background()

	req, err := gate.Request(ctx, execution, models.PendingAction{
		ToolName: "delete_contact",
		Input:    json.RawMessage(`{}`),
		StepSeq:  2,
	}, Verdict{Needed: true, Risk: models.RiskHigh})
	if err != nil {
		t.Fatal(err)
	}

	if err := gate.Resolve(ctx, req.ID, false, "reviewer", ""); err != nil {
		t.Fatal(err)
	}
	err = gate.Resolve(ctx, req.ID, true, "other", "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second Resolve error = %v, want ErrAlreadyResolved", err)
	}

	// The first decision stands.
	stored, _ := stores.Approvals.Get(ctx, req.ID)
	if stored.Status != models.ApprovalDenied {
		t.Errorf("status flipped to %v after duplicate resolve", stored.Status)
	}
}

func TestResolveExpiredRequest(t *testing.T) {
	gate, stores := newTestGate(t, Config{})
	execution := seedExecution(t, stores)
	ctx := context.Background()

	req := &models.ApprovalRequest{
		ID:          "apr-1",
		ExecutionID: execution.ID,
		AgentID:     execution.AgentID,
		ToolName:    "delete_contact",
		Status:      models.ApprovalPending,
		ExpiresAt:   time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	if err := stores.Approvals.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	execution.Status = models.ExecutionWaitingApproval
	if err := stores.Executions.Update(ctx, execution); err != nil {
		t.Fatal(err)
	}

	err := gate.Resolve(ctx, req.ID, true, "reviewer", "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Resolve on expired = %v, want ErrAlreadyResolved", err)
	}

	stored, _ := stores.Approvals.Get(ctx, req.ID)
	if stored.Status != models.ApprovalExpired {
		t.Errorf("request status = %v, want expired via lazy check", stored.Status)
	}
	exec, _ := stores.Executions.Get(ctx, execution.ID)
	if exec.Status != models.ExecutionTimedOut {
		t.Errorf("execution status = %v, want timed_out", exec.Status)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	gate, stores := newTestGate(t, Config{ExpireFails: true})
	execution := seedExecution(t, stores)
	ctx := context.Background()

	req := &models.ApprovalRequest{
		ID:          "apr-1",
		ExecutionID: execution.ID,
		AgentID:     execution.AgentID,
		ToolName:    "delete_contact",
		Status:      models.ApprovalPending,
		ExpiresAt:   time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	if err := stores.Approvals.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	execution.Status = models.ExecutionWaitingApproval
	if err := stores.Executions.Update(ctx, execution); err != nil {
		t.Fatal(err)
	}

	expired, err := gate.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired %d requests, want 1", expired)
	}

	exec, _ := stores.Executions.Get(ctx, execution.ID)
	if exec.Status != models.ExecutionFailed {
		t.Errorf("execution status = %v, want failed with expire_fails", exec.Status)
	}

	// Second sweep finds nothing.
	expired, err = gate.ExpireOverdue(ctx)
	if err != nil || expired != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", expired, err)
	}
}
