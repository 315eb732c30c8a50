package models

import (
	"encoding/json"
	"time"
)

// RiskLevel is the assessed risk of a proposed tool invocation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return riskRank(r) >= riskRank(min)
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// ApprovalStatus is the lifecycle state of an approval request.
// pending -> {approved|denied} is human-driven; pending -> expired is
// time-driven. There is no transition out of a terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Resolved reports whether the request has left pending.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalPending
}

// ApprovalRequest is created when a proposed tool call needs human sign-off.
// While an execution has an open request it stays in waiting_approval and
// its reasoning loop does not advance.
type ApprovalRequest struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	TenantID    string `json:"tenant_id,omitempty"`

	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input"`
	Description string          `json:"description"`
	Reason      string          `json:"reason"`
	Risk        RiskLevel       `json:"risk"`

	Status ApprovalStatus `json:"status"`

	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the request's expiry has passed at the given time
// while still pending.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return a.Status == ApprovalPending && !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}
