// Package notify delivers best-effort notifications when an execution is
// suspended waiting for human approval. Delivery is fire-and-forget: the
// core never blocks on, or retries, a notification.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/overseer/pkg/models"
)

// Notifier announces a pending approval to a human-facing channel.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req *models.ApprovalRequest) error
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) ApprovalRequested(ctx context.Context, req *models.ApprovalRequest) error {
	return nil
}

// SlackWebhook posts approval notifications to a Slack incoming webhook.
type SlackWebhook struct {
	URL     string
	Timeout time.Duration
}

// NewSlackWebhook creates a Slack webhook notifier.
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{URL: url, Timeout: 10 * time.Second}
}

func (s *SlackWebhook) ApprovalRequested(ctx context.Context, req *models.ApprovalRequest) error {
	if s.URL == "" {
		return nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("Approval needed: agent %s wants to run `%s` (risk: %s)\n%s\nExpires %s — approval id %s",
			req.AgentID, req.ToolName, req.Risk, req.Description,
			req.ExpiresAt.Format(time.RFC3339), req.ID),
	}
	return slack.PostWebhookContext(ctx, s.URL, msg)
}

// Async wraps a Notifier so sends happen in a goroutine; failures are
// logged and dropped.
type Async struct {
	Inner Notifier
}

func (a Async) ApprovalRequested(ctx context.Context, req *models.ApprovalRequest) error {
	go func() {
		// Detach from the caller's context so a suspended execution's
		// cancellation does not cancel the notification.
		if err := a.Inner.ApprovalRequested(context.Background(), req); err != nil {
			slog.Warn("approval notification failed",
				"approval_id", req.ID,
				"execution_id", req.ExecutionID,
				"error", err,
			)
		}
	}()
	return nil
}
