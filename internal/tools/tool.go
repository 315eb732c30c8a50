package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/overseer/internal/ratelimit"
)

// Handler is the side-effecting capability behind a tool. Handlers are
// untrusted: the executor wraps every call with schema validation, a
// bounded timeout, and panic recovery.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Tool is a registry entry. Immutable after registration.
type Tool struct {
	// Name identifies the tool to agents and policies.
	Name string

	// Description is surfaced to the reasoning capability.
	Description string

	// Schema is the JSON schema the input must satisfy.
	Schema string

	// Dangerous forces human approval for every invocation.
	Dangerous bool

	// RateLimit bounds invocations per (tool, agent) pair. A zero limit
	// means unlimited.
	RateLimit ratelimit.Limit

	// Handler executes the tool.
	Handler Handler
}
