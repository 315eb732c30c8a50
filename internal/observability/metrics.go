package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the execution core.
type Metrics struct {
	// ExecutionCounter counts finished executions.
	// Labels: agent_id, status (completed|failed|cancelled|timed_out)
	ExecutionCounter *prometheus.CounterVec

	// ExecutionDuration measures wall-clock run time in seconds.
	// Labels: agent_id
	ExecutionDuration *prometheus.HistogramVec

	// StepCounter counts reasoning steps.
	// Labels: agent_id, type (observe|think|act|reflect)
	StepCounter *prometheus.CounterVec

	// ToolInvocationCounter counts tool invocations.
	// Labels: tool, outcome (success|error|denied|rate_limited)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool handler latency in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: agent_id, direction (in|out)
	TokensUsed *prometheus.CounterVec

	// ApprovalsPending is a gauge of open approval requests.
	ApprovalsPending prometheus.Gauge

	// ActiveExecutions is a gauge of currently running executions.
	ActiveExecutions prometheus.Gauge
}

// NewMetrics registers and returns the core metrics on the given registerer.
// Pass nil to use the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overseer_executions_total",
			Help: "Finished executions by agent and terminal status.",
		}, []string{"agent_id", "status"}),

		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overseer_execution_duration_seconds",
			Help:    "Wall-clock execution duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_id"}),

		StepCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overseer_steps_total",
			Help: "Reasoning steps by agent and step type.",
		}, []string{"agent_id", "type"}),

		ToolInvocationCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overseer_tool_invocations_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),

		ToolInvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overseer_tool_invocation_duration_seconds",
			Help:    "Tool handler latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overseer_tokens_total",
			Help: "LLM tokens consumed by agent and direction.",
		}, []string{"agent_id", "direction"}),

		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_approvals_pending",
			Help: "Open approval requests.",
		}),

		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_active_executions",
			Help: "Currently running executions.",
		}),
	}
}
