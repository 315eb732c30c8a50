// handlers.go wires configuration into the engine and implements the
// command handlers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/overseer/internal/approval"
	"github.com/haasonsaas/overseer/internal/audit"
	"github.com/haasonsaas/overseer/internal/config"
	"github.com/haasonsaas/overseer/internal/engine"
	"github.com/haasonsaas/overseer/internal/memory"
	openaiembed "github.com/haasonsaas/overseer/internal/memory/embeddings/openai"
	"github.com/haasonsaas/overseer/internal/notify"
	"github.com/haasonsaas/overseer/internal/observability"
	"github.com/haasonsaas/overseer/internal/ratelimit"
	"github.com/haasonsaas/overseer/internal/reasoning"
	"github.com/haasonsaas/overseer/internal/storage"
	"github.com/haasonsaas/overseer/internal/tools"
	"github.com/haasonsaas/overseer/internal/usage"
	"github.com/haasonsaas/overseer/pkg/models"
)

// app holds the wired components for one CLI invocation.
type app struct {
	cfg      *config.Config
	stores   storage.StoreSet
	registry *tools.Registry
	gate     *approval.Gate
	engine   *engine.Engine
	memory   *memory.Store
	tracker  *usage.Tracker
	auditor  *audit.Logger
	metrics  *observability.Metrics
}

func (a *app) Close() {
	if a.auditor != nil {
		if err := a.auditor.Close(); err != nil {
			slog.Warn("failed to close audit log", "error", err)
		}
	}
	if err := a.stores.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return cfg, err
}

func newApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg.Logging.Level)

	stores, err := storage.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	auditor, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		stores.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	limiter := ratelimit.NewLimiter()
	tracker := usage.NewTracker(0)

	reasoner, err := buildReasoner(cfg)
	if err != nil {
		stores.Close()
		return nil, err
	}

	memStore, err := buildMemoryStore(cfg, reasoner)
	if err != nil {
		stores.Close()
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := registerBuiltins(registry, memStore); err != nil {
		stores.Close()
		return nil, err
	}

	executor := tools.NewExecutor(registry, limiter, auditor, metrics, tools.ExecutorConfig{
		DefaultTimeout: cfg.Tools.Timeout,
		MaxInputSize:   cfg.Tools.MaxInputSize,
	})

	var notifier notify.Notifier
	if cfg.Notify.Slack.Enabled {
		notifier = notify.NewSlackWebhook(cfg.Notify.Slack.WebhookURL)
	}
	gate := approval.NewGate(stores.Approvals, stores.Executions, notifier, auditor, metrics, cfg.Approvals.Config)

	eng, err := engine.New(engine.Options{
		Stores:   stores,
		Registry: registry,
		Executor: executor,
		Gate:     gate,
		Memory:   memStore,
		Reasoner: reasoner,
		Limiter:  limiter,
		Usage:    tracker,
		Audit:    auditor,
		Metrics:  metrics,
		Config:   cfg.Engine,
	})
	if err != nil {
		stores.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		gate:     gate,
		engine:   eng,
		memory:   memStore,
		tracker:  tracker,
		auditor:  auditor,
		metrics:  metrics,
	}, nil
}

func applyLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func buildReasoner(cfg *config.Config) (reasoning.Provider, error) {
	pc := cfg.ProviderConfig(cfg.LLM.DefaultProvider)
	switch cfg.LLM.DefaultProvider {
	case "openai":
		return reasoning.NewOpenAIProvider(reasoning.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	default:
		return reasoning.NewAnthropicProvider(reasoning.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	}
}

// buildMemoryStore returns nil when no embedding key is configured;
// the engine runs without memory retrieval in that case.
func buildMemoryStore(cfg *config.Config, reasoner reasoning.Provider) (*memory.Store, error) {
	embCfg := cfg.Embeddings
	if embCfg.APIKey == "" {
		embCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if embCfg.APIKey == "" {
		slog.Info("no embedding API key configured, memory disabled")
		return nil, nil
	}

	embedder, err := openaiembed.New(embCfg)
	if err != nil {
		return nil, err
	}
	backend, err := memory.NewSQLiteBackend(cfg.Database.MemoryPath)
	if err != nil {
		return nil, err
	}
	return memory.NewStore(backend, embedder, reasoner, cfg.Memory), nil
}

// registerBuiltins installs the tools every deployment gets. Applications
// embedding the engine register their own on top.
func registerBuiltins(registry *tools.Registry, memStore *memory.Store) error {
	httpGet := &tools.Tool{
		Name:        "http_get",
		Description: "Fetch a URL over HTTP GET and return the status and body.",
		Schema: `{
			"type": "object",
			"properties": {
				"url": {"type": "string"}
			},
			"required": ["url"],
			"additionalProperties": false
		}`,
		RateLimit: ratelimit.Limit{Max: 30, Window: time.Minute},
		Handler:   httpGetHandler,
	}
	if err := registry.Register(httpGet); err != nil {
		return err
	}

	if memStore == nil {
		return nil
	}
	memorySearch := &tools.Tool{
		Name:        "memory_search",
		Description: "Search the agent's long-term memories by semantic similarity.",
		Schema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		RateLimit: ratelimit.Limit{Max: 60, Window: time.Minute},
		Handler:   memorySearchHandler(memStore),
	}
	return registry.Register(memorySearch)
}

const httpGetMaxBody = 256 << 10

func httpGetHandler(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpGetMaxBody))
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	})
}

func memorySearchHandler(store *memory.Store) tools.Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var params struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, err
		}
		agentID := observability.AgentID(ctx)
		if agentID == "" {
			return nil, fmt.Errorf("no agent in context")
		}
		memories, err := store.Retrieve(ctx, agentID, params.Query, memory.RetrieveOptions{Limit: params.Limit})
		if err != nil {
			return nil, err
		}
		return json.Marshal(memories)
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := approval.NewSweeper(a.gate, a.cfg.Approvals.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: a.cfg.Server.MetricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runAgent(ctx context.Context, configPath, slug, event, payload string, scheduled bool) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	agent, err := a.stores.Agents.GetBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("agent %q: %w", slug, err)
	}

	trigger := models.Trigger{Event: event, Scheduled: scheduled}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &trigger.Payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	result, err := a.engine.Execute(ctx, agent, trigger)
	if err != nil {
		return err
	}

	printJSON(result)
	if result.Status == models.ExecutionWaitingApproval {
		fmt.Fprintln(os.Stderr, "execution suspended; resolve with: overseer approvals list")
	}
	return nil
}

func listAgents(ctx context.Context, configPath, tenantID string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	agents, err := a.stores.Agents.List(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		status := "active"
		if !agent.IsActive {
			status = "paused"
		}
		fmt.Printf("%-24s %-8s runs=%d completed=%d failed=%d\n",
			agent.Slug, status, agent.Stats.TotalRuns, agent.Stats.CompletedRuns, agent.Stats.FailedRuns)
	}
	return nil
}

func showAgent(ctx context.Context, configPath, slug string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	agent, err := a.stores.Agents.GetBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("agent %q: %w", slug, err)
	}
	printJSON(agent)

	executions, err := a.stores.Executions.ListByAgent(ctx, agent.ID, 10)
	if err != nil {
		return err
	}
	for _, execution := range executions {
		fmt.Printf("%-36s %-18s tokens=%d tools=%d\n",
			execution.ID, execution.Status, execution.TokensIn+execution.TokensOut, execution.ToolCalls)
	}
	return nil
}

func listApprovals(ctx context.Context, configPath, tenantID string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.gate.ListPending(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending approvals")
		return nil
	}
	for _, req := range pending {
		fmt.Printf("%-36s %-10s tool=%s expires=%s\n  reason: %s\n",
			req.ID, req.Risk, req.ToolName, req.ExpiresAt.Format(time.RFC3339), req.Reason)
	}
	return nil
}

func resolveApproval(ctx context.Context, configPath, approvalID string, approved bool, resolvedBy, note string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := a.stores.Approvals.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	if err := a.gate.Resolve(ctx, approvalID, approved, resolvedBy, note); err != nil {
		return err
	}
	if !approved {
		fmt.Println("denied; execution failed")
		return nil
	}

	// Approval resumes the execution in the background. Wait for it to
	// reach a terminal state so the CLI can report the outcome.
	fmt.Println("approved; resuming execution")
	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		execution, err := a.stores.Executions.Get(ctx, req.ExecutionID)
		if err != nil {
			return err
		}
		if execution.Status.Terminal() {
			printJSON(execution)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("execution %s did not finish within the wait window", req.ExecutionID)
}

func searchMemory(ctx context.Context, configPath, slug, query string, limit int) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.memory == nil {
		return fmt.Errorf("memory is disabled: no embedding API key configured")
	}
	agent, err := a.stores.Agents.GetBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("agent %q: %w", slug, err)
	}

	memories, err := a.memory.Retrieve(ctx, agent.ID, query, memory.RetrieveOptions{Limit: limit})
	if err != nil {
		return err
	}
	printJSON(memories)
	return nil
}

func consolidateMemory(ctx context.Context, configPath, slug string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.memory == nil {
		return fmt.Errorf("memory is disabled: no embedding API key configured")
	}
	agent, err := a.stores.Agents.GetBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("agent %q: %w", slug, err)
	}
	if err := a.memory.Consolidate(ctx, agent.ID); err != nil {
		return err
	}
	fmt.Println("consolidation complete")
	return nil
}

func showUsage(ctx context.Context, configPath, slug string, limit int) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	agent, err := a.stores.Agents.GetBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("agent %q: %w", slug, err)
	}
	executions, err := a.stores.Executions.ListByAgent(ctx, agent.ID, limit)
	if err != nil {
		return err
	}

	tracker := usage.NewTracker(limit)
	for _, execution := range executions {
		tracker.RecordExecution(execution)
	}
	printJSON(tracker.ForAgent(agent.ID))
	return nil
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		slog.Error("failed to encode output", "error", err)
	}
}
