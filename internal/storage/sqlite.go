package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/overseer/pkg/models"
)

// OpenSQLite opens (or creates) a SQLite-backed StoreSet at path.
// Pass ":memory:" for an ephemeral database.
func OpenSQLite(path string) (StoreSet, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("failed to open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return StoreSet{}, err
	}
	return StoreSet{
		Agents:     &SQLiteAgentStore{db: db},
		Executions: &SQLiteExecutionStore{db: db},
		Approvals:  &SQLiteApprovalStore{db: db},
		closer:     db.Close,
	}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT,
			slug TEXT UNIQUE,
			config TEXT NOT NULL,
			stats TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			tenant_id TEXT,
			status TEXT NOT NULL,
			trigger_data TEXT NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			pending_action TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT,
			tool_name TEXT,
			tool_input TEXT,
			tool_output TEXT,
			tool_error TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			UNIQUE(execution_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			tenant_id TEXT,
			tool_name TEXT NOT NULL,
			tool_input TEXT,
			description TEXT,
			reason TEXT,
			risk TEXT NOT NULL,
			status TEXT NOT NULL,
			resolved_by TEXT,
			resolution_note TEXT,
			resolved_at DATETIME,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps(execution_id, seq)`,
		// Serves the "pending, non-expired approvals per tenant" lookup.
		`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(tenant_id, status, expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// SQLiteAgentStore implements AgentStore over SQLite.
type SQLiteAgentStore struct {
	db *sql.DB
}

func (s *SQLiteAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	config, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	stats, err := json.Marshal(agent.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, tenant_id, slug, config, stats, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.TenantID, agent.Slug, string(config), string(stats), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *SQLiteAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQLiteAgentStore) GetBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	return s.getWhere(ctx, "slug = ?", slug)
}

func (s *SQLiteAgentStore) getWhere(ctx context.Context, where string, arg any) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT config, stats FROM agents WHERE `+where, arg)
	var config, stats string
	if err := row.Scan(&config, &stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	var agent models.Agent
	if err := json.Unmarshal([]byte(config), &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &agent.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return &agent, nil
}

func (s *SQLiteAgentStore) List(ctx context.Context, tenantID string) ([]*models.Agent, error) {
	query := `SELECT config, stats FROM agents`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		var config, stats string
		if err := rows.Scan(&config, &stats); err != nil {
			return nil, err
		}
		var agent models.Agent
		if err := json.Unmarshal([]byte(config), &agent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
		}
		if err := json.Unmarshal([]byte(stats), &agent.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func (s *SQLiteAgentStore) UpdateStats(ctx context.Context, id string, stats models.AgentStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET stats = ?, updated_at = ? WHERE id = ?`,
		string(payload), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SQLiteExecutionStore implements ExecutionStore over SQLite.
type SQLiteExecutionStore struct {
	db *sql.DB
}

func (s *SQLiteExecutionStore) Create(ctx context.Context, execution *models.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution is required")
	}
	trigger, err := json.Marshal(execution.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, agent_id, tenant_id, status, trigger_data, tokens_in, tokens_out, tool_calls, result, error, pending_action, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID, execution.AgentID, execution.TenantID, string(execution.Status), string(trigger),
		execution.TokensIn, execution.TokensOut, execution.ToolCalls,
		execution.Result, execution.Error, marshalPendingAction(execution.PendingAction),
		execution.CreatedAt, nullTime(execution.StartedAt), nullTime(execution.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, tenant_id, status, trigger_data, tokens_in, tokens_out, tool_calls, result, error, pending_action, created_at, started_at, finished_at
		 FROM executions WHERE id = ?`, id)
	execution, err := scanExecution(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, seq, type, content, tool_name, tool_input, tool_output, tool_error, started_at, finished_at
		 FROM steps WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step models.Step
		var content, toolName, toolInput, toolOutput, toolError sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&step.ID, &step.ExecutionID, &step.Seq, &step.Type,
			&content, &toolName, &toolInput, &toolOutput, &toolError,
			&step.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		step.Content = content.String
		step.ToolName = toolName.String
		if toolInput.Valid && toolInput.String != "" {
			step.ToolInput = json.RawMessage(toolInput.String)
		}
		step.ToolOutput = toolOutput.String
		step.ToolError = toolError.String
		if finishedAt.Valid {
			step.FinishedAt = finishedAt.Time
		}
		execution.Steps = append(execution.Steps, step)
	}
	return execution, rows.Err()
}

func (s *SQLiteExecutionStore) Update(ctx context.Context, execution *models.Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, tokens_in = ?, tokens_out = ?, tool_calls = ?, result = ?, error = ?, pending_action = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(execution.Status), execution.TokensIn, execution.TokensOut, execution.ToolCalls,
		execution.Result, execution.Error, marshalPendingAction(execution.PendingAction),
		nullTime(execution.StartedAt), nullTime(execution.FinishedAt), execution.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteExecutionStore) AppendStep(ctx context.Context, step *models.Step) error {
	if step == nil || step.ExecutionID == "" {
		return fmt.Errorf("step is required")
	}
	// The UNIQUE(execution_id, seq) constraint makes the append atomic:
	// a crashed engine can never leave a gap or duplicate in the trace.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, execution_id, seq, type, content, tool_name, tool_input, tool_output, tool_error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.Seq, string(step.Type),
		step.Content, step.ToolName, string(step.ToolInput), step.ToolOutput, step.ToolError,
		step.StartedAt, nullTime(step.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, tenant_id, status, trigger_data, tokens_in, tokens_out, tool_calls, result, error, pending_action, created_at, started_at, finished_at
		 FROM executions WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var result []*models.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, execution)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*models.Execution, error) {
	var execution models.Execution
	var trigger string
	var result, errMsg, pendingAction sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&execution.ID, &execution.AgentID, &execution.TenantID, &execution.Status, &trigger,
		&execution.TokensIn, &execution.TokensOut, &execution.ToolCalls,
		&result, &errMsg, &pendingAction,
		&execution.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	if err := json.Unmarshal([]byte(trigger), &execution.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	execution.Result = result.String
	execution.Error = errMsg.String
	if pendingAction.Valid && pendingAction.String != "" {
		var pa models.PendingAction
		if err := json.Unmarshal([]byte(pendingAction.String), &pa); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending action: %w", err)
		}
		execution.PendingAction = &pa
	}
	if startedAt.Valid {
		execution.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		execution.FinishedAt = finishedAt.Time
	}
	return &execution, nil
}

// SQLiteApprovalStore implements ApprovalStore over SQLite.
type SQLiteApprovalStore struct {
	db *sql.DB
}

func (s *SQLiteApprovalStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("approval request is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, agent_id, tenant_id, tool_name, tool_input, description, reason, risk, status, resolved_by, resolution_note, resolved_at, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.AgentID, req.TenantID, req.ToolName, string(req.ToolInput),
		req.Description, req.Reason, string(req.Risk), string(req.Status),
		req.ResolvedBy, req.ResolutionNote, nullTime(req.ResolvedAt), req.ExpiresAt, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (s *SQLiteApprovalStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = ?`, id)
	req, err := scanApproval(row)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *SQLiteApprovalStore) Update(ctx context.Context, req *models.ApprovalRequest) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_by = ?, resolution_note = ?, resolved_at = ? WHERE id = ?`,
		string(req.Status), req.ResolvedBy, req.ResolutionNote, nullTime(req.ResolvedAt), req.ID)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteApprovalStore) ListPending(ctx context.Context, tenantID string) ([]*models.ApprovalRequest, error) {
	query := approvalSelect + ` WHERE status = ? AND expires_at > ?`
	args := []any{string(models.ApprovalPending), time.Now()}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`
	return s.list(ctx, query, args...)
}

func (s *SQLiteApprovalStore) ListExpired(ctx context.Context) ([]*models.ApprovalRequest, error) {
	return s.list(ctx, approvalSelect+` WHERE status = ? AND expires_at <= ?`,
		string(models.ApprovalPending), time.Now())
}

func (s *SQLiteApprovalStore) list(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var result []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

const approvalSelect = `SELECT id, execution_id, agent_id, tenant_id, tool_name, tool_input, description, reason, risk, status, resolved_by, resolution_note, resolved_at, expires_at, created_at FROM approvals`

func scanApproval(row scanner) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var toolInput, resolvedBy, note sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.ExecutionID, &req.AgentID, &req.TenantID, &req.ToolName, &toolInput,
		&req.Description, &req.Reason, &req.Risk, &req.Status,
		&resolvedBy, &note, &resolvedAt, &req.ExpiresAt, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	if toolInput.Valid && toolInput.String != "" {
		req.ToolInput = json.RawMessage(toolInput.String)
	}
	req.ResolvedBy = resolvedBy.String
	req.ResolutionNote = note.String
	if resolvedAt.Valid {
		req.ResolvedAt = resolvedAt.Time
	}
	return &req, nil
}

func marshalPendingAction(pa *models.PendingAction) any {
	if pa == nil {
		return nil
	}
	payload, err := json.Marshal(pa)
	if err != nil {
		return nil
	}
	return string(payload)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
