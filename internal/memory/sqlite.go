package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/overseer/pkg/models"
)

// SQLiteBackend stores memories in SQLite with embeddings as BLOBs.
// Similarity search is a brute-force cosine scan over the agent's rows;
// per-agent memory counts are bounded by consolidation, which keeps the
// scan small enough in practice.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the memory database at path.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			importance INTEGER NOT NULL DEFAULT 0,
			subject_type TEXT,
			subject_id TEXT,
			tags TEXT,
			embedding BLOB,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at DATETIME,
			expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_memories_agent_kind ON memories(agent_id, kind)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
	}
	for _, idx := range indexes {
		if _, err := b.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

const memoryColumns = `id, agent_id, kind, content, confidence, importance,
	subject_type, subject_id, tags, embedding, access_count,
	last_accessed_at, expires_at, created_at, updated_at`

// Insert stores a new memory row.
func (b *SQLiteBackend) Insert(ctx context.Context, mem *models.Memory) error {
	tags, err := marshalTags(mem.Tags)
	if err != nil {
		return err
	}
	subjectType, subjectID := splitSubject(mem.Subject)

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		mem.ID, mem.AgentID, string(mem.Kind), mem.Content,
		mem.Confidence, mem.Importance,
		subjectType, subjectID, tags,
		EncodeEmbedding(mem.Embedding), mem.AccessCount,
		nullTime(mem.LastAccessedAt), nullTime(mem.ExpiresAt),
		mem.CreatedAt, mem.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Update rewrites a memory row by ID.
func (b *SQLiteBackend) Update(ctx context.Context, mem *models.Memory) error {
	tags, err := marshalTags(mem.Tags)
	if err != nil {
		return err
	}
	subjectType, subjectID := splitSubject(mem.Subject)

	res, err := b.db.ExecContext(ctx, `
		UPDATE memories SET
			kind = ?, content = ?, confidence = ?, importance = ?,
			subject_type = ?, subject_id = ?, tags = ?, embedding = ?,
			access_count = ?, last_accessed_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(mem.Kind), mem.Content, mem.Confidence, mem.Importance,
		subjectType, subjectID, tags, EncodeEmbedding(mem.Embedding),
		mem.AccessCount, nullTime(mem.LastAccessedAt), nullTime(mem.ExpiresAt),
		mem.UpdatedAt, mem.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s not found", mem.ID)
	}
	return nil
}

// Search scans the agent's rows and ranks by cosine similarity, ties
// broken by importance desc then recency desc.
func (b *SQLiteBackend) Search(ctx context.Context, agentID string, queryEmbedding []float32, opts *SearchOptions) ([]Scored, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := "SELECT " + memoryColumns + " FROM memories WHERE agent_id = ?"
	args := []any{agentID}

	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, kind := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		query += " AND kind IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if !opts.IncludeExpired {
		query += " AND (expires_at IS NULL OR expires_at > ?)"
		args = append(args, time.Now())
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		score := CosineSimilarity(queryEmbedding, mem.Embedding)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		results = append(results, Scored{Memory: mem, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Memory.Importance != results[j].Memory.Importance {
			return results[i].Memory.Importance > results[j].Memory.Importance
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListByAgent returns all rows for an agent, newest first.
func (b *SQLiteBackend) ListByAgent(ctx context.Context, agentID string) ([]*models.Memory, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE agent_id = ? ORDER BY created_at DESC",
		agentID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var memories []*models.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// Delete removes rows by ID.
func (b *SQLiteBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete memory %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of rows for an agent.
func (b *SQLiteBackend) Count(ctx context.Context, agentID string) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memories WHERE agent_id = ?", agentID).Scan(&count)
	return count, err
}

// BumpAccess increments access counters on the given rows.
func (b *SQLiteBackend) BumpAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := []any{at}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := b.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	return err
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func scanMemory(rows *sql.Rows) (*models.Memory, error) {
	var mem models.Memory
	var kind string
	var subjectType, subjectID, tagsJSON sql.NullString
	var embedding []byte
	var lastAccessed, expires sql.NullTime

	err := rows.Scan(
		&mem.ID, &mem.AgentID, &kind, &mem.Content,
		&mem.Confidence, &mem.Importance,
		&subjectType, &subjectID, &tagsJSON, &embedding,
		&mem.AccessCount, &lastAccessed, &expires,
		&mem.CreatedAt, &mem.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}

	mem.Kind = models.MemoryKind(kind)
	mem.Embedding = DecodeEmbedding(embedding)
	if subjectType.Valid && subjectType.String != "" {
		mem.Subject = &models.SubjectRef{Type: subjectType.String, ID: subjectID.String}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &mem.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if lastAccessed.Valid {
		mem.LastAccessedAt = lastAccessed.Time
	}
	if expires.Valid {
		mem.ExpiresAt = expires.Time
	}
	return &mem, nil
}

func marshalTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tags: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func splitSubject(subject *models.SubjectRef) (sql.NullString, sql.NullString) {
	if subject == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: subject.Type, Valid: true},
		sql.NullString{String: subject.ID, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
