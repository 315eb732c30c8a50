package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/haasonsaas/overseer/internal/memory/embeddings"
	"github.com/haasonsaas/overseer/internal/reasoning"
	"github.com/haasonsaas/overseer/pkg/models"
)

// StoreConfig tunes deduplication, retrieval, and consolidation.
type StoreConfig struct {
	// DedupThreshold is the similarity at or above which a new memory is
	// merged into an existing one instead of inserted. Default 0.95.
	DedupThreshold float32 `yaml:"dedup_threshold"`

	// MergeThreshold is the lower similarity bound for consolidation
	// clustering. Default 0.85.
	MergeThreshold float32 `yaml:"merge_threshold"`

	// ConsolidateAfter is the per-agent memory count that triggers
	// consolidation. Default 100.
	ConsolidateAfter int64 `yaml:"consolidate_after"`

	// RetrieveLimit is the default result count for Retrieve. Default 5.
	RetrieveLimit int `yaml:"retrieve_limit"`

	// PruneMinAge is how old a memory must be before consolidation may
	// prune it. Default 30 days.
	PruneMinAge time.Duration `yaml:"prune_min_age"`
}

// DefaultStoreConfig returns the default memory settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DedupThreshold:   0.95,
		MergeThreshold:   0.85,
		ConsolidateAfter: 100,
		RetrieveLimit:    5,
		PruneMinAge:      30 * 24 * time.Hour,
	}
}

// Importance at or above this value is a hard floor: consolidation never
// prunes such memories, regardless of age or access count.
const importanceFloor = 3

const pruneMaxAccess = 2

// Store is the durable knowledge layer behind the execution engine.
type Store struct {
	backend  Backend
	embedder embeddings.Provider
	reasoner reasoning.Provider
	config   StoreConfig
	logger   *slog.Logger
}

// NewStore creates a memory store. The reasoner is used only by
// ExtractAndStore and may be nil when extraction is disabled.
func NewStore(backend Backend, embedder embeddings.Provider, reasoner reasoning.Provider, config StoreConfig) *Store {
	def := DefaultStoreConfig()
	if config.DedupThreshold <= 0 {
		config.DedupThreshold = def.DedupThreshold
	}
	if config.MergeThreshold <= 0 {
		config.MergeThreshold = def.MergeThreshold
	}
	if config.ConsolidateAfter <= 0 {
		config.ConsolidateAfter = def.ConsolidateAfter
	}
	if config.RetrieveLimit <= 0 {
		config.RetrieveLimit = def.RetrieveLimit
	}
	if config.PruneMinAge <= 0 {
		config.PruneMinAge = def.PruneMinAge
	}
	return &Store{
		backend:  backend,
		embedder: embedder,
		reasoner: reasoner,
		config:   config,
		logger:   slog.Default().With("component", "memory"),
	}
}

// RetrieveOptions scope a Retrieve call.
type RetrieveOptions struct {
	Limit int
	Kinds []models.MemoryKind
}

// Retrieve returns the agent's memories most similar to queryText.
// Returned rows get their access counters bumped for later pruning.
func (s *Store) Retrieve(ctx context.Context, agentID, queryText string, opts RetrieveOptions) ([]*models.Memory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.config.RetrieveLimit
	}

	queryEmbedding, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scored, err := s.backend.Search(ctx, agentID, queryEmbedding, &SearchOptions{
		Limit: limit,
		Kinds: opts.Kinds,
	})
	if err != nil {
		return nil, err
	}

	memories := make([]*models.Memory, len(scored))
	ids := make([]string, len(scored))
	for i, sc := range scored {
		memories[i] = sc.Memory
		ids[i] = sc.Memory.ID
	}

	if err := s.backend.BumpAccess(ctx, ids, time.Now()); err != nil {
		s.logger.Warn("failed to bump memory access counters", "agent_id", agentID, "error", err)
	}
	return memories, nil
}

// Save stores one memory, merging into a near-duplicate when one exists
// at or above the dedup threshold. A merge keeps the existing row and
// takes the max of the two confidences; it never creates a new row.
func (s *Store) Save(ctx context.Context, mem *models.Memory) error {
	if !models.ValidMemoryKind(mem.Kind) {
		return fmt.Errorf("invalid memory kind %q", mem.Kind)
	}

	if len(mem.Embedding) == 0 {
		embedding, err := s.embedder.Embed(ctx, mem.Content)
		if err != nil {
			return fmt.Errorf("embed memory: %w", err)
		}
		mem.Embedding = embedding
	}

	dup, err := s.findDuplicate(ctx, mem.AgentID, mem.Embedding)
	if err != nil {
		return err
	}
	now := time.Now()
	if dup != nil {
		if mem.Confidence > dup.Confidence {
			dup.Confidence = mem.Confidence
		}
		if mem.Importance > dup.Importance {
			dup.Importance = mem.Importance
		}
		dup.Tags = mergeTags(dup.Tags, mem.Tags)
		dup.UpdatedAt = now
		return s.backend.Update(ctx, dup)
	}

	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now
	return s.backend.Insert(ctx, mem)
}

func (s *Store) findDuplicate(ctx context.Context, agentID string, embedding []float32) (*models.Memory, error) {
	scored, err := s.backend.Search(ctx, agentID, embedding, &SearchOptions{
		Limit:     1,
		Threshold: s.config.DedupThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup search: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}
	return scored[0].Memory, nil
}

// ExtractAndStore asks the reasoning capability to distill learnings from
// a finished execution and persists each candidate through Save. When the
// agent's memory count crosses the configured threshold, consolidation
// runs afterwards.
func (s *Store) ExtractAndStore(ctx context.Context, execution *models.Execution) error {
	if s.reasoner == nil {
		return nil
	}

	trace := formatTrace(execution)
	if trace == "" {
		return nil
	}

	resp, err := s.reasoner.Complete(ctx, &reasoning.Request{
		System: extractionPrompt,
		Messages: []reasoning.Message{
			{Role: "user", Content: trace},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return fmt.Errorf("extraction completion: %w", err)
	}

	candidates, err := parseCandidates(resp.Content)
	if err != nil {
		return fmt.Errorf("parse extraction output: %w", err)
	}

	for _, cand := range candidates {
		mem := &models.Memory{
			AgentID:    execution.AgentID,
			Kind:       cand.Kind,
			Content:    cand.Content,
			Confidence: clamp01(cand.Confidence),
			Importance: cand.Importance,
			Tags:       cand.Tags,
		}
		if err := s.Save(ctx, mem); err != nil {
			s.logger.Warn("failed to store extracted memory",
				"agent_id", execution.AgentID, "kind", cand.Kind, "error", err)
		}
	}

	count, err := s.backend.Count(ctx, execution.AgentID)
	if err != nil {
		return nil
	}
	if count >= s.config.ConsolidateAfter {
		if err := s.Consolidate(ctx, execution.AgentID); err != nil {
			s.logger.Warn("consolidation failed", "agent_id", execution.AgentID, "error", err)
		}
	}
	return nil
}

// RecordEpisode persists the run outcome as an episodic memory.
func (s *Store) RecordEpisode(ctx context.Context, execution *models.Execution) error {
	content := fmt.Sprintf("Run finished with status %s after %d steps and %d tool calls.",
		execution.Status, len(execution.Steps), execution.ToolCalls)
	if execution.Error != "" {
		content += " Error: " + execution.Error
	} else if execution.Result != "" {
		content += " Outcome: " + execution.Result
	}

	return s.Save(ctx, &models.Memory{
		AgentID:    execution.AgentID,
		Kind:       models.MemoryOutcome,
		Content:    content,
		Confidence: 1.0,
		Importance: 1,
		Tags:       []string{"episode", string(execution.Status)},
	})
}

// Consolidate merges near-duplicate clusters to one representative row,
// then prunes stale low-value memories. Memories at or above the
// importance floor are never pruned.
func (s *Store) Consolidate(ctx context.Context, agentID string) error {
	memories, err := s.backend.ListByAgent(ctx, agentID)
	if err != nil {
		return err
	}

	merged := make(map[string]bool)
	var toDelete []string

	for i, mem := range memories {
		if merged[mem.ID] || len(mem.Embedding) == 0 {
			continue
		}
		representative := mem
		changed := false
		for _, other := range memories[i+1:] {
			if merged[other.ID] || len(other.Embedding) == 0 {
				continue
			}
			if CosineSimilarity(representative.Embedding, other.Embedding) < s.config.MergeThreshold {
				continue
			}
			if other.Confidence > representative.Confidence {
				representative.Confidence = other.Confidence
			}
			if other.Importance > representative.Importance {
				representative.Importance = other.Importance
			}
			representative.AccessCount += other.AccessCount
			representative.Tags = mergeTags(representative.Tags, other.Tags)
			merged[other.ID] = true
			toDelete = append(toDelete, other.ID)
			changed = true
		}
		if changed {
			representative.UpdatedAt = time.Now()
			if err := s.backend.Update(ctx, representative); err != nil {
				return fmt.Errorf("update representative: %w", err)
			}
		}
	}

	cutoff := time.Now().Add(-s.config.PruneMinAge)
	for _, mem := range memories {
		if merged[mem.ID] {
			continue
		}
		if mem.Importance >= importanceFloor {
			continue
		}
		if mem.AccessCount < pruneMaxAccess && mem.CreatedAt.Before(cutoff) {
			toDelete = append(toDelete, mem.ID)
		}
	}

	if len(toDelete) > 0 {
		s.logger.Info("consolidated memories", "agent_id", agentID, "removed", len(toDelete))
		return s.backend.Delete(ctx, toDelete)
	}
	return nil
}

type candidate struct {
	Kind       models.MemoryKind `json:"kind"`
	Content    string            `json:"content"`
	Confidence float64           `json:"confidence"`
	Importance int               `json:"importance"`
	Tags       []string          `json:"tags"`
}

const extractionPrompt = `You review an agent's execution trace and extract durable learnings.
Respond with a JSON array of candidates, each:
{"kind": "fact|preference|pattern|relationship|outcome", "content": "...", "confidence": 0.0-1.0, "importance": 1-5, "tags": ["..."]}
Only include learnings worth remembering across runs. Respond with [] when there are none.`

func parseCandidates(content string) ([]candidate, error) {
	raw := extractJSONArray(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in extraction output")
	}

	var candidates []candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(repaired), &candidates); err != nil {
			return nil, err
		}
	}

	valid := candidates[:0]
	for _, cand := range candidates {
		if cand.Content == "" || !models.ValidMemoryKind(cand.Kind) {
			continue
		}
		valid = append(valid, cand)
	}
	return valid, nil
}

func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func formatTrace(execution *models.Execution) string {
	if execution == nil || len(execution.Steps) == 0 {
		return ""
	}
	var b strings.Builder
	for _, step := range execution.Steps {
		fmt.Fprintf(&b, "[%d] %s: %s\n", step.Seq, step.Type, step.Content)
		if step.ToolName != "" {
			fmt.Fprintf(&b, "    tool=%s output=%s error=%s\n", step.ToolName, step.ToolOutput, step.ToolError)
		}
	}
	return b.String()
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, tags := range [][]string{a, b} {
		for _, tag := range tags {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
