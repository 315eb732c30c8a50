package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/overseer/pkg/models"
)

// fakeEmbedder returns canned vectors per text, defaulting to a unit
// vector on the first axis.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Dimension() int { return 4 }

func newTestStore(t *testing.T) (*Store, *SQLiteBackend) {
	t.Helper()
	backend, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"customer prefers email":    {1, 0, 0, 0},
		"customer likes email":      {0.99, 0.1, 0, 0},
		"deploys happen on friday":  {0, 1, 0, 0},
		"invoices are due in 30d":   {0, 0, 1, 0},
		"what does customer want?":  {1, 0.05, 0, 0},
		"unrelated query":           {0, 0, 0, 1},
	}}
	return NewStore(backend, embedder, nil, StoreConfig{}), backend
}

func TestSaveDedupMergesNearDuplicates(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	first := &models.Memory{
		AgentID:    "agent-1",
		Kind:       models.MemoryPreference,
		Content:    "customer prefers email",
		Confidence: 0.6,
		Importance: 2,
		Tags:       []string{"contact"},
	}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save first: %v", err)
	}

	// Cosine similarity of the two canned vectors is above 0.95.
	second := &models.Memory{
		AgentID:    "agent-1",
		Kind:       models.MemoryPreference,
		Content:    "customer likes email",
		Confidence: 0.9,
		Importance: 1,
		Tags:       []string{"email"},
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	count, err := backend.Count(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("memory count = %d, want 1 after dedup merge", count)
	}

	rows, err := backend.ListByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	merged := rows[0]
	if merged.Confidence != 0.9 {
		t.Errorf("merged confidence = %v, want max(0.6, 0.9)", merged.Confidence)
	}
	if merged.Content != "customer prefers email" {
		t.Errorf("merge replaced content of the existing row: %q", merged.Content)
	}
	if len(merged.Tags) != 2 {
		t.Errorf("merged tags = %v, want union of both", merged.Tags)
	}
}

func TestSaveDistinctMemoriesInsertSeparately(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"customer prefers email", "deploys happen on friday", "invoices are due in 30d"} {
		err := store.Save(ctx, &models.Memory{
			AgentID:    "agent-1",
			Kind:       models.MemoryFact,
			Content:    content,
			Confidence: 0.8,
			Importance: 2,
		})
		if err != nil {
			t.Fatalf("Save(%q): %v", content, err)
		}
	}

	count, _ := backend.Count(ctx, "agent-1")
	if count != 3 {
		t.Fatalf("memory count = %d, want 3", count)
	}
}

func TestSaveRejectsInvalidKind(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Save(context.Background(), &models.Memory{
		AgentID: "agent-1",
		Kind:    "hunch",
		Content: "something",
	})
	if err == nil {
		t.Fatal("Save() accepted an invalid kind")
	}
}

func TestRetrieveRanksBySimilarityAndBumpsAccess(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	contents := []string{"customer prefers email", "deploys happen on friday", "invoices are due in 30d"}
	for _, content := range contents {
		if err := store.Save(ctx, &models.Memory{
			AgentID:    "agent-1",
			Kind:       models.MemoryFact,
			Content:    content,
			Confidence: 0.8,
			Importance: 2,
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Retrieve(ctx, "agent-1", "what does customer want?", RetrieveOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Retrieve returned %d memories, want 2", len(got))
	}
	if got[0].Content != "customer prefers email" {
		t.Errorf("top result = %q, want the similar memory first", got[0].Content)
	}

	rows, _ := backend.ListByAgent(ctx, "agent-1")
	bumped := 0
	for _, row := range rows {
		if row.AccessCount > 0 {
			bumped++
		}
	}
	if bumped != 2 {
		t.Errorf("access bumped on %d rows, want 2", bumped)
	}
}

func TestRetrieveKindFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &models.Memory{
		AgentID: "agent-1", Kind: models.MemoryPreference,
		Content: "customer prefers email", Confidence: 0.8, Importance: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, &models.Memory{
		AgentID: "agent-1", Kind: models.MemoryFact,
		Content: "deploys happen on friday", Confidence: 0.8, Importance: 2,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Retrieve(ctx, "agent-1", "what does customer want?", RetrieveOptions{
		Kinds: []models.MemoryKind{models.MemoryFact},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != models.MemoryFact {
		t.Errorf("kind filter returned %+v, want only facts", got)
	}
}

func TestConsolidateImportanceFloor(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	rows := []*models.Memory{
		{
			ID: uuid.New().String(), AgentID: "agent-1", Kind: models.MemoryFact,
			Content: "important but never read", Importance: 3, AccessCount: 0,
			Embedding: []float32{0, 1, 0, 0}, CreatedAt: old, UpdatedAt: old,
		},
		{
			ID: uuid.New().String(), AgentID: "agent-1", Kind: models.MemoryFact,
			Content: "stale and unimportant", Importance: 1, AccessCount: 0,
			Embedding: []float32{0, 0, 1, 0}, CreatedAt: old, UpdatedAt: old,
		},
		{
			ID: uuid.New().String(), AgentID: "agent-1", Kind: models.MemoryFact,
			Content: "unimportant but frequently read", Importance: 1, AccessCount: 5,
			Embedding: []float32{0, 0, 0, 1}, CreatedAt: old, UpdatedAt: old,
		},
		{
			ID: uuid.New().String(), AgentID: "agent-1", Kind: models.MemoryFact,
			Content: "unimportant but recent", Importance: 1, AccessCount: 0,
			Embedding: []float32{1, 0, 0, 0}, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		},
	}
	for _, row := range rows {
		if err := backend.Insert(ctx, row); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Consolidate(ctx, "agent-1"); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	remaining, err := backend.ListByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	byContent := make(map[string]bool)
	for _, row := range remaining {
		byContent[row.Content] = true
	}

	if !byContent["important but never read"] {
		t.Error("consolidation pruned a memory at the importance floor")
	}
	if byContent["stale and unimportant"] {
		t.Error("consolidation kept a stale, unimportant, unread memory")
	}
	if !byContent["unimportant but frequently read"] {
		t.Error("consolidation pruned a frequently accessed memory")
	}
	if !byContent["unimportant but recent"] {
		t.Error("consolidation pruned a memory younger than the minimum age")
	}
}

func TestConsolidateMergesClusters(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := &models.Memory{
		ID: uuid.New().String(), AgentID: "agent-1", Kind: models.MemoryFact,
		Content: "deploys on friday", Confidence: 0.5, Importance: 2, AccessCount: 1,
		Embedding: []float32{0, 1, 0, 0}, CreatedAt: now, UpdatedAt: now,
	}
	b := &models.Memory{
		ID: uuid.New().String(), AgentID: "agent-1", Kind: models.MemoryFact,
		Content: "deployments happen friday", Confidence: 0.9, Importance: 4, AccessCount: 2,
		Embedding: []float32{0.05, 0.99, 0, 0}, CreatedAt: now, UpdatedAt: now,
	}
	for _, row := range []*models.Memory{a, b} {
		if err := backend.Insert(ctx, row); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Consolidate(ctx, "agent-1"); err != nil {
		t.Fatal(err)
	}

	remaining, _ := backend.ListByAgent(ctx, "agent-1")
	if len(remaining) != 1 {
		t.Fatalf("cluster not merged, %d rows remain", len(remaining))
	}
	rep := remaining[0]
	if rep.Confidence != 0.9 || rep.Importance != 4 {
		t.Errorf("representative kept confidence=%v importance=%d, want max of cluster", rep.Confidence, rep.Importance)
	}
	if rep.AccessCount != 3 {
		t.Errorf("representative access count = %d, want summed 3", rep.AccessCount)
	}
}

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "clean array",
			content: `[{"kind": "fact", "content": "x", "confidence": 0.8, "importance": 2}]`,
			want:    1,
		},
		{
			name:    "prose wrapped",
			content: "Learnings:\n```json\n[{\"kind\": \"preference\", \"content\": \"y\", \"confidence\": 1, \"importance\": 3}]\n```",
			want:    1,
		},
		{
			name:    "invalid kinds filtered",
			content: `[{"kind": "vibe", "content": "x"}, {"kind": "outcome", "content": "y"}]`,
			want:    1,
		},
		{
			name:    "empty array",
			content: `[]`,
			want:    0,
		},
		{
			name:    "trailing comma repaired",
			content: `[{"kind": "fact", "content": "x",},]`,
			want:    1,
		},
		{
			name:    "no array",
			content: "nothing to remember",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCandidates(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseCandidates() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCandidates() error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d candidates, want %d", len(got), tt.want)
			}
		})
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.14159, 0}
	out := DecodeEmbedding(EncodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d = %v, want %v", i, out[i], in[i])
		}
	}
	if DecodeEmbedding(nil) != nil {
		t.Error("DecodeEmbedding(nil) should be nil")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched length", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-5 || diff < -1e-5 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
