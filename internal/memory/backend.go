// Package memory persists durable agent knowledge and retrieves it by
// embedding similarity. Retrieval, write-time deduplication, and periodic
// consolidation all run against a pluggable vector backend.
package memory

import (
	"context"
	"math"
	"time"

	"github.com/haasonsaas/overseer/pkg/models"
)

// SearchOptions scope a similarity search.
type SearchOptions struct {
	// Limit caps the number of results. Default 10.
	Limit int

	// Kinds filters to the given memory kinds; empty means all.
	Kinds []models.MemoryKind

	// Threshold drops results below this cosine similarity.
	Threshold float32

	// IncludeExpired keeps rows past their expiry in the result set.
	// Used by consolidation, never by retrieval.
	IncludeExpired bool
}

// Scored pairs a memory with its similarity to the query.
type Scored struct {
	Memory *models.Memory
	Score  float32
}

// Backend is the vector storage capability behind the memory store.
type Backend interface {
	// Insert stores a memory. The caller has already set ID and timestamps.
	Insert(ctx context.Context, mem *models.Memory) error

	// Update rewrites a memory in place by ID.
	Update(ctx context.Context, mem *models.Memory) error

	// Search returns memories for one agent ranked by cosine similarity
	// to the query embedding, ties broken by importance then recency.
	Search(ctx context.Context, agentID string, queryEmbedding []float32, opts *SearchOptions) ([]Scored, error)

	// ListByAgent returns all memories for an agent, newest first.
	ListByAgent(ctx context.Context, agentID string) ([]*models.Memory, error)

	// Delete removes memories by ID.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of memories stored for an agent.
	Count(ctx context.Context, agentID string) (int64, error)

	// BumpAccess increments access counters on the given rows.
	BumpAccess(ctx context.Context, ids []string, at time.Time) error

	// Close releases resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// EncodeEmbedding packs a vector into little-endian float32 bytes.
func EncodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// DecodeEmbedding unpacks little-endian float32 bytes into a vector.
func DecodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
