package models

import "time"

// MemoryKind categorizes a durable memory record.
type MemoryKind string

const (
	MemoryFact         MemoryKind = "fact"
	MemoryPreference   MemoryKind = "preference"
	MemoryPattern      MemoryKind = "pattern"
	MemoryRelationship MemoryKind = "relationship"
	MemoryOutcome      MemoryKind = "outcome"
)

// ValidMemoryKind reports whether k is one of the known kinds.
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case MemoryFact, MemoryPreference, MemoryPattern, MemoryRelationship, MemoryOutcome:
		return true
	default:
		return false
	}
}

// Memory is a durable knowledge record extracted from past executions.
// Confidence and importance are tracked independently: a low-confidence
// memory can still be high-importance and must not be pruned.
type Memory struct {
	ID      string     `json:"id"`
	AgentID string     `json:"agent_id"`
	Kind    MemoryKind `json:"kind"`
	Content string     `json:"content"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`
	// Importance ranks how costly it would be to forget this memory.
	// Importance >= 3 is a hard floor against consolidation pruning.
	Importance int `json:"importance"`

	Subject *SubjectRef `json:"subject,omitempty"`
	Tags    []string    `json:"tags,omitempty"`

	// Embedding is supplied by the external embedding capability.
	Embedding []float32 `json:"-"`

	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitzero"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubjectRef optionally ties a memory to a business entity.
type SubjectRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
