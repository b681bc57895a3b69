// Package memory defines the tenant-scoped memory surface the orchestrator
// uses for recalling planning patterns and persisting task artifacts.
package memory

import (
	"context"
	"time"

	"github.com/adverant/nexus-core/pkg/tenant"
)

// Memory is one recalled item.
type Memory struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Kind      string         `json:"kind"` // memory, episode, document
	Metadata  map[string]any `json:"metadata,omitempty"`
	Relevance float64        `json:"relevance"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecallOptions narrows a recall query.
type RecallOptions struct {
	Query string
	Limit int
}

// SynthesisOptions controls context synthesis.
type SynthesisOptions struct {
	IncludeEpisodes  bool
	IncludeDocuments bool
	IncludeMemories  bool
	Limit            int
	MaxTokens        int
	ChunkSize        int
}

// SynthesizedContext is a condensed view over recalled items.
type SynthesizedContext struct {
	Summary          string   `json:"summary"`
	RelevantMemories []Memory `json:"relevant_memories"`
	RelevanceScore   float64  `json:"relevance_score"`
}

// Episode records one completed orchestration for future recall.
type Episode struct {
	TaskID   string         `json:"task_id"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the tenant-scoped memory surface. Every operation takes the
// tenant explicitly; implementations must never leak across tenants.
type Store interface {
	RecallMemory(ctx context.Context, tc tenant.Context, opts RecallOptions) ([]Memory, error)
	SynthesizeContext(ctx context.Context, tc tenant.Context, query string, opts SynthesisOptions) (*SynthesizedContext, error)
	StoreEpisode(ctx context.Context, tc tenant.Context, ep Episode) (string, error)
	StoreDocument(ctx context.Context, tc tenant.Context, content string, meta map[string]any) (string, error)
	StoreMemory(ctx context.Context, tc tenant.Context, content string, meta map[string]any) (string, error)
}
