// Package gateway provides the LLM gateway client: a chat-completions HTTP
// API with streaming, a model catalog, and a per-provider circuit breaker.
package gateway

import (
	"context"
	"time"
)

// Model describes one entry in the gateway catalog.
type Model struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextLength int      `json:"context_length"`
	PromptPrice   float64  `json:"prompt_price"`
	OutputPrice   float64  `json:"output_price"`
	Modalities    []string `json:"modalities,omitempty"`
	Moderated     bool     `json:"moderated"`
}

// Free reports whether the model is zero-priced or carries a :free suffix.
func (m Model) Free() bool {
	if m.PromptPrice == 0 && m.OutputPrice == 0 {
		return true
	}
	return len(m.ID) > 5 && m.ID[len(m.ID)-5:] == ":free"
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest describes one chat-completion call.
type CompletionRequest struct {
	ModelID     string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Chunk is one streamed fragment of a completion.
type Chunk struct {
	Delta string
	Done  bool
}

// CompletionResponse is the non-streaming result of a completion call.
type CompletionResponse struct {
	Content      string
	TokensUsed   int
	FinishReason string
}

// ChunkHandler receives streamed fragments. Returning an error aborts the stream.
type ChunkHandler func(Chunk) error

// ModelGateway is the external LLM provider surface used by the core.
type ModelGateway interface {
	// ListModels returns the provider catalog.
	ListModels(ctx context.Context) ([]Model, error)

	// Complete performs a non-streaming chat completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteStream performs a streaming completion, delivering chunks to
	// handler in order, and returns the assembled response.
	CompleteStream(ctx context.Context, req CompletionRequest, handler ChunkHandler) (*CompletionResponse, error)
}
