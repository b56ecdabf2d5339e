// Package inference provides the text-completion client the orchestration
// engine and departments use to reach the local LLM backend. The backend
// is opaque: a single Complete operation over the network, with
// transient-failure classification the engine's retry policy consumes.
package inference

import (
	"context"
)

// Request is a single completion call.
type Request struct {
	// Prompt is the full prompt text.
	Prompt string

	// Role is the logical role making the call (e.g. "analyzer",
	// "researcher"). The client resolves it to a model identifier
	// through the current model-assignment snapshot.
	Role string

	// Model overrides role resolution when set.
	Model string

	// Temperature, when non-nil, overrides the backend default.
	Temperature *float64

	// MaxTokens, when positive, caps the completion length.
	MaxTokens int
}

// Client is the completion backend interface.
type Client interface {
	// Complete returns the completion text for the request. Errors
	// satisfying IsTransient are eligible for retry.
	Complete(ctx context.Context, req Request) (string, error)
}

// Embedder generates embedding vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
