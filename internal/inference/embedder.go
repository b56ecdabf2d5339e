package inference

import (
	"context"
	"errors"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/maestro/internal/config"
)

// NewEmbedder builds an embedding client against the same backend as the
// completion client, using the configured embedding model.
func NewEmbedder(cfg config.InferenceConfig) (Embedder, error) {
	if cfg.EmbeddingModel == "" {
		return nil, errors.New("embedding model is required")
	}

	switch cfg.Provider {
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.EmbeddingModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder backend: %w", err)
		}
		embedder, err := lcembeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		return &langchainEmbedder{embedder: embedder}, nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey.Value()),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder backend: %w", err)
		}
		embedder, err := lcembeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		return &langchainEmbedder{embedder: embedder}, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

type langchainEmbedder struct {
	embedder lcembeddings.Embedder
}

func (e *langchainEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embedder.EmbedDocuments(ctx, texts)
}
