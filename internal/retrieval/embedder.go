package retrieval

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// EmbeddingProvider generates a fixed-length vector for a text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embedder wraps an EmbeddingProvider with input validation. Identical text
// yields the same vector modulo provider noise; callers treat small
// differences as acceptable, not a bug.
type Embedder struct {
	provider EmbeddingProvider
}

// NewEmbedder creates an Embedder over the given provider.
func NewEmbedder(provider EmbeddingProvider) *Embedder {
	return &Embedder{provider: provider}
}

// Embed returns the embedding vector for a single text. Empty or
// whitespace-only text is rejected with ErrInvalidInput; extraction must have
// produced real content before anything reaches the embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty or whitespace-only text", ErrInvalidInput)
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("provider returned empty vector")
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
