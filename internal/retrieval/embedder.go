// Package retrieval provides the text embedding capability used by workflow
// memory: an Embedder interface with Ollama and langchaingo implementations.
package retrieval

import (
	"context"
	"fmt"
	"math"

	"github.com/kalambet/taskmem/internal/ollama"
	"golang.org/x/sync/errgroup"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders with a native multi-input call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ollamaAPI is the subset of *ollama.Client used here.
type ollamaAPI interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}

var _ ollamaAPI = (*ollama.Client)(nil)

// OllamaEmbedder embeds through the Ollama HTTP API.
type OllamaEmbedder struct {
	client    ollamaAPI
	model     string
	dimension int
}

// NewOllamaEmbedder creates an embedder for model. A dimension of zero
// disables the output size check.
func NewOllamaEmbedder(client ollamaAPI, model string, dimension int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model, dimension: dimension}
}

// Embed returns the embedding vector for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if err := checkDimension(vec, e.dimension); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch embeds all texts in one request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.client.EmbedMany(ctx, e.model, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding batch: %w", err)
	}
	for i, v := range vecs {
		if err := checkDimension(v, e.dimension); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return vecs, nil
}

func checkDimension(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("dimension mismatch: got %d, want %d", len(vec), want)
	}
	return nil
}

// EmbedBatch returns embedding vectors for multiple texts. It uses the
// embedder's native batch call when there is one, otherwise it fans out
// single calls with bounded concurrency. Returns nil (not error) for empty input.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if be, ok := e.(BatchEmbedder); ok {
		return be.EmbedBatch(ctx, texts)
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the embedding server.

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

// Cosine returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length, or with a zero norm, have no defined similarity and
// report ok=false.
func Cosine(a, b []float32) (sim float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aSq += float64(a[i]) * float64(a[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if aSq == 0 || bSq == 0 {
		return 0, false
	}
	sim = dot / (math.Sqrt(aSq) * math.Sqrt(bSq))
	return math.Max(-1, math.Min(1, sim)), true
}

func ollamaClient(baseURL string) *ollama.Client {
	return ollama.New(baseURL)
}
