package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Providers accepted by New.
const (
	ProviderNone   = "none"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects and configures the embedding provider.
type Config struct {
	Provider     string
	Model        string
	OllamaURL    string
	OpenAIAPIKey string
	Dimensions   int
	// Langchain routes the ollama provider through langchaingo instead of
	// the built-in HTTP client.
	Langchain bool
}

// New builds the configured embedder. It returns (nil, nil) for the none
// provider, which puts workflow memory in keyword-only mode.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderOllama:
		if !cfg.Langchain {
			return NewOllamaEmbedder(ollamaClient(cfg.OllamaURL), cfg.Model, cfg.Dimensions), nil
		}
		llm, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		model, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return NewLangchainEmbedder(model, cfg.Model, cfg.Dimensions), nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		llm, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		model, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		return NewLangchainEmbedder(model, cfg.Model, cfg.Dimensions), nil
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
}

// LangchainEmbedder adapts a langchaingo embeddings.Embedder.
type LangchainEmbedder struct {
	model     embeddings.Embedder
	modelName string
	dimension int
}

func NewLangchainEmbedder(model embeddings.Embedder, modelName string, dimension int) *LangchainEmbedder {
	return &LangchainEmbedder{model: model, modelName: modelName, dimension: dimension}
}

// Embed generates an embedding vector for text.
func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "text_len", len(text),
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if err := checkDimension(vectors[0], e.dimension); err != nil {
		return nil, err
	}
	slog.Debug("embedding complete", "model", e.modelName, "text_len", len(text),
		"duration_ms", time.Since(start).Milliseconds())
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.model.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if err := checkDimension(v, e.dimension); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return vectors, nil
}
