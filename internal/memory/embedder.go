package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/operatord/internal/config"
)

// NewEmbedder builds the embedder the memory gateway uses, selected by
// config. "openai" talks to any OpenAI-compatible endpoint (OpenAI itself
// or a local TEI server); "local" needs no network at all.
func NewEmbedder(cfg config.EmbeddingsConfig, vectorSize int) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return newLangchainEmbedder(cfg)
	case "local":
		return NewLocalEmbedder(vectorSize), nil
	default:
		return nil, fmt.Errorf("%w: unknown embeddings provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// langchainEmbedder wraps langchaingo's embedder for OpenAI-compatible
// endpoints.
type langchainEmbedder struct {
	embedder *lcembeddings.EmbedderImpl
}

func newLangchainEmbedder(cfg config.EmbeddingsConfig) (*langchainEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: embeddings base_url required", ErrInvalidConfig)
	}

	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		// langchaingo requires a token; TEI ignores it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &langchainEmbedder{embedder: embedder}, nil
}

func (e *langchainEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embedder.EmbedDocuments(ctx, texts)
}

func (e *langchainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embedder.EmbedQuery(ctx, text)
}

// LocalEmbedder is a deterministic token-hash embedder. It has no semantic
// model behind it: vectors are bags of hashed tokens, so retrieval degrades
// to term overlap. That is good enough for audit-trail scopes and for
// running without any embedding service, and its determinism makes tests
// reproducible.
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder creates a LocalEmbedder producing dim-sized vectors.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &LocalEmbedder{dim: dim}
}

func (e *LocalEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *LocalEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func (e *LocalEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dim)

	start := 0
	flush := func(end int) {
		if end <= start {
			return
		}
		h := fnv.New32a()
		h.Write([]byte(text[start:end]))
		vec[int(h.Sum32())%e.dim] += 1
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ' ' || c == '\t' || c == '\n' {
			flush(i)
			start = i + 1
		}
	}
	flush(len(text))

	// L2-normalize so cosine similarity behaves.
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

var (
	_ Embedder = (*langchainEmbedder)(nil)
	_ Embedder = (*LocalEmbedder)(nil)
)
