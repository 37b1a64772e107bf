package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database. No external service required; collections persist to
// gob files when a path is configured.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   *logging.Logger
}

// NewChromemStore creates a ChromemStore. An empty path keeps everything
// in memory, which is what tests use.
func NewChromemStore(path string, embedder Embedder, logger *logging.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(expanded, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", expanded, err)
		}
		db, err = chromem.NewPersistentDB(expanded, false)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	return &ChromemStore{
		db:       db,
		embedder: embedder,
		logger:   logger.Named("chromem"),
	}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// Add stores documents in the collection, creating it on first use.
func (s *ChromemStore) Add(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: embeddings[i],
		}
	}

	// Concurrency of 1: embeddings are already computed.
	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug(ctx, "added documents",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search performs similarity search. A missing collection yields no hits.
func (s *ChromemStore) Search(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		return nil, nil
	}

	// chromem rejects nResults above the collection size.
	if count := col.Count(); k > count {
		if count == 0 {
			return nil, nil
		}
		k = count
	}

	results, err := col.Query(ctx, query, k, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	hits := make([]SearchResult, len(results))
	for i, r := range results {
		hits[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Score:    r.Similarity,
		}
	}
	return hits, nil
}

// Delete removes documents by id. Missing ids are ignored.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from collection %s: %w", collection, err)
	}
	return nil
}

// DropCollection removes the whole collection. Missing collections are fine.
func (s *ChromemStore) DropCollection(_ context.Context, collection string) error {
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("dropping collection %s: %w", collection, err)
	}
	return nil
}

var _ Store = (*ChromemStore)(nil)
