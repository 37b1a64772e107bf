package memory

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors returned by gateway and store implementations.
var (
	ErrInvalidScope   = errors.New("invalid scope")
	ErrEmptyContent   = errors.New("empty content")
	ErrInvalidConfig  = errors.New("invalid memory config")
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// Record is one stored memory entry. Immutable once written; Score is
// populated on retrieval only.
type Record struct {
	ID        string            `json:"id"`
	Scope     string            `json:"scope"`
	Kind      string            `json:"kind"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Score     float32           `json:"score,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Gateway is the scoped storage/retrieval/eviction contract used for task
// context and audit logging.
type Gateway interface {
	// Store persists one record under the scope. A non-positive ttl uses
	// the gateway default. Returns the record id.
	Store(ctx context.Context, scope, kind, content string, metadata map[string]string, ttl time.Duration) (string, error)

	// Retrieve returns up to limit unexpired records of the given kind,
	// ordered by relevance to the query. An empty kind matches all kinds.
	Retrieve(ctx context.Context, scope, kind, query string, limit int) ([]Record, error)

	// PurgeScope removes every record under the scope.
	PurgeScope(ctx context.Context, scope string) error
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is the unit stored in a vector store collection.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is one similarity hit, most relevant first.
type SearchResult struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float32
}

// Store is the vector storage abstraction behind the gateway.
type Store interface {
	Add(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error)
	Delete(ctx context.Context, collection string, ids []string) error
	DropCollection(ctx context.Context, collection string) error
}

var scopePattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,128}$`)

// ValidateScope checks a scope id for storability.
func ValidateScope(scope string) error {
	if !scopePattern.MatchString(scope) {
		return ErrInvalidScope
	}
	return nil
}

// collectionForScope maps a scope id to a store collection name.
// Colons are not valid in collection names for either backend.
func collectionForScope(scope string) string {
	return "scope_" + strings.ReplaceAll(scope, ":", "_")
}
