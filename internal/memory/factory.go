package memory

import (
	"fmt"

	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// NewGateway builds the memory gateway described by the configuration:
// embedder, vector store backend, and the scoped TTL/cap layer on top.
func NewGateway(cfg config.MemoryConfig, logger *logging.Logger) (Gateway, error) {
	embedder, err := NewEmbedder(cfg.Embeddings, cfg.VectorSize)
	if err != nil {
		return nil, err
	}

	var store Store
	switch cfg.Provider {
	case "chromem":
		store, err = NewChromemStore(cfg.Path, embedder, logger)
	case "qdrant":
		store, err = NewQdrantStore(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.VectorSize, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewScopedStore(store, cfg.ScopeMaxEntries, cfg.DefaultTTL.Duration(), logger)
}
