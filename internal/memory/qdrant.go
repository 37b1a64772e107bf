package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// QdrantStore implements Store against an external qdrant instance over
// gRPC. Use it when several operatord instances must share one memory
// backend; the embedded chromem store is the default otherwise.
type QdrantStore struct {
	client     *qdrant.Client
	embedder   Embedder
	vectorSize int
	logger     *logging.Logger

	mu     sync.Mutex
	known  map[string]bool // collections verified to exist
}

// NewQdrantStore connects to qdrant at host:port.
func NewQdrantStore(host string, port int, vectorSize int, embedder Embedder, logger *logging.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if vectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant %s:%d: %w", host, port, err)
	}

	return &QdrantStore{
		client:     client,
		embedder:   embedder,
		vectorSize: vectorSize,
		logger:     logger.Named("qdrant"),
		known:      make(map[string]bool),
	}, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[name] {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}
	s.known[name] = true
	return nil
}

// Add upserts documents into the collection.
func (s *QdrantStore) Add(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
		payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.Content}}
		payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.ID}}
		for k, v := range doc.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: payload,
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}

	s.logger.Debug(ctx, "upserted points",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
	)
	return nil
}

// Search performs similarity search with optional keyword filters.
func (s *QdrantStore) Search(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("checking collection %s: %w", collection, err)
	}
	if !exists {
		return nil, nil
	}

	queryVector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var filter *qdrant.Filter
	if len(filters) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filters))
		for key, value := range filters {
			conditions = append(conditions, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   key,
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
					},
				},
			})
		}
		filter = &qdrant.Filter{Must: conditions}
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	hits := make([]SearchResult, 0, len(results))
	for _, point := range results {
		hit := SearchResult{Score: point.Score, Metadata: make(map[string]string)}
		for key, value := range point.Payload {
			sv, ok := value.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch key {
			case "content":
				hit.Content = sv.StringValue
			case "id":
				hit.ID = sv.StringValue
			default:
				hit.Metadata[key] = sv.StringValue
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Delete removes points by their document ids.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{{
						ConditionOneOf: &qdrant.Condition_Field{
							Field: &qdrant.FieldCondition{
								Key: "id",
								Match: &qdrant.Match{
									MatchValue: &qdrant.Match_Keywords{
										Keywords: &qdrant.RepeatedStrings{Strings: ids},
									},
								},
							},
						},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting %d points: %w", len(ids), err)
	}
	return nil
}

// DropCollection removes the collection entirely.
func (s *QdrantStore) DropCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	delete(s.known, collection)
	s.mu.Unlock()

	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("dropping collection %s: %w", collection, err)
	}
	return nil
}

var _ Store = (*QdrantStore)(nil)
