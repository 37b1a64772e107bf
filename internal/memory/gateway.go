package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// ScopedStore implements Gateway over a vector Store.
//
// The gateway keeps a small in-memory index per scope (insertion-ordered
// entry ids with expiry stamps) so eviction never needs a full store scan.
// TTL expiry is enforced on both write and read; expired entries are
// deleted from the store lazily.
type ScopedStore struct {
	store      Store
	logger     *logging.Logger
	maxEntries int
	defaultTTL time.Duration

	mu     sync.Mutex
	scopes map[string][]indexEntry
}

type indexEntry struct {
	id        string
	createdAt time.Time
	expiresAt time.Time
}

// NewScopedStore creates a gateway enforcing the given per-scope entry cap
// and default TTL.
func NewScopedStore(store Store, maxEntries int, defaultTTL time.Duration, logger *logging.Logger) (*ScopedStore, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("%w: max entries must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ScopedStore{
		store:      store,
		logger:     logger.Named("memory"),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		scopes:     make(map[string][]indexEntry),
	}, nil
}

// Store persists one record under the scope, evicting expired and
// over-cap entries first (oldest evicted first).
func (s *ScopedStore) Store(ctx context.Context, scope, kind, content string, metadata map[string]string, ttl time.Duration) (string, error) {
	if err := ValidateScope(scope); err != nil {
		return "", fmt.Errorf("%w: %q", err, scope)
	}
	if content == "" {
		return "", ErrEmptyContent
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := timeNow()
	entry := indexEntry{
		id:        uuid.New().String(),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	if err := s.evict(ctx, scope, now); err != nil {
		return "", err
	}

	meta := make(map[string]string, len(metadata)+4)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["scope"] = scope
	meta["kind"] = kind
	meta["created_at"] = strconv.FormatInt(now.UnixNano(), 10)
	meta["expires_at"] = strconv.FormatInt(entry.expiresAt.UnixNano(), 10)

	doc := Document{ID: entry.id, Content: content, Metadata: meta}
	if err := s.store.Add(ctx, collectionForScope(scope), []Document{doc}); err != nil {
		return "", fmt.Errorf("storing record: %w", err)
	}

	s.mu.Lock()
	s.scopes[scope] = append(s.scopes[scope], entry)
	s.mu.Unlock()

	s.logger.Debug(ctx, "stored record",
		zap.String("scope", scope),
		zap.String("kind", kind),
		zap.String("record_id", entry.id),
	)
	return entry.id, nil
}

// Retrieve returns up to limit unexpired records ordered by relevance.
func (s *ScopedStore) Retrieve(ctx context.Context, scope, kind, query string, limit int) ([]Record, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, fmt.Errorf("%w: %q", err, scope)
	}
	if limit <= 0 {
		limit = 10
	}

	now := timeNow()

	s.mu.Lock()
	live := 0
	for _, e := range s.scopes[scope] {
		if e.expiresAt.After(now) {
			live++
		}
	}
	s.mu.Unlock()
	if live == 0 {
		return nil, nil
	}

	// Over-fetch so client-side expiry filtering can still fill the limit.
	k := limit * 2
	if k > live {
		k = live
	}

	var filters map[string]string
	if kind != "" {
		filters = map[string]string{"kind": kind}
	}

	hits, err := s.store.Search(ctx, collectionForScope(scope), query, k, filters)
	if err != nil {
		return nil, fmt.Errorf("retrieving records: %w", err)
	}

	records := make([]Record, 0, limit)
	for _, hit := range hits {
		rec := recordFromHit(scope, hit)
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

// PurgeScope removes all records under the scope.
func (s *ScopedStore) PurgeScope(ctx context.Context, scope string) error {
	if err := ValidateScope(scope); err != nil {
		return fmt.Errorf("%w: %q", err, scope)
	}
	s.mu.Lock()
	delete(s.scopes, scope)
	s.mu.Unlock()

	if err := s.store.DropCollection(ctx, collectionForScope(scope)); err != nil {
		return fmt.Errorf("purging scope %s: %w", scope, err)
	}
	s.logger.Info(ctx, "purged scope", zap.String("scope", scope))
	return nil
}

// evict removes expired entries and, if the scope is at capacity, the
// oldest live entries until one slot is free.
func (s *ScopedStore) evict(ctx context.Context, scope string, now time.Time) error {
	s.mu.Lock()
	entries := s.scopes[scope]

	var doomed []string
	kept := entries[:0]
	for _, e := range entries {
		if !e.expiresAt.After(now) {
			doomed = append(doomed, e.id)
			continue
		}
		kept = append(kept, e)
	}
	// Entries are insertion-ordered, so the front is the oldest.
	for len(kept) >= s.maxEntries {
		doomed = append(doomed, kept[0].id)
		kept = kept[1:]
	}
	s.scopes[scope] = kept
	s.mu.Unlock()

	if len(doomed) == 0 {
		return nil
	}
	if err := s.store.Delete(ctx, collectionForScope(scope), doomed); err != nil {
		return fmt.Errorf("evicting %d records: %w", len(doomed), err)
	}
	s.logger.Debug(ctx, "evicted records",
		zap.String("scope", scope),
		zap.Int("count", len(doomed)),
	)
	return nil
}

func recordFromHit(scope string, hit SearchResult) Record {
	rec := Record{
		ID:      hit.ID,
		Scope:   scope,
		Kind:    hit.Metadata["kind"],
		Content: hit.Content,
		Score:   hit.Score,
	}
	if ns, err := strconv.ParseInt(hit.Metadata["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(0, ns)
	}
	if ns, err := strconv.ParseInt(hit.Metadata["expires_at"], 10, 64); err == nil {
		rec.ExpiresAt = time.Unix(0, ns)
	}
	meta := make(map[string]string)
	for k, v := range hit.Metadata {
		switch k {
		case "scope", "kind", "created_at", "expires_at":
		default:
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		rec.Metadata = meta
	}
	return rec
}
