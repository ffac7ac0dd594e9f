package memory

import (
	"context"
	"iter"
	"slices"
	"sync"
)

const defaultMaxItems = 1000

// InMemoryStore keeps items in a bounded slice and scores them by cosine
// similarity. The oldest item is evicted once MaxItems is reached.
type InMemoryStore struct {
	embedder Embedder
	maxItems int

	mu    sync.RWMutex
	items []Item
}

// NewInMemoryStore returns an in-memory store. A nil embedder uses a
// HashEmbedder and maxItems <= 0 keeps 1000 items.
func NewInMemoryStore(embedder Embedder, maxItems int) *InMemoryStore {
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	return &InMemoryStore{embedder: embedder, maxItems: maxItems}
}

func (s *InMemoryStore) Store(ctx context.Context, item Item) error {
	item, err := prepare(ctx, s.embedder, item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.items, func(x Item) bool { return x.ID == item.ID }); i >= 0 {
		s.items[i] = item
		return nil
	}
	s.items = append(s.items, item)
	if len(s.items) > s.maxItems {
		s.items = slices.Delete(s.items, 0, len(s.items)-s.maxItems)
	}
	return nil
}

func (s *InMemoryStore) Search(ctx context.Context, query string, limit int, filters Filters) ([]Result, error) {
	if query == "" {
		return nil, ErrEmptyContent
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rank(slices.Values(s.items), vecs[0], limit, filters), nil
}

// Len returns the number of stored items.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *InMemoryStore) Close() error { return nil }

func rank(items iter.Seq[Item], query []float32, limit int, filters Filters) []Result {
	var out []Result
	for it := range items {
		if !filters.match(it) {
			continue
		}
		score := cosine(query, it.Embedding)
		if score < filters.MinScore {
			continue
		}
		out = append(out, Result{Item: it, Score: score})
	}
	slices.SortStableFunc(out, func(a, b Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return b.Item.CreatedAt.Compare(a.Item.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
