// Package memory stores conversation snippets and finds them again by
// semantic similarity.
package memory

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyContent is returned when an item or query has no text.
var ErrEmptyContent = errors.New("memory: content cannot be empty")

// Item is one stored memory.
type Item struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Embedding is filled by the store when empty.
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is a search hit.
type Result struct {
	Item  Item
	Score float32
}

// Filters narrow a search. Zero values match everything.
type Filters struct {
	SessionID string
	Kind      string
	Since     time.Time
	// MinScore drops results scoring below it.
	MinScore float32
}

func (f Filters) match(it Item) bool {
	if f.SessionID != "" && it.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && it.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && it.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store is the memory backend boundary.
type Store interface {
	Store(ctx context.Context, item Item) error
	// Search returns at most limit items ordered by descending similarity.
	Search(ctx context.Context, query string, limit int, filters Filters) ([]Result, error)
	Close() error
}

func prepare(ctx context.Context, e Embedder, item Item) (Item, error) {
	if item.Content == "" {
		return item, ErrEmptyContent
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if len(item.Embedding) == 0 {
		vecs, err := e.Embed(ctx, []string{item.Content})
		if err != nil {
			return item, err
		}
		item.Embedding = vecs[0]
	}
	return item, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
