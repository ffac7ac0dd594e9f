package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultCollection = "steward_memories"

// FirestoreConfig configures FirestoreStore.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// Collection defaults to "steward_memories".
	Collection string `yaml:"collection"`
}

// FirestoreStore keeps items in a Firestore collection. Filters run as
// Firestore queries; scoring happens in process.
type FirestoreStore struct {
	client   *firestore.Client
	coll     *firestore.CollectionRef
	embedder Embedder
}

// firestoreItem is the stored document shape.
type firestoreItem struct {
	ID        string            `firestore:"id"`
	SessionID string            `firestore:"session_id"`
	Kind      string            `firestore:"kind"`
	Content   string            `firestore:"content"`
	Metadata  map[string]string `firestore:"metadata,omitempty"`
	Embedding []float64         `firestore:"embedding"`
	Dims      int               `firestore:"dimensions"`
	CreatedAt time.Time         `firestore:"created_at"`
}

// NewFirestoreStore connects with the given credentials, or Application
// Default Credentials when none are set.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig, embedder Embedder) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore: project ID is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreStoreFromClient(client, cfg.Collection, embedder), nil
}

// NewFirestoreStoreFromClient wraps an existing client.
func NewFirestoreStoreFromClient(client *firestore.Client, collection string, embedder Embedder) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	return &FirestoreStore{client: client, coll: client.Collection(collection), embedder: embedder}
}

func (s *FirestoreStore) Store(ctx context.Context, item Item) error {
	item, err := prepare(ctx, s.embedder, item)
	if err != nil {
		return err
	}
	if _, err := s.coll.Doc(item.ID).Set(ctx, toFirestore(item)); err != nil {
		return fmt.Errorf("firestore: store %s: %w", item.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Search(ctx context.Context, query string, limit int, filters Filters) ([]Result, error) {
	if query == "" {
		return nil, ErrEmptyContent
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	q := s.coll.Query
	if filters.SessionID != "" {
		q = q.Where("session_id", "==", filters.SessionID)
	}
	if filters.Kind != "" {
		q = q.Where("kind", "==", filters.Kind)
	}
	if !filters.Since.IsZero() {
		q = q.Where("created_at", ">=", filters.Since)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()
	var items []Item
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: iterate memories: %w", err)
		}
		var fi firestoreItem
		if err := doc.DataTo(&fi); err != nil {
			return nil, fmt.Errorf("firestore: decode %s: %w", doc.Ref.ID, err)
		}
		items = append(items, fromFirestore(fi))
	}
	return rank(slices.Values(items), vecs[0], limit, filters), nil
}

func (s *FirestoreStore) Close() error { return s.client.Close() }

func toFirestore(it Item) firestoreItem {
	vec := make([]float64, len(it.Embedding))
	for i, v := range it.Embedding {
		vec[i] = float64(v)
	}
	return firestoreItem{
		ID:        it.ID,
		SessionID: it.SessionID,
		Kind:      it.Kind,
		Content:   it.Content,
		Metadata:  it.Metadata,
		Embedding: vec,
		Dims:      len(vec),
		CreatedAt: it.CreatedAt,
	}
}

func fromFirestore(fi firestoreItem) Item {
	vec := make([]float32, len(fi.Embedding))
	for i, v := range fi.Embedding {
		vec[i] = float32(v)
	}
	return Item{
		ID:        fi.ID,
		SessionID: fi.SessionID,
		Kind:      fi.Kind,
		Content:   fi.Content,
		Metadata:  fi.Metadata,
		Embedding: vec,
		CreatedAt: fi.CreatedAt,
	}
}
