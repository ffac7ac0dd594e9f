package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderIsDeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"Fix the auth module", "fix THE auth, module!"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 64)
	assert.InDelta(t, 1.0, cosine(vecs[0], vecs[1]), 1e-6)

	var norm float32
	for _, v := range vecs[0] {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	empty, err := e.Embed(context.Background(), []string{""})
	require.NoError(t, err)
	assert.Zero(t, cosine(empty[0], vecs[0]))
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosine(tt.a, tt.b), 1e-6)
		})
	}
}

func TestInMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(nil, 0)
	require.NoError(t, s.Store(ctx, Item{SessionID: "s1", Kind: "turn", Content: "refactor the auth module to use bcrypt"}))
	require.NoError(t, s.Store(ctx, Item{SessionID: "s1", Kind: "turn", Content: "what is the weather today"}))
	require.NoError(t, s.Store(ctx, Item{SessionID: "s2", Kind: "turn", Content: "auth module tests are failing"}))

	results, err := s.Search(ctx, "auth module", 10, Filters{SessionID: "s1"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Item.Content, "auth")
	for _, r := range results {
		assert.Equal(t, "s1", r.Item.SessionID)
		assert.NotEmpty(t, r.Item.ID)
	}

	top, err := s.Search(ctx, "auth module", 1, Filters{})
	require.NoError(t, err)
	assert.Len(t, top, 1)

	strict, err := s.Search(ctx, "auth module", 10, Filters{MinScore: 0.99})
	require.NoError(t, err)
	assert.Empty(t, strict)

	_, err = s.Search(ctx, "", 1, Filters{})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.ErrorIs(t, s.Store(ctx, Item{}), ErrEmptyContent)
}

func TestInMemoryStoreEvictsOldestAndReplacesByID(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(NewHashEmbedder(16), 2)
	require.NoError(t, s.Store(ctx, Item{ID: "a", Content: "first"}))
	require.NoError(t, s.Store(ctx, Item{ID: "b", Content: "second"}))
	require.NoError(t, s.Store(ctx, Item{ID: "b", Content: "second again"}))
	assert.Equal(t, 2, s.Len())
	require.NoError(t, s.Store(ctx, Item{ID: "c", Content: "third"}))
	assert.Equal(t, 2, s.Len())

	results, err := s.Search(ctx, "first", 10, Filters{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.Item.ID)
	}
}

func TestFiltersSinceAndKind(t *testing.T) {
	now := time.Now()
	f := Filters{Kind: "turn", Since: now}
	assert.True(t, f.match(Item{Kind: "turn", CreatedAt: now.Add(time.Second)}))
	assert.False(t, f.match(Item{Kind: "turn", CreatedAt: now.Add(-time.Second)}))
	assert.False(t, f.match(Item{Kind: "plan", CreatedAt: now.Add(time.Second)}))
}

func TestOpenAIEmbedder(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Dimensions: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, e.Dimensions())

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, "text-embedding-3-small", got["model"])
	assert.EqualValues(t, 2, got["dimensions"])
}

func TestOpenAIEmbedderConfigErrors(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{})
	assert.Error(t, err)
	_, err = NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k", Model: "text-embedding-ada-002", Dimensions: 8})
	assert.Error(t, err)
}

func TestFirestoreConversionRoundTrip(t *testing.T) {
	it := Item{
		ID:        "m1",
		SessionID: "s1",
		Kind:      "turn",
		Content:   "hello",
		Metadata:  map[string]string{"turn_id": "t1"},
		Embedding: []float32{0.5, -0.25},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	fi := toFirestore(it)
	assert.Equal(t, 2, fi.Dims)
	assert.Equal(t, it, fromFirestore(fi))
}

func TestFirestoreStoreEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	s, err := NewFirestoreStore(ctx, FirestoreConfig{ProjectID: "steward-test", Collection: "memories_" + time.Now().Format("150405.000")}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Store(ctx, Item{SessionID: "s1", Kind: "turn", Content: "auth module refactor"}))
	require.NoError(t, s.Store(ctx, Item{SessionID: "s2", Kind: "turn", Content: "auth module refactor"}))
	results, err := s.Search(ctx, "auth refactor", 5, Filters{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].Item.SessionID)
}
