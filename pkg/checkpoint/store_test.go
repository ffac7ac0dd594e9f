package checkpoint

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id, session string, ts time.Time) *Checkpoint {
	return &Checkpoint{
		ID:        id,
		Timestamp: ts,
		SessionID: session,
		FileStates: map[string]string{
			"src/auth.py": HashContent([]byte("def login(): pass\n")),
			"gone.txt":    AbsentHash,
		},
		ConversationState: ConversationState{
			Turns:      3,
			LastIntent: "task",
			ActivePlan: json.RawMessage(`{"goal":"harden auth"}`),
		},
		Metadata: Metadata{Description: "before refactor", Tags: []string{"manual"}},
	}
}

func recordStores(t *testing.T) map[string]RecordStore {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisStore := NewRedisStoreFromClient(client, "test:", 0)

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)

	stores := map[string]RecordStore{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"redis":  redisStore,
		"sqlite": sqliteStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestRecordStores(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := sampleRecord("ckpt_1", "s1", base)
			second := sampleRecord("ckpt_2", "s1", base.Add(time.Minute))
			other := sampleRecord("ckpt_3", "s2", base.Add(2*time.Minute))
			for _, c := range []*Checkpoint{first, second, other} {
				require.NoError(t, store.Save(ctx, c))
			}

			got, err := store.Load(ctx, "ckpt_1")
			require.NoError(t, err)
			if diff := cmp.Diff(first, got); diff != "" {
				t.Errorf("loaded record mismatch (-want +got):\n%s", diff)
			}

			list, err := store.List(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "ckpt_2", list[0].ID)
			assert.Equal(t, "ckpt_1", list[1].ID)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
			assert.Equal(t, "ckpt_3", all[0].ID)

			_, err = store.Load(ctx, "ckpt_99")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Delete(ctx, "ckpt_1"))
			_, err = store.Load(ctx, "ckpt_1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Delete(ctx, "ckpt_1"), ErrNotFound)

			list, err = store.List(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestRecordJSONShape(t *testing.T) {
	rec := sampleRecord("ckpt_1", "s1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(data, &shape))
	assert.ElementsMatch(t,
		[]string{"id", "timestamp", "session_id", "file_states", "conversation_state", "metadata"},
		keys(shape))
	assert.ElementsMatch(t, []string{"turns", "last_intent", "active_plan"}, keys(shape["conversation_state"].(map[string]any)))
	assert.ElementsMatch(t, []string{"description", "tags"}, keys(shape["metadata"].(map[string]any)))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Load(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, store.Save(context.Background(), &Checkpoint{ID: "a/b"}))
}

func TestRedisStore_ClosedAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "", time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleRecord("ckpt_1", "s1", time.Now().UTC())))
	assert.True(t, mr.Exists(defaultRedisPrefix+"record:ckpt_1"))
	assert.Greater(t, mr.TTL(defaultRedisPrefix+"record:ckpt_1"), time.Duration(0))

	mr.FastForward(2 * time.Hour)
	list, err := store.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Save(ctx, sampleRecord("ckpt_2", "s1", time.Now().UTC())), ErrClosed)
}

func TestBlobStores(t *testing.T) {
	fileBlobs, err := NewFileBlobStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	for name, blobs := range map[string]BlobStore{"memory": NewMemoryBlobStore(), "file": fileBlobs} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte("package main\n\nfunc main() {}\n")

			hash, err := blobs.Put(ctx, content)
			require.NoError(t, err)
			assert.Equal(t, HashContent(content), hash)

			again, err := blobs.Put(ctx, content)
			require.NoError(t, err)
			assert.Equal(t, hash, again)

			got, err := blobs.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, content, got)

			empty, err := blobs.Put(ctx, []byte{})
			require.NoError(t, err)
			got, err = blobs.Get(ctx, empty)
			require.NoError(t, err)
			assert.Empty(t, got)

			hashes, err := blobs.Hashes(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{hash, empty}, hashes)

			require.NoError(t, blobs.Delete(ctx, hash))
			_, err = blobs.Get(ctx, hash)
			assert.ErrorIs(t, err, ErrBlobNotFound)
		})
	}
}

func TestSeq(t *testing.T) {
	assert.Equal(t, 12, Seq("ckpt_12"))
	assert.Equal(t, 0, Seq("other_3"))
	assert.Equal(t, 0, Seq("ckpt_x"))
	assert.Equal(t, "ckpt_7", formatID(7))
}
