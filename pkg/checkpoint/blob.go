package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrBlobNotFound is returned by BlobStore.Get for unknown hashes.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is content-addressed storage keyed by the sha256 of content.
// Get returns exactly what was stored; callers verify the hash themselves.
type BlobStore interface {
	Put(ctx context.Context, content []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, hash string) error
	Hashes(ctx context.Context) ([]string, error)
}

// HashContent is the hex sha256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func validHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// FileBlobStore keeps zstd-compressed blobs on disk under
// <dir>/<hash[:2]>/<hash>.zst. Existing blobs are never rewritten.
type FileBlobStore struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileBlobStore creates the store directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &FileBlobStore{dir: dir, encoder: enc, decoder: dec}, nil
}

func (s *FileBlobStore) path(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash+".zst")
}

func (s *FileBlobStore) Put(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := HashContent(content)
	p := s.path(hash)
	if _, err := os.Stat(p); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}
	compressed := s.encoder.EncodeAll(content, nil)
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

func (s *FileBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrBlobNotFound, hash)
	}
	compressed, err := os.ReadFile(s.path(hash)) // #nosec G304 - hash validated above
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	content, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", hash, err)
	}
	return content, nil
}

func (s *FileBlobStore) Delete(_ context.Context, hash string) error {
	if !validHash(hash) {
		return nil
	}
	err := os.Remove(s.path(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FileBlobStore) Hashes(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if h, ok := strings.CutSuffix(d.Name(), ".zst"); ok && validHash(h) {
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return out, nil
}

// MemoryBlobStore is an in-process BlobStore for tests and ephemeral sessions.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, content []byte) (string, error) {
	hash := HashContent(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = bytes.Clone(content)
	}
	return hash, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}
	return bytes.Clone(b), nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}

func (s *MemoryBlobStore) Hashes(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for h := range s.blobs {
		out = append(out, h)
	}
	return out, nil
}

// Corrupt overwrites a stored blob. Used to exercise integrity checks.
func (s *MemoryBlobStore) Corrupt(hash string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[hash] = bytes.Clone(content)
}
