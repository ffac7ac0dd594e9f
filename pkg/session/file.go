package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one header and one JSONL turn log per session:
//
//	<dir>/
//	  ├── <session-id>.json    # header
//	  └── <session-id>.jsonl   # turns, one per line, append-only
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".steward", "sessions")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) headerPath(id string) string { return filepath.Join(f.dir, id+".json") }
func (f *FileStore) turnsPath(id string) string  { return filepath.Join(f.dir, id+".jsonl") }

func (f *FileStore) Save(_ context.Context, s *Session) error {
	if err := validateID(s.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}

	prev, err := f.readHeader(s.ID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	fresh, err := s.unpersisted(prev.TurnCount, prev.LastTurnID)
	if err != nil {
		return err
	}
	if len(fresh) > 0 {
		if err := f.appendTurns(s.ID, fresh); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(s.header(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	tmp := f.headerPath(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, f.headerPath(s.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit session %s: %w", s.ID, err)
	}
	return nil
}

func (f *FileStore) appendTurns(id string, turns []Turn) error {
	file, err := os.OpenFile(f.turnsPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 - id validated
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, t := range turns {
		if err := enc.Encode(t); err != nil {
			_ = file.Close()
			return fmt.Errorf("encode turn %s: %w", t.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("write turn log: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync turn log: %w", err)
	}
	return file.Close()
}

func (f *FileStore) readHeader(id string) (record, error) {
	data, err := os.ReadFile(f.headerPath(id)) // #nosec G304 - id validated
	if errors.Is(err, os.ErrNotExist) {
		return record{}, ErrSessionNotFound
	}
	if err != nil {
		return record{}, fmt.Errorf("read session %s: %w", id, err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("parse session %s: %w", id, err)
	}
	return r, nil
}

func (f *FileStore) Load(_ context.Context, id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStorageClosed
	}

	r, err := f.readHeader(id)
	if err != nil {
		return nil, err
	}
	turns, err := f.readTurns(id, r.TurnCount)
	if err != nil {
		return nil, err
	}
	return fromRecord(r, turns), nil
}

// readTurns reads at most limit turns. An interrupted save can leave turns
// in the log that the header does not count; they are appended again by
// the next save, so repeated IDs are skipped.
func (f *FileStore) readTurns(id string, limit int) ([]Turn, error) {
	file, err := os.Open(f.turnsPath(id)) // #nosec G304 - id validated
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open turn log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var turns []Turn
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() && len(turns) < limit {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			return nil, fmt.Errorf("parse turn in %s: %w", id, err)
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read turn log: %w", err)
	}
	return turns, nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}
	if err := os.Remove(f.headerPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := os.Remove(f.turnsPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete turn log %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) List(_ context.Context, opts ListOptions) ([]Summary, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := f.readHeader(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, r.summary())
	}
	sortSummaries(out)
	return opts.page(out), nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
