package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("session store is closed")
	// ErrDiverged is returned when the stored turns are not a prefix of the
	// session being saved.
	ErrDiverged = errors.New("stored turns diverge from session")
	// ErrInvalidID is returned for IDs that are unsafe as storage keys.
	ErrInvalidID = errors.New("invalid session id")
)

// Store persists sessions. Save writes the header and appends turns the
// store has not seen; stored turns are never rewritten. Implementations
// are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, s *Session) error
	// Load returns ErrSessionNotFound for unknown IDs.
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	// List returns sessions most recently updated first.
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Close() error
}

// ListOptions pages List results.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) page(all []Summary) []Summary {
	if o.Offset >= len(all) {
		return nil
	}
	all = all[o.Offset:]
	if o.Limit > 0 && o.Limit < len(all) {
		all = all[:o.Limit]
	}
	return all
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func sortSummaries(s []Summary) {
	slices.SortStableFunc(s, func(a, b Summary) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
}

// MemoryStore keeps sessions in memory as JSON.
type MemoryStore struct {
	mu      sync.RWMutex
	headers map[string][]byte
	turns   map[string][][]byte
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{headers: make(map[string][]byte), turns: make(map[string][][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if err := validateID(s.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	var prev record
	if data, ok := m.headers[s.ID]; ok {
		if err := json.Unmarshal(data, &prev); err != nil {
			return fmt.Errorf("decode session %s: %w", s.ID, err)
		}
	}
	fresh, err := s.unpersisted(prev.TurnCount, prev.LastTurnID)
	if err != nil {
		return err
	}
	for _, t := range fresh {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn %s: %w", t.ID, err)
		}
		m.turns[s.ID] = append(m.turns[s.ID], data)
	}
	header, err := json.Marshal(s.header())
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	m.headers[s.ID] = header
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	data, ok := m.headers[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	turns := make([]Turn, 0, len(m.turns[id]))
	for _, raw := range m.turns[id] {
		var t Turn
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode turn in %s: %w", id, err)
		}
		turns = append(turns, t)
	}
	return fromRecord(r, turns), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.headers[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.headers, id)
	delete(m.turns, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]Summary, 0, len(m.headers))
	for _, data := range m.headers {
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		out = append(out, r.summary())
	}
	sortSummaries(out)
	return opts.page(out), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
