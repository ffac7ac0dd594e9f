package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateTurn is returned when a turn ID is appended twice.
	ErrDuplicateTurn = errors.New("turn already recorded")
	// ErrTurnNotFound is returned when a referenced turn does not exist.
	ErrTurnNotFound = errors.New("turn not found")
)

// Session is one user's conversation with its turns, free-form context and
// the checkpoints taken during it. It is safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu          sync.RWMutex
	updatedAt   time.Time
	turns       []Turn
	context     map[string]string
	checkpoints []string
}

// New creates an empty session. An empty id gets a UUID.
func New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Session{ID: id, CreatedAt: now, updatedAt: now, context: make(map[string]string)}
}

// AppendTurn records t. It is the only way turns change.
func (s *Session) AppendTurn(t Turn) error {
	if t.ID == "" {
		return fmt.Errorf("append turn: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.turns, func(x Turn) bool { return x.ID == t.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, t.ID)
	}
	if t.RefersTo != "" && !slices.ContainsFunc(s.turns, func(x Turn) bool { return x.ID == t.RefersTo }) {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, t.RefersTo)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	s.turns = append(s.turns, t)
	s.updatedAt = t.Timestamp
	return nil
}

// Edit creates, but does not append, a turn that replaces the input of
// turn id.
func (s *Session) Edit(id, input string) (Turn, error) {
	if _, ok := s.Turn(id); !ok {
		return Turn{}, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
	}
	t := NewTurn(input)
	t.RefersTo = id
	return t, nil
}

// Turn returns the turn with the given id.
func (s *Session) Turn(id string) (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := slices.IndexFunc(s.turns, func(t Turn) bool { return t.ID == id })
	if i < 0 {
		return Turn{}, false
	}
	return s.turns[i], true
}

// Turns returns a copy of all turns in order.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns)
}

// TurnCount returns the number of recorded turns.
func (s *Session) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// LastTurn returns the most recent turn.
func (s *Session) LastTurn() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// RecentInputs returns up to n latest inputs, oldest first.
func (s *Session) RecentInputs(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := max(len(s.turns)-n, 0)
	out := make([]string, 0, len(s.turns)-start)
	for _, t := range s.turns[start:] {
		out = append(out, t.Input)
	}
	return out
}

// SetContext stores a context value.
func (s *Session) SetContext(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context[key] = value
	s.updatedAt = time.Now().UTC()
}

// ContextValue returns a context value.
func (s *Session) ContextValue(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.context[key]
}

// Context returns a copy of the context map.
func (s *Session) Context() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.context)
}

// AddCheckpoint records a checkpoint taken during the session.
func (s *Session) AddCheckpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.checkpoints, id) {
		s.checkpoints = append(s.checkpoints, id)
	}
	s.updatedAt = time.Now().UTC()
}

// CheckpointIDs returns the checkpoints taken, oldest first.
func (s *Session) CheckpointIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.checkpoints)
}

// UpdatedAt is the time of the last change.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Session) header() record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := record{
		ID:            s.ID,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.updatedAt,
		Context:       maps.Clone(s.context),
		CheckpointIDs: slices.Clone(s.checkpoints),
		TurnCount:     len(s.turns),
	}
	if n := len(s.turns); n > 0 {
		r.LastTurnID = s.turns[n-1].ID
	}
	return r
}

func fromRecord(r record, turns []Turn) *Session {
	ctx := r.Context
	if ctx == nil {
		ctx = make(map[string]string)
	}
	return &Session{
		ID:          r.ID,
		CreatedAt:   r.CreatedAt,
		updatedAt:   r.UpdatedAt,
		turns:       turns,
		context:     ctx,
		checkpoints: r.CheckpointIDs,
	}
}

type sessionJSON struct {
	record
	Turns []Turn `json:"turns"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{record: s.header(), Turns: s.Turns()})
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	restored := fromRecord(raw.record, raw.Turns)
	s.ID, s.CreatedAt = restored.ID, restored.CreatedAt
	s.updatedAt, s.turns, s.context, s.checkpoints = restored.updatedAt, restored.turns, restored.context, restored.checkpoints
	return nil
}

// unpersisted returns the turns after the first n, checking that the first
// n match what the store holds.
func (s *Session) unpersisted(storedCount int, storedLast string) ([]Turn, error) {
	turns := s.Turns()
	if storedCount > len(turns) {
		return nil, fmt.Errorf("%w: store has %d turns, session has %d", ErrDiverged, storedCount, len(turns))
	}
	if storedCount > 0 && turns[storedCount-1].ID != storedLast {
		return nil, fmt.Errorf("%w: turn %d is %s in store, %s in session", ErrDiverged, storedCount, storedLast, turns[storedCount-1].ID)
	}
	return turns[storedCount:], nil
}
