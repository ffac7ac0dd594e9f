// Package orchestrator runs the per-session state machine that turns user
// input into answers, tool calls and reviewed file changes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/eventbus"
)

// State is a position of the session state machine.
type State string

const (
	Idle             State = "idle"
	Parsing          State = "parsing"
	IntentResolution State = "intent_resolution"
	Clarify          State = "clarify"
	Question         State = "question"
	Streaming        State = "streaming"
	Planning         State = "planning"
	ToolSelection    State = "tool_selection"
	SafetyCheck      State = "safety_check"
	Executing        State = "executing"
	DiffPreview      State = "diff_preview"
	UserReview       State = "user_review"
	PartialApply     State = "partial_apply"
	Applying         State = "applying"
	Checkpointing    State = "checkpointing"
	Blocked          State = "blocked"
)

// ErrIllegalTransition is returned for a transition the table does not
// allow. The machine is reset to Idle when it happens.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists the forward moves. Every state except Idle may also
// fall back to Idle; that is the error and cancellation path.
var transitions = map[State][]State{
	Idle:             {Parsing},
	Parsing:          {IntentResolution},
	IntentResolution: {Question, Planning, Clarify},
	Clarify:          {Parsing},
	Question:         {Streaming},
	Streaming:        {},
	Planning:         {ToolSelection},
	ToolSelection:    {SafetyCheck},
	SafetyCheck:      {Executing, Blocked, ToolSelection},
	Executing:        {DiffPreview, ToolSelection},
	DiffPreview:      {UserReview},
	UserReview:       {Applying, PartialApply},
	PartialApply:     {Applying},
	Applying:         {Checkpointing},
	Checkpointing:    {DiffPreview, ToolSelection},
	Blocked:          {},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	if to == Idle {
		return from != Idle
	}
	return slices.Contains(transitions[from], to)
}

// Transition is the payload of KindStateChanged.
type Transition struct {
	SessionID string `json:"session_id"`
	From      State  `json:"from"`
	To        State  `json:"to"`
}

// machine holds the current state. Only the session worker moves it;
// State may be read from anywhere.
type machine struct {
	sessionID string
	bus       *eventbus.Bus
	logger    *zap.Logger

	mu      sync.RWMutex
	current State
	onMove  func(State)
}

func newMachine(sessionID string, bus *eventbus.Bus, logger *zap.Logger, onMove func(State)) *machine {
	return &machine{sessionID: sessionID, bus: bus, logger: logger, current: Idle, onMove: onMove}
}

func (m *machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// to moves the machine. An illegal move resets it to Idle and returns
// ErrIllegalTransition.
func (m *machine) to(ctx context.Context, next State) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, next) {
		m.mu.Unlock()
		m.logger.Error("illegal transition", zap.String("from", string(from)), zap.String("to", string(next)))
		m.reset(ctx)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	m.current = next
	m.mu.Unlock()

	m.moved(ctx, from, next)
	return nil
}

// reset returns to Idle from anywhere.
func (m *machine) reset(ctx context.Context) {
	m.mu.Lock()
	from := m.current
	m.current = Idle
	m.mu.Unlock()
	if from != Idle {
		m.moved(ctx, from, Idle)
	}
}

func (m *machine) moved(ctx context.Context, from, to State) {
	observability.RecordTransition(string(from), string(to))
	m.logger.Debug("state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	if m.bus != nil {
		e := eventbus.NewEvent(eventbus.KindStateChanged, "orchestrator", Transition{SessionID: m.sessionID, From: from, To: to}).
			WithMetadata("session_id", m.sessionID)
		if err := m.bus.Publish(context.WithoutCancel(ctx), e); err != nil && !errors.Is(err, eventbus.ErrBusClosed) {
			m.logger.Warn("publish state change failed", zap.Error(err))
		}
	}
	if m.onMove != nil {
		m.onMove(to)
	}
}
