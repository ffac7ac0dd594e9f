// Package session holds the session and turn model and its persistence.
// Turns are append-only: an edit creates a new turn referring to the old
// one.
package session

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/tools"
)

// Turn is one input/output exchange.
type Turn struct {
	// ID is a ULID, so turns sort by creation time.
	ID             string             `json:"id"`
	Input          string             `json:"input"`
	Clarifications []string           `json:"clarifications,omitempty"`
	Intent         intent.Intent      `json:"intent"`
	Plan           *plan.Plan         `json:"plan,omitempty"`
	Outputs        []string           `json:"outputs,omitempty"`
	ToolResults    []tools.ToolResult `json:"tool_results,omitempty"`
	// RefersTo is the turn this one edits, if any.
	RefersTo  string    `json:"refers_to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn for input with a fresh ULID.
func NewTurn(input string) Turn {
	now := time.Now().UTC()
	return Turn{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Input:     input,
		Timestamp: now,
	}
}

// Summary is the listing view of a stored session.
type Summary struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	TurnCount     int       `json:"turn_count"`
	CheckpointIDs []string  `json:"checkpoint_ids,omitempty"`
}

// record is the persisted session header. Turns are stored separately in
// append order.
type record struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Context       map[string]string `json:"context,omitempty"`
	CheckpointIDs []string          `json:"checkpoint_ids,omitempty"`
	TurnCount     int               `json:"turn_count"`
	LastTurnID    string            `json:"last_turn_id,omitempty"`
}

func (r record) summary() Summary {
	return Summary{
		ID:            r.ID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		TurnCount:     r.TurnCount,
		CheckpointIDs: r.CheckpointIDs,
	}
}
