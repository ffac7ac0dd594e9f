// Package eventbus provides the in-process publish/subscribe channel used for
// all cross-component notifications.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of an event.
type Kind string

// All matches every event kind when used with Subscribe.
const All Kind = "*"

const (
	KindStateChanged Kind = "orchestrator.state_changed"
	KindTurnRecorded Kind = "orchestrator.turn_recorded"

	KindPlanRequested Kind = "plan.requested"
	KindPlanCreated   Kind = "plan.created"
	KindPlanFailed    Kind = "plan.failed"

	KindStepRequested Kind = "step.requested"
	KindStepStarted   Kind = "step.started"
	KindStepCompleted Kind = "step.completed"
	KindStepFailed    Kind = "step.failed"

	KindToolExecuted Kind = "tool.executed"
	KindToolFailed   Kind = "tool.failed"

	KindSafetyDecision   Kind = "safety.decision"
	KindConsentRequested Kind = "consent.requested"
	KindConsentResolved  Kind = "consent.resolved"

	KindChangeSetBuilt   Kind = "changeset.built"
	KindChangeSetApplied Kind = "changeset.applied"

	KindCheckpointCreated  Kind = "checkpoint.created"
	KindCheckpointRestored Kind = "checkpoint.restored"

	KindMemoryStored Kind = "memory.stored"

	// KindCancelled withdraws the request carrying the same correlation ID.
	KindCancelled Kind = "request.cancelled"

	KindError    Kind = "error_occurred"
	KindMetric   Kind = "metric_recorded"
	KindAuditLog Kind = "audit_log"
)

// Event is a single notification. Events are values; handlers receive copies.
type Event struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Source        string            `json:"source"`
	Timestamp     time.Time         `json:"timestamp"`
	Data          any               `json:"data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(kind Kind, source string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithCorrelation returns a copy of e carrying the given correlation ID.
func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}

// WithMetadata returns a copy of e with key set in its metadata.
func (e Event) WithMetadata(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// Reply builds a response event correlated with e.
func (e Event) Reply(kind Kind, source string, data any) Event {
	corr := e.CorrelationID
	if corr == "" {
		corr = e.ID
	}
	return NewEvent(kind, source, data).WithCorrelation(corr)
}

// Decode extracts e.Data as T. In-process publishers usually store T
// directly; anything else is converted through JSON.
func Decode[T any](e Event) (T, error) {
	var out T
	switch v := e.Data.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
		return out, fmt.Errorf("event %s: nil payload", e.Kind)
	case nil:
		return out, fmt.Errorf("event %s: empty payload", e.Kind)
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload for %s: %w", e.Kind, err)
	}
	return out, nil
}
