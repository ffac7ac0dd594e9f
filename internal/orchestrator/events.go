package orchestrator

import (
	"github.com/aixgo-dev/steward/pkg/safety"
)

// SafetyRecord is the payload of KindSafetyDecision.
type SafetyRecord struct {
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id"`
	Tool      string          `json:"tool"`
	Decision  safety.Decision `json:"decision"`
}

// ConsentRecord is the payload of KindConsentRequested and
// KindConsentResolved. Granted and Error are set only on resolution.
type ConsentRecord struct {
	SessionID string                `json:"session_id"`
	StepID    string                `json:"step_id"`
	Request   safety.ConsentRequest `json:"request"`
	Granted   bool                  `json:"granted"`
	Error     string                `json:"error,omitempty"`
}

// ChangeSetRecord is the payload of KindChangeSetBuilt and
// KindChangeSetApplied.
type ChangeSetRecord struct {
	SessionID   string   `json:"session_id"`
	ChangeSetID string   `json:"change_set_id"`
	StepID      string   `json:"step_id,omitempty"`
	Files       []string `json:"files"`
	Additions   int      `json:"additions"`
	Deletions   int      `json:"deletions"`
	Applied     []string `json:"applied,omitempty"`
	Unchanged   []string `json:"unchanged,omitempty"`
	Conflicts   []string `json:"conflicts,omitempty"`
}

// CheckpointRecord is the payload of KindCheckpointCreated and
// KindCheckpointRestored.
type CheckpointRecord struct {
	SessionID    string   `json:"session_id"`
	CheckpointID string   `json:"checkpoint_id"`
	Tags         []string `json:"tags,omitempty"`
	Files        []string `json:"files,omitempty"`
}
