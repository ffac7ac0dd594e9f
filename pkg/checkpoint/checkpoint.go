// Package checkpoint journals workspace file states so any applied change
// can be rolled back exactly.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// AbsentHash records a file that did not exist when the checkpoint was
// taken. Restoring it deletes the file.
const AbsentHash = ""

// TagPreApply marks checkpoints created automatically before an apply.
const TagPreApply = "pre-apply"

// TagPreExec marks checkpoints created automatically before a step that
// runs commands.
const TagPreExec = "pre-exec"

const idPrefix = "ckpt_"

var (
	ErrNotFound  = errors.New("checkpoint not found")
	ErrIntegrity = errors.New("checkpoint integrity check failed")
	ErrClosed    = errors.New("checkpoint store is closed")
)

// IntegrityError reports a blob that is missing or does not hash to the
// recorded value. LastGood names the newest older checkpoint of the same
// session whose blobs all verify, if any.
type IntegrityError struct {
	ID       string
	Path     string
	Hash     string
	Reason   string
	LastGood string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("checkpoint %s: %s for %s (%s)", e.ID, e.Reason, e.Path, shortHash(e.Hash))
	if e.LastGood != "" {
		msg += "; last known-good checkpoint is " + e.LastGood
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// ConversationState is the conversation position a checkpoint was taken at.
type ConversationState struct {
	Turns      int             `json:"turns"`
	LastIntent string          `json:"last_intent"`
	ActivePlan json.RawMessage `json:"active_plan"`
}

// Metadata describes a checkpoint.
type Metadata struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Checkpoint is the persisted record. FileStates maps workspace-relative
// paths to the sha256 of their content, or AbsentHash.
type Checkpoint struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	SessionID         string            `json:"session_id"`
	FileStates        map[string]string `json:"file_states"`
	ConversationState ConversationState `json:"conversation_state"`
	Metadata          Metadata          `json:"metadata"`
}

// HasTag reports whether the checkpoint carries tag.
func (c *Checkpoint) HasTag(tag string) bool { return slices.Contains(c.Metadata.Tags, tag) }

// Paths returns the recorded paths in sorted order.
func (c *Checkpoint) Paths() []string {
	paths := make([]string, 0, len(c.FileStates))
	for p := range c.FileStates {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Seq extracts n from a ckpt_<n> ID. Foreign IDs yield 0.
func Seq(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, idPrefix))
	if err != nil || !strings.HasPrefix(id, idPrefix) {
		return 0
	}
	return n
}

func formatID(n int) string { return idPrefix + strconv.Itoa(n) }

// newestFirst orders by sequence, then timestamp, both descending.
func newestFirst(records []*Checkpoint) {
	slices.SortFunc(records, func(a, b *Checkpoint) int {
		if sa, sb := Seq(a.ID), Seq(b.ID); sa != sb {
			return sb - sa
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "absent"
	}
	return h
}
