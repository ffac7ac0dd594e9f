// Package diff turns captured file effects into reviewable change sets and
// applies them, whole or hunk by hunk.
package diff

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// ContextLines is the number of unchanged lines kept around each hunk.
const ContextLines = 3

// LineKind marks a hunk line.
type LineKind byte

const (
	LineContext LineKind = ' '
	LineDelete  LineKind = '-'
	LineAdd     LineKind = '+'
)

// Line is one line of a hunk. Text keeps its trailing newline, if any.
type Line struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

// Hunk is a contiguous change. Starts are 0-based line indexes.
type Hunk struct {
	Index    int    `json:"index"`
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Lines    []Line `json:"lines"`
}

// Header renders the unified-diff range line.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%s +%s @@", unifiedRange(h.OldStart, h.OldLines), unifiedRange(h.NewStart, h.NewLines))
}

func unifiedRange(start, n int) string {
	if n == 0 {
		return fmt.Sprintf("%d,0", start)
	}
	if n == 1 {
		return fmt.Sprintf("%d", start+1)
	}
	return fmt.Sprintf("%d,%d", start+1, n)
}

func (h Hunk) oldLines() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Kind != LineAdd {
			out = append(out, l.Text)
		}
	}
	return out
}

func (h Hunk) newLines() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Kind != LineDelete {
			out = append(out, l.Text)
		}
	}
	return out
}

// FileChange is the change to one file.
type FileChange struct {
	Path       string     `json:"path"`
	Op         sandbox.Op `json:"op"`
	Hunks      []Hunk     `json:"hunks"`
	Before     []byte     `json:"-"`
	After      []byte     `json:"-"`
	BeforeHash string     `json:"before_hash"`
	Binary     bool       `json:"binary,omitempty"`
	Risk       tools.Risk `json:"risk"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
}

// ChangeSet groups the file changes produced by one step.
type ChangeSet struct {
	ID        string       `json:"id"`
	StepID    string       `json:"step_id,omitempty"`
	Files     []FileChange `json:"files"`
	Risk      tools.Risk   `json:"risk"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
}

// Empty reports whether the change set changes nothing.
func (cs *ChangeSet) Empty() bool { return cs == nil || len(cs.Files) == 0 }

// Paths lists the files in the change set.
func (cs *ChangeSet) Paths() []string {
	out := make([]string, 0, len(cs.Files))
	for _, f := range cs.Files {
		out = append(out, f.Path)
	}
	return out
}

// File returns the change for path.
func (cs *ChangeSet) File(path string) (FileChange, bool) {
	for _, f := range cs.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileChange{}, false
}

// Hash is the hex sha256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Build computes a change set from dry-run effects. Hunks are indexed per
// file in file order and stay valid for the whole review.
func Build(effects []sandbox.Effect) *ChangeSet {
	cs := &ChangeSet{ID: uuid.NewString(), Risk: tools.RiskSafe}
	for _, e := range effects {
		fc := Between(e.Path, e.Before, e.Content)
		fc.Op = e.Op
		switch e.Op {
		case sandbox.OpDelete:
			fc.After = nil
			fc.Risk = tools.RiskDangerous
		case sandbox.OpCreate:
			fc.Before = nil
			fc.BeforeHash = ""
			fc.Risk = tools.RiskRequiresApproval
		default:
			fc.Risk = tools.RiskRequiresApproval
		}
		cs.Files = append(cs.Files, fc)
		cs.Risk = cs.Risk.Max(fc.Risk)
		cs.Additions += fc.Additions
		cs.Deletions += fc.Deletions
	}
	return cs
}

// Between diffs two versions of path. It is used for dry-run effects and
// for comparing a checkpoint with the current workspace.
func Between(path string, before, after []byte) FileChange {
	fc := FileChange{
		Path:   path,
		Op:     sandbox.OpModify,
		Before: bytes.Clone(before),
		After:  bytes.Clone(after),
		Risk:   tools.RiskRequiresApproval,
	}
	if before != nil {
		fc.BeforeHash = Hash(before)
	}
	switch {
	case before == nil && after != nil:
		fc.Op = sandbox.OpCreate
	case before != nil && after == nil:
		fc.Op = sandbox.OpDelete
	}
	if bytes.Equal(before, after) {
		return fc
	}
	if isBinary(before) || isBinary(after) {
		fc.Binary = true
		return fc
	}

	a, b := SplitLines(string(before)), SplitLines(string(after))
	groups := difflib.NewMatcher(a, b).GetGroupedOpCodes(ContextLines)
	for _, group := range groups {
		if !hasChange(group) {
			continue
		}
		first, last := group[0], group[len(group)-1]
		h := Hunk{
			Index:    len(fc.Hunks),
			OldStart: first.I1,
			OldLines: last.I2 - first.I1,
			NewStart: first.J1,
			NewLines: last.J2 - first.J1,
		}
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, l := range a[op.I1:op.I2] {
					h.Lines = append(h.Lines, Line{Kind: LineContext, Text: l})
				}
			case 'd', 'r':
				for _, l := range a[op.I1:op.I2] {
					h.Lines = append(h.Lines, Line{Kind: LineDelete, Text: l})
					fc.Deletions++
				}
			}
			if op.Tag == 'i' || op.Tag == 'r' {
				for _, l := range b[op.J1:op.J2] {
					h.Lines = append(h.Lines, Line{Kind: LineAdd, Text: l})
					fc.Additions++
				}
			}
		}
		fc.Hunks = append(fc.Hunks, h)
	}
	return fc
}

func hasChange(group []difflib.OpCode) bool {
	for _, op := range group {
		if op.Tag != 'e' {
			return true
		}
	}
	return false
}

// SplitLines splits s into lines that keep their "\n". A final line
// without a newline is kept as is.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func isBinary(b []byte) bool {
	n := min(len(b), 8000)
	return bytes.IndexByte(b[:n], 0) >= 0
}
