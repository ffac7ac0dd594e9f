// Package intent classifies free-text input into an Intent with a
// confidence score and extracted parameters.
package intent

import (
	"cmp"
	"slices"
	"strings"
)

// Kind is the classified purpose of an input.
type Kind string

const (
	Question Kind = "question"
	Task     Kind = "task"
	CodeEdit Kind = "code_edit"
	Plan     Kind = "plan"
	Meta     Kind = "meta"
	Unknown  Kind = "unknown"
)

// Kinds lists the classifiable kinds in tie-break priority order.
var Kinds = []Kind{Meta, CodeEdit, Task, Plan, Question}

// Priority ranks kinds for tie-breaking. Higher wins.
func (k Kind) Priority() int {
	switch k {
	case Meta:
		return 5
	case CodeEdit:
		return 4
	case Task:
		return 3
	case Plan:
		return 2
	case Question:
		return 1
	default:
		return 0
	}
}

// ParseKind normalizes a model- or user-supplied kind name. Unrecognized
// names map to Unknown.
func ParseKind(s string) Kind {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "question", "answer", "chat":
		return Question
	case "task":
		return Task
	case "code_edit", "codeedit", "edit":
		return CodeEdit
	case "plan", "planning":
		return Plan
	case "meta", "command":
		return Meta
	default:
		return Unknown
	}
}

// Alternative is a runner-up classification.
type Alternative struct {
	Kind       Kind    `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Intent is a classification result.
type Intent struct {
	Kind         Kind              `json:"type"`
	Confidence   float64           `json:"confidence"`
	Entities     map[string]string `json:"entities,omitempty"`
	Reasoning    string            `json:"reasoning,omitempty"`
	Alternatives []Alternative     `json:"alternatives,omitempty"`
	// Command is set for Meta intents.
	Command *Command `json:"command,omitempty"`
}

// Entity returns the named entity or "".
func (i Intent) Entity(name string) string { return i.Entities[name] }

// TieBand is the score distance within which candidates are considered tied.
const TieBand = 0.05

// Resolve picks the winner among the primary kind and its alternatives.
// Candidates scoring within TieBand of the best score resolve by Priority.
// The winner keeps its own confidence; the others become Alternatives.
func Resolve(in Intent) Intent {
	cands := make([]Alternative, 0, len(in.Alternatives)+1)
	seen := make(map[Kind]bool)
	add := func(a Alternative) {
		if a.Kind == Unknown || seen[a.Kind] {
			return
		}
		seen[a.Kind] = true
		a.Confidence = clamp(a.Confidence)
		cands = append(cands, a)
	}
	add(Alternative{Kind: in.Kind, Confidence: in.Confidence})
	for _, a := range in.Alternatives {
		add(a)
	}
	if len(cands) == 0 {
		in.Kind = Unknown
		in.Confidence = 0
		in.Alternatives = nil
		return in
	}

	best := slices.MaxFunc(cands, func(a, b Alternative) int { return cmp.Compare(a.Confidence, b.Confidence) }).Confidence
	winner := cands[0]
	for _, c := range cands {
		if best-c.Confidence > TieBand+1e-9 {
			continue
		}
		if winner.Confidence < best-TieBand-1e-9 || c.Kind.Priority() > winner.Kind.Priority() {
			winner = c
		}
	}

	rest := make([]Alternative, 0, len(cands)-1)
	for _, c := range cands {
		if c.Kind != winner.Kind {
			rest = append(rest, c)
		}
	}
	slices.SortStableFunc(rest, func(a, b Alternative) int { return cmp.Compare(b.Confidence, a.Confidence) })

	in.Kind = winner.Kind
	in.Confidence = winner.Confidence
	in.Alternatives = rest
	if len(rest) == 0 {
		in.Alternatives = nil
	}
	return in
}

func clamp(f float64) float64 {
	return min(max(f, 0), 1)
}
