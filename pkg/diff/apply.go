package diff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

var ErrApplyConflict = errors.New("apply conflict")

// ConflictError reports a file whose current content no longer matches
// the change set. The file is left untouched.
type ConflictError struct {
	Path   string
	Hunk   int
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Hunk >= 0 {
		return fmt.Sprintf("apply conflict in %s hunk %d: %s", e.Path, e.Hunk, e.Reason)
	}
	return fmt.Sprintf("apply conflict in %s: %s", e.Path, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrApplyConflict }

// Selection maps a path to the hunk indexes to apply. A nil Selection
// applies everything; a path missing from a non-nil Selection is skipped.
type Selection map[string][]int

// All reports whether every hunk of every file is selected.
func (s Selection) All() bool { return s == nil }

func (s Selection) covers(fc FileChange) (selected func(int) bool, whole, some bool) {
	if s == nil {
		return func(int) bool { return true }, true, true
	}
	idx, ok := s[fc.Path]
	if !ok {
		return func(int) bool { return false }, false, false
	}
	if len(fc.Hunks) == 0 {
		// Files without hunks (binary, delete of empty) apply as a unit.
		return func(int) bool { return true }, true, true
	}
	sel := func(i int) bool { return slices.Contains(idx, i) }
	count := 0
	for _, h := range fc.Hunks {
		if sel(h.Index) {
			count++
		}
	}
	return sel, count == len(fc.Hunks), count > 0
}

// ApplyResult reports what happened to each file.
type ApplyResult struct {
	Applied   []string         `json:"applied"`
	Unchanged []string         `json:"unchanged,omitempty"`
	Skipped   []string         `json:"skipped,omitempty"`
	Conflicts []*ConflictError `json:"-"`
	Failed    map[string]error `json:"-"`
}

// OK reports whether nothing conflicted or failed.
func (r ApplyResult) OK() bool { return len(r.Conflicts) == 0 && len(r.Failed) == 0 }

// Err joins every conflict and failure.
func (r ApplyResult) Err() error {
	var errs []error
	for _, c := range r.Conflicts {
		errs = append(errs, c)
	}
	for path, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return errors.Join(errs...)
}

// Touched lists files that were written or removed.
func (r ApplyResult) Touched() []string { return r.Applied }

// Apply writes the selected hunks of cs to fsys. Each file is applied
// completely or not at all. Hunks only apply to the content the change set
// was built from; files already in their target state are reported as
// unchanged, so applying the same selection twice is harmless.
func Apply(ctx context.Context, fsys sandbox.FS, cs *ChangeSet, sel Selection) ApplyResult {
	res := ApplyResult{Failed: map[string]error{}}
	if cs == nil {
		return res
	}
	for _, fc := range cs.Files {
		if err := ctx.Err(); err != nil {
			res.Failed[fc.Path] = err
			continue
		}
		selected, whole, some := sel.covers(fc)
		if !some {
			res.Skipped = append(res.Skipped, fc.Path)
			continue
		}
		current, exists, err := readCurrent(fsys, fc.Path)
		if err != nil {
			res.Failed[fc.Path] = err
			continue
		}

		switch {
		case fc.Op == sandbox.OpDelete:
			if !whole {
				res.Skipped = append(res.Skipped, fc.Path)
				continue
			}
			if !exists {
				res.Unchanged = append(res.Unchanged, fc.Path)
				continue
			}
			if Hash(current) != fc.BeforeHash {
				res.Conflicts = append(res.Conflicts, &ConflictError{Path: fc.Path, Hunk: -1, Reason: "file changed since preview"})
				continue
			}
			if err := fsys.Remove(fc.Path); err != nil {
				res.Failed[fc.Path] = err
				continue
			}
			res.Applied = append(res.Applied, fc.Path)
			continue

		case whole && exists && bytes.Equal(current, fc.After):
			res.Unchanged = append(res.Unchanged, fc.Path)
			continue

		case fc.Op == sandbox.OpCreate && exists:
			res.Conflicts = append(res.Conflicts, &ConflictError{Path: fc.Path, Hunk: -1, Reason: "file already exists"})
			continue

		case fc.Op == sandbox.OpModify && !exists:
			res.Conflicts = append(res.Conflicts, &ConflictError{Path: fc.Path, Hunk: -1, Reason: "file no longer exists"})
			continue
		}

		var target []byte
		if fc.Binary || len(fc.Hunks) == 0 {
			if exists && Hash(current) != fc.BeforeHash {
				res.Conflicts = append(res.Conflicts, &ConflictError{Path: fc.Path, Hunk: -1, Reason: "file changed since preview"})
				continue
			}
			target = fc.After
		} else if exists && Hash(current) != fc.BeforeHash {
			// The file moved off the previewed base. It is only in order if
			// it already holds exactly what this selection would produce.
			want, cerr := applyHunks(fc, SplitLines(string(fc.Before)), selected)
			if cerr == nil && bytes.Equal(current, []byte(strings.Join(want, ""))) {
				res.Unchanged = append(res.Unchanged, fc.Path)
				continue
			}
			if _, cerr = applyHunks(fc, SplitLines(string(current)), selected); cerr == nil {
				cerr = &ConflictError{Path: fc.Path, Hunk: -1, Reason: "file changed since preview"}
			}
			res.Conflicts = append(res.Conflicts, cerr)
			continue
		} else {
			out, cerr := applyHunks(fc, SplitLines(string(current)), selected)
			if cerr != nil {
				res.Conflicts = append(res.Conflicts, cerr)
				continue
			}
			target = []byte(strings.Join(out, ""))
		}

		if exists && bytes.Equal(current, target) {
			res.Unchanged = append(res.Unchanged, fc.Path)
			continue
		}
		if err := fsys.WriteFile(fc.Path, target, 0o644); err != nil {
			res.Failed[fc.Path] = err
			continue
		}
		res.Applied = append(res.Applied, fc.Path)
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res
}

func readCurrent(fsys sandbox.FS, path string) ([]byte, bool, error) {
	data, err := fsys.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// applyHunks replaces the old side of each selected hunk with its new side.
// Hunks must match the current lines exactly at their recorded position.
func applyHunks(fc FileChange, cur []string, selected func(int) bool) ([]string, *ConflictError) {
	out := make([]string, 0, len(cur))
	pos := 0
	for _, h := range fc.Hunks {
		if !selected(h.Index) {
			continue
		}
		old := h.oldLines()
		end := h.OldStart + len(old)
		if h.OldStart < pos || end > len(cur) || !slices.Equal(cur[h.OldStart:end], old) {
			return nil, &ConflictError{Path: fc.Path, Hunk: h.Index, Reason: "hunk does not match current content"}
		}
		out = append(out, cur[pos:h.OldStart]...)
		out = append(out, h.newLines()...)
		pos = end
	}
	return append(out, cur[pos:]...), nil
}
