package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aixgo-dev/steward/pkg/diff"
	"github.com/aixgo-dev/steward/pkg/safety"
)

var ErrBadSelection = errors.New("invalid selection")

// ParseReview reads a reply to a change-set review. yes or always accepts
// everything and returns a nil Selection; no or never rejects. Anything
// else is a selection, optionally prefixed with "apply" or "select":
//
//	src/auth.py            every hunk of one file
//	src/auth.py:1,3        hunks 1 and 3 of one file
//	1,3                    hunks 1 and 3 when only one file changed
//
// Entries are separated by spaces or semicolons. Hunks are numbered from 1
// in the order the diff shows them.
func ParseReview(reply string, cs *diff.ChangeSet) (diff.Selection, bool, error) {
	if a, ok := safety.ParseAnswer(reply); ok {
		return nil, a == safety.AnswerYes || a == safety.AnswerAlways, nil
	}

	fields := strings.FieldsFunc(strings.TrimSpace(reply), func(r rune) bool {
		return r == ' ' || r == ';' || r == '\t'
	})
	if len(fields) > 0 && (strings.EqualFold(fields[0], "apply") || strings.EqualFold(fields[0], "select")) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil, false, fmt.Errorf("%w: answer yes, no, or name files and hunks", ErrBadSelection)
	}

	sel := diff.Selection{}
	for _, f := range fields {
		path, hunks, err := parseEntry(f, cs)
		if err != nil {
			return nil, false, err
		}
		if hunks == nil {
			sel[path] = allHunks(cs, path)
			continue
		}
		for _, h := range hunks {
			if !slices.Contains(sel[path], h) {
				sel[path] = append(sel[path], h)
			}
		}
	}
	for p := range sel {
		slices.Sort(sel[p])
	}
	return sel, true, nil
}

// parseEntry returns the file and its 0-based hunk indexes. nil hunks
// mean the whole file.
func parseEntry(entry string, cs *diff.ChangeSet) (string, []int, error) {
	path, list, hasList := strings.Cut(entry, ":")
	if !hasList {
		if _, ok := cs.File(entry); ok {
			return entry, nil, nil
		}
		if len(cs.Files) != 1 || !isIndexList(entry) {
			return "", nil, fmt.Errorf("%w: %q is not a changed file", ErrBadSelection, entry)
		}
		path, list = cs.Files[0].Path, entry
	}

	fc, ok := cs.File(path)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q is not a changed file", ErrBadSelection, path)
	}
	var out []int
	for _, s := range strings.Split(list, ",") {
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(fc.Hunks) {
			return "", nil, fmt.Errorf("%w: %s has hunks 1 to %d, not %q", ErrBadSelection, path, len(fc.Hunks), s)
		}
		out = append(out, fc.Hunks[n-1].Index)
	}
	if len(out) == 0 {
		return "", nil, fmt.Errorf("%w: no hunks given for %s", ErrBadSelection, path)
	}
	return path, out, nil
}

func isIndexList(s string) bool {
	return s != "" && strings.Trim(s, "0123456789,") == ""
}

func allHunks(cs *diff.ChangeSet, path string) []int {
	fc, _ := cs.File(path)
	out := make([]int, 0, len(fc.Hunks))
	for _, h := range fc.Hunks {
		out = append(out, h.Index)
	}
	return out
}
