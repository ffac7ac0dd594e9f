package diff

import (
	"fmt"
	"strings"

	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

const noNewline = "\\ No newline at end of file\n"

var opPast = map[sandbox.Op]string{
	sandbox.OpCreate: "created",
	sandbox.OpModify: "modified",
	sandbox.OpDelete: "deleted",
}

// Unified renders the change as a unified diff.
func (fc FileChange) Unified() string {
	var b strings.Builder
	oldName, newName := "a/"+fc.Path, "b/"+fc.Path
	switch fc.Op {
	case sandbox.OpCreate:
		oldName = "/dev/null"
	case sandbox.OpDelete:
		newName = "/dev/null"
	}
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldName, newName)
	if fc.Binary {
		b.WriteString("Binary files differ\n")
		return b.String()
	}
	for _, h := range fc.Hunks {
		b.WriteString(h.Header())
		b.WriteByte('\n')
		for _, l := range h.Lines {
			b.WriteByte(byte(l.Kind))
			b.WriteString(l.Text)
			if !strings.HasSuffix(l.Text, "\n") {
				b.WriteByte('\n')
				b.WriteString(noNewline)
			}
		}
	}
	return b.String()
}

// Unified renders every file of the change set.
func (cs *ChangeSet) Unified() string {
	if cs == nil {
		return ""
	}
	var b strings.Builder
	for _, f := range cs.Files {
		b.WriteString(f.Unified())
	}
	return b.String()
}

// Summary is a one-line description such as
// "2 files changed (1 created, 1 modified), +12 -3".
func (cs *ChangeSet) Summary() string {
	if cs.Empty() {
		return "no changes"
	}
	counts := map[sandbox.Op]int{}
	for _, f := range cs.Files {
		counts[f.Op]++
	}
	var parts []string
	for _, op := range []sandbox.Op{sandbox.OpCreate, sandbox.OpModify, sandbox.OpDelete} {
		if n := counts[op]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, opPast[op]))
		}
	}
	noun := "files"
	if len(cs.Files) == 1 {
		noun = "file"
	}
	return fmt.Sprintf("%d %s changed (%s), +%d -%d", len(cs.Files), noun, strings.Join(parts, ", "), cs.Additions, cs.Deletions)
}

// HunkCount is the total number of hunks across all files.
func (cs *ChangeSet) HunkCount() int {
	n := 0
	for _, f := range cs.Files {
		n += len(f.Hunks)
	}
	return n
}
