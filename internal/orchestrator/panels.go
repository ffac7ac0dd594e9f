package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/diff"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/tools"
)

const maxOutput = 4000

func describeKind(k intent.Kind) string {
	switch k {
	case intent.Question:
		return "a question"
	case intent.Task:
		return "a task"
	case intent.CodeEdit:
		return "a code edit"
	case intent.Plan:
		return "a request for a plan"
	case intent.Meta:
		return "a command"
	}
	return "something else"
}

func clarifyPanel(in intent.Intent) render.Panel {
	var b strings.Builder
	b.WriteString("I'm not sure what you want.")
	if in.Kind != intent.Unknown {
		fmt.Fprintf(&b, " It looks like %s (%.0f%%).", describeKind(in.Kind), in.Confidence*100)
	}
	for _, alt := range in.Alternatives {
		fmt.Fprintf(&b, "\nor %s (%.0f%%)", describeKind(alt.Kind), alt.Confidence*100)
	}
	return render.Panel{Kind: render.KindClarify, Title: "Could you clarify?", Body: b.String()}
}

func planPanel(pl *plan.Plan) render.Panel {
	t := &render.Table{Headers: []string{"#", "Step", "Tool", "Risk", "After"}}
	for i, s := range pl.Steps() {
		tool := s.Tool
		if tool == "" {
			tool = "-"
		}
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(i + 1), s.Description, tool, string(s.Risk), strings.Join(s.DependsOn, ","),
		})
	}
	return render.Panel{Kind: render.KindPlan, Title: "Plan: " + pl.Goal, Risk: pl.Risk(), Table: t}
}

func resultPanel(step plan.Step, res tools.ToolResult) render.Panel {
	p := render.Panel{
		Kind:  render.KindToolResult,
		Title: fmt.Sprintf("%s %s: %s (%s)", step.ID, step.Tool, res.Status, res.Duration.Round(time.Millisecond)),
		Body:  truncate(res.Output),
	}
	if !res.OK() {
		p.Kind = render.KindError
		p.Body = fmt.Sprintf("%s: %s", res.ErrorKind, res.Error)
	}
	return p
}

func consentPanel(req safety.ConsentRequest, timeout time.Duration) render.Panel {
	var b strings.Builder
	b.WriteString(req.Description)
	if len(req.Paths) > 0 {
		fmt.Fprintf(&b, "\nFiles: %s", strings.Join(req.Paths, ", "))
	}
	fmt.Fprintf(&b, "\nAllow? [yes/no/always/never] (denied after %s)", timeout)
	return render.Panel{
		Kind:  render.KindConsent,
		Title: "Run " + req.Tool + "?",
		Body:  b.String(),
		Risk:  req.Risk,
	}
}

func diffPanel(cs *diff.ChangeSet) render.Panel {
	return render.Panel{Kind: render.KindDiff, Title: cs.Summary(), Body: cs.Unified(), Risk: cs.Risk}
}

func reviewPanel(cs *diff.ChangeSet) render.Panel {
	t := &render.Table{Headers: []string{"File", "Change", "Hunks"}}
	for _, f := range cs.Files {
		t.Rows = append(t.Rows, []string{f.Path, string(f.Op), strconv.Itoa(len(f.Hunks))})
	}
	return render.Panel{
		Kind:  render.KindReview,
		Title: "Apply these changes?",
		Body:  "yes applies everything, no discards. To apply part: path, path:1,3 or 1,3 for a single file.",
		Risk:  cs.Risk,
		Table: t,
	}
}

func applyPanel(cs *diff.ChangeSet, res diff.ApplyResult) render.Panel {
	t := &render.Table{Headers: []string{"File", "Result"}}
	for _, p := range res.Applied {
		t.Rows = append(t.Rows, []string{p, "applied"})
	}
	for _, p := range res.Unchanged {
		t.Rows = append(t.Rows, []string{p, "unchanged"})
	}
	for _, p := range res.Skipped {
		t.Rows = append(t.Rows, []string{p, "skipped"})
	}
	for _, c := range res.Conflicts {
		t.Rows = append(t.Rows, []string{c.Path, "conflict: " + c.Reason})
	}
	for p, err := range res.Failed {
		t.Rows = append(t.Rows, []string{p, "failed: " + err.Error()})
	}
	p := render.Panel{Kind: render.KindStatus, Title: "Applied " + cs.StepID, Table: t}
	if !res.OK() {
		p.Kind = render.KindError
		p.Title = "Applied " + cs.StepID + " with problems"
	}
	return p
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... (truncated)"
}
