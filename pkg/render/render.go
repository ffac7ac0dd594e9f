// Package render turns structured panels into terminal output.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/aixgo-dev/steward/pkg/tools"
)

// Kind selects how a panel is drawn.
type Kind string

const (
	KindAnswer     Kind = "answer"
	KindPlan       Kind = "plan"
	KindDiff       Kind = "diff"
	KindConsent    Kind = "consent"
	KindReview     Kind = "review"
	KindClarify    Kind = "clarify"
	KindCheckpoint Kind = "checkpoint"
	KindToolResult Kind = "tool_result"
	KindStatus     Kind = "status"
	KindError      Kind = "error"
)

// Table is optional tabular content under the panel body.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Panel is one unit of display.
type Panel struct {
	Kind  Kind
	Title string
	Body  string
	// Risk annotates panels about side effects; empty means none.
	Risk  tools.Risk
	Table *Table
}

// Renderer displays panels. The core logs Render errors and carries on.
type Renderer interface {
	Render(p Panel) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Panel) error

func (f RendererFunc) Render(p Panel) error { return f(p) }

var (
	titleColor   = color.New(color.Bold, color.FgHiCyan)
	errorColor   = color.New(color.Bold, color.FgHiRed)
	warnColor    = color.New(color.Bold, color.FgHiYellow)
	addColor     = color.New(color.FgHiGreen)
	delColor     = color.New(color.FgHiRed)
	hunkColor    = color.New(color.FgHiCyan)
	dimColor     = color.New(color.Faint)
	successColor = color.New(color.FgHiGreen)
)

// TerminalRenderer writes colored panels to a writer.
type TerminalRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminalRenderer writes to out, or stdout when nil.
func NewTerminalRenderer(out io.Writer) *TerminalRenderer {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalRenderer{out: out}
}

func (r *TerminalRenderer) Render(p Panel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	if p.Title != "" {
		b.WriteString(r.title(p))
		b.WriteByte('\n')
	}
	if p.Body != "" {
		if p.Kind == KindDiff || p.Kind == KindReview {
			b.WriteString(colorDiff(p.Body))
		} else {
			b.WriteString(p.Body)
		}
		if !strings.HasSuffix(p.Body, "\n") {
			b.WriteByte('\n')
		}
	}
	if _, err := io.WriteString(r.out, b.String()); err != nil {
		return fmt.Errorf("render %s panel: %w", p.Kind, err)
	}
	if p.Table != nil && len(p.Table.Rows) > 0 {
		if err := r.table(p.Table); err != nil {
			return fmt.Errorf("render %s table: %w", p.Kind, err)
		}
	}
	return nil
}

func (r *TerminalRenderer) title(p Panel) string {
	c := titleColor
	prefix := ""
	switch p.Kind {
	case KindError:
		c, prefix = errorColor, "✗ "
	case KindConsent:
		c, prefix = warnColor, "⚠ "
	case KindCheckpoint:
		c, prefix = successColor, "✓ "
	}
	s := c.Sprint(prefix + p.Title)
	if p.Risk != "" {
		s += " " + riskLabel(p.Risk)
	}
	return s
}

func (r *TerminalRenderer) table(t *Table) error {
	table := tablewriter.NewTable(r.out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(t.Headers)
	for _, row := range t.Rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func riskLabel(r tools.Risk) string {
	switch r {
	case tools.RiskDangerous:
		return errorColor.Sprint("[dangerous]")
	case tools.RiskRequiresApproval:
		return warnColor.Sprint("[requires approval]")
	default:
		return dimColor.Sprint("[safe]")
	}
}

func colorDiff(body string) string {
	lines := strings.SplitAfter(body, "\n")
	var b strings.Builder
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
			b.WriteString(dimColor.Sprint(l))
		case strings.HasPrefix(l, "@@"):
			b.WriteString(hunkColor.Sprint(l))
		case strings.HasPrefix(l, "+"):
			b.WriteString(addColor.Sprint(l))
		case strings.HasPrefix(l, "-"):
			b.WriteString(delColor.Sprint(l))
		default:
			b.WriteString(l)
		}
	}
	return b.String()
}

// Recorder keeps every panel it is given. It is used by tests and
// headless runs.
type Recorder struct {
	mu     sync.Mutex
	panels []Panel
}

func (r *Recorder) Render(p Panel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panels = append(r.panels, p)
	return nil
}

// Panels returns a copy of the recorded panels.
func (r *Recorder) Panels() []Panel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Panel(nil), r.panels...)
}

// OfKind returns the recorded panels of kind k.
func (r *Recorder) OfKind(k Kind) []Panel {
	var out []Panel
	for _, p := range r.Panels() {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}
