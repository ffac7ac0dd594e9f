package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/memory"
	"github.com/aixgo-dev/steward/pkg/tools"
)

// DefaultMaxSteps bounds the plans the planner accepts from a model.
const DefaultMaxSteps = 20

// ErrInvalidPlan is returned when a model's plan cannot be used.
var ErrInvalidPlan = errors.New("invalid plan")

const plannerPrompt = `You plan work for a terminal coding assistant.
Break the goal into the smallest sequence of tool calls that achieves it.
Use only the tools listed. Steps run in order; set "independent": true on a
step that does not need the step before it, or list its prerequisites in
"depends_on". If no tool is needed, return no steps and put the reply in
"answer".

Respond with one JSON object:
{"goal": "...", "answer": "...", "steps": [{"id": "step_1", "description": "...", "tool": "...", "params": {}, "depends_on": [], "independent": false, "risk": "safe|requires_approval|dangerous"}]}`

// PlanRequest asks the planner for a plan.
type PlanRequest struct {
	SessionID string        `json:"session_id"`
	Goal      string        `json:"goal"`
	Intent    intent.Intent `json:"intent"`
	// Recent holds earlier inputs of the session, oldest first.
	Recent []string `json:"recent,omitempty"`
}

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	Name string
	// Provider drafts plans. Without one the planner falls back to a
	// single read-only step derived from the intent.
	Provider llm.Provider
	Model    string
	Registry *tools.Registry
	// Memory, when set, adds related earlier turns to the prompt.
	Memory   memory.Store
	MaxSteps int
	Logger   *zap.Logger
}

// Planner turns a goal into a Plan. It answers KindPlanRequested with
// KindPlanCreated or KindPlanFailed.
type Planner struct {
	*BaseAgent
	provider llm.Provider
	model    string
	registry *tools.Registry
	memory   memory.Store
	maxSteps int
}

func NewPlanner(bus *eventbus.Bus, opts PlannerOptions) *Planner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Planner{
		BaseAgent: NewBaseAgent(opts.Name, RolePlanner, bus, opts.Logger),
		provider:  opts.Provider,
		model:     opts.Model,
		registry:  opts.Registry,
		memory:    opts.Memory,
		maxSteps:  opts.MaxSteps,
	}
}

func (p *Planner) Start(ctx context.Context) error {
	if err := p.begin(ctx); err != nil {
		return err
	}
	p.cancellable()
	p.subscribe(eventbus.SubscribeFunc(p.bus, eventbus.KindPlanRequested, p.handle))
	return nil
}

func (p *Planner) handle(_ context.Context, e eventbus.Event, req PlanRequest) error {
	p.spawn(e, func(ctx context.Context) {
		pl, err := p.Plan(ctx, req)
		if err != nil {
			p.publish(ctx, e.Reply(eventbus.KindPlanFailed, p.name, Failure{Error: err.Error()}))
			return
		}
		p.publish(ctx, e.Reply(eventbus.KindPlanCreated, p.name, pl))
	})
	return nil
}

// Plan builds a plan for req. A model failure falls back to the
// deterministic plan; a model plan that names unknown tools or has
// unschedulable steps is an error.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (pl *plan.Plan, err error) {
	ctx, span := observability.StartSpan(ctx, "agents.plan",
		attribute.String("session.id", req.SessionID),
		attribute.String("intent", string(req.Intent.Kind)))
	defer func() {
		if pl != nil {
			span.SetAttributes(attribute.Int("steps", pl.Len()))
		}
		observability.EndSpan(span, err)
	}()

	if p.provider == nil {
		return p.fallback(req)
	}
	resp, err := p.provider.Complete(ctx, p.request(ctx, req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("planning failed, using fallback plan", zap.String("provider", p.provider.Name()), zap.Error(err))
		return p.fallback(req)
	}
	pl, err = p.decode(req.Goal, resp.Content)
	if err != nil {
		return nil, err
	}
	p.logger.Info("plan created",
		zap.String("session", req.SessionID),
		zap.Int("steps", pl.Len()),
		zap.String("risk", string(pl.Risk())))
	return pl, nil
}

func (p *Planner) request(ctx context.Context, req PlanRequest) llm.Request {
	var b strings.Builder
	b.WriteString("Tools:\n")
	if p.registry != nil {
		for _, d := range p.registry.List() {
			params := make([]string, 0, len(d.Params))
			for _, name := range slices.Sorted(maps.Keys(d.Params)) {
				if d.Params[name].Required {
					name += "*"
				}
				params = append(params, name)
			}
			fmt.Fprintf(&b, "- %s (%s): %s [params: %s]\n", d.Name, d.Risk, d.Description, strings.Join(params, ", "))
		}
	}
	for _, r := range req.Recent {
		fmt.Fprintf(&b, "Earlier input: %q\n", r)
	}
	for _, m := range p.related(ctx, req) {
		fmt.Fprintf(&b, "Related: %q\n", m)
	}
	for _, k := range slices.Sorted(maps.Keys(req.Intent.Entities)) {
		fmt.Fprintf(&b, "Entity %s: %q\n", k, req.Intent.Entities[k])
	}
	fmt.Fprintf(&b, "Goal (%s): %q", req.Intent.Kind, req.Goal)

	return llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Model:       p.model,
		Temperature: 0.2,
		MaxTokens:   2000,
		JSON:        true,
	}.System(plannerPrompt)
}

func (p *Planner) related(ctx context.Context, req PlanRequest) []string {
	if p.memory == nil {
		return nil
	}
	results, err := p.memory.Search(ctx, req.Goal, 3, memory.Filters{SessionID: req.SessionID, MinScore: 0.2})
	if err != nil {
		p.logger.Debug("memory search failed", zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Item.Content)
	}
	return out
}

type draftStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	DependsOn   []string       `json:"depends_on"`
	Independent bool           `json:"independent"`
	Risk        string         `json:"risk"`
}

type draftPlan struct {
	Goal   string      `json:"goal"`
	Answer string      `json:"answer"`
	Steps  []draftStep `json:"steps"`
}

func (p *Planner) decode(goal, content string) (*plan.Plan, error) {
	raw := content
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		raw = content[start : end+1]
	}
	var d draftPlan
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidPlan, err)
	}
	if len(d.Steps) > p.maxSteps {
		return nil, fmt.Errorf("%w: %d steps exceeds limit of %d", ErrInvalidPlan, len(d.Steps), p.maxSteps)
	}

	steps := make([]plan.Step, 0, len(d.Steps))
	for i, ds := range d.Steps {
		s := plan.Step{
			ID:          ds.ID,
			Description: ds.Description,
			Tool:        ds.Tool,
			Params:      tools.Params(ds.Params),
			DependsOn:   ds.DependsOn,
			Independent: ds.Independent,
			Risk:        tools.Risk(ds.Risk),
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", i+1)
		}
		if !s.Risk.Valid() {
			s.Risk = tools.RiskSafe
		}
		if s.HasTool() && p.registry != nil {
			t, ok := p.registry.Get(s.Tool)
			if !ok {
				return nil, fmt.Errorf("%w: step %s: %w: %s", ErrInvalidPlan, s.ID, tools.ErrUnknownTool, s.Tool)
			}
			s.Risk = t.Risk.Max(s.Risk)
		}
		steps = append(steps, s)
	}

	if d.Goal == "" {
		d.Goal = goal
	}
	pl, err := plan.New(d.Goal, steps...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if err := pl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	pl.Answer = d.Answer
	return pl, nil
}

// fallback reads the file the intent names, or lists the workspace.
func (p *Planner) fallback(req PlanRequest) (*plan.Plan, error) {
	step := plan.Step{ID: "step_1", Description: "List workspace files", Tool: "list_files", Params: tools.Params{"path": "."}}
	if path := req.Intent.Entity("path"); path != "" {
		step = plan.Step{ID: "step_1", Description: "Read " + path, Tool: "read_file", Params: tools.Params{"path": path}}
	}
	if p.registry != nil {
		t, ok := p.registry.Get(step.Tool)
		if !ok {
			return plan.New(req.Goal)
		}
		step.Risk = t.Risk
	}
	return plan.New(req.Goal, step)
}
