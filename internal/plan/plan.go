// Package plan models the ordered steps that satisfy a task.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/aixgo-dev/steward/internal/graph"
	"github.com/aixgo-dev/steward/pkg/tools"
)

var (
	// ErrPlanFrozen is returned when a frozen plan is modified.
	ErrPlanFrozen = errors.New("plan is frozen")
	// ErrInvalidStep is returned for steps that cannot be scheduled.
	ErrInvalidStep = errors.New("invalid plan step")
)

// Step is one unit of work. A step with DependsOn runs after those steps;
// otherwise it runs after the step before it unless Independent is set.
type Step struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Tool        string       `json:"tool,omitempty"`
	Params      tools.Params `json:"params,omitempty"`
	Risk        tools.Risk   `json:"risk,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Independent bool         `json:"independent,omitempty"`
}

// HasTool reports whether the step runs a tool. Steps without one are
// informational.
func (s Step) HasTool() bool { return s.Tool != "" }

// Plan is an ordered sequence of steps toward Goal. It is mutable until
// Freeze.
type Plan struct {
	ID   string
	Goal string
	// Answer is the direct reply for a plan with no steps.
	Answer string

	steps  []Step
	frozen bool
}

// New creates an empty plan.
func New(goal string, steps ...Step) (*Plan, error) {
	p := &Plan{ID: uuid.NewString(), Goal: goal}
	if err := p.SetSteps(steps); err != nil {
		return nil, err
	}
	return p, nil
}

// Steps returns a copy of the steps in declared order.
func (p *Plan) Steps() []Step { return slices.Clone(p.steps) }

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Empty reports whether the plan has no steps.
func (p *Plan) Empty() bool { return len(p.steps) == 0 }

// Step returns the step with the given ID.
func (p *Plan) Step(id string) (Step, bool) {
	i := slices.IndexFunc(p.steps, func(s Step) bool { return s.ID == id })
	if i < 0 {
		return Step{}, false
	}
	return p.steps[i], true
}

// AddStep appends s, assigning an ID when it has none.
func (p *Plan) AddStep(s Step) error {
	if p.frozen {
		return ErrPlanFrozen
	}
	if s.ID == "" {
		s.ID = fmt.Sprintf("step_%d", len(p.steps)+1)
	}
	if _, dup := p.Step(s.ID); dup {
		return fmt.Errorf("%w: duplicate id %q", ErrInvalidStep, s.ID)
	}
	p.steps = append(p.steps, s)
	return nil
}

// SetSteps replaces all steps.
func (p *Plan) SetSteps(steps []Step) error {
	if p.frozen {
		return ErrPlanFrozen
	}
	prev := p.steps
	p.steps = nil
	for _, s := range steps {
		if err := p.AddStep(s); err != nil {
			p.steps = prev
			return err
		}
	}
	return nil
}

// Freeze makes the plan immutable. It validates first; an invalid plan
// stays mutable.
func (p *Plan) Freeze() error {
	if p.frozen {
		return nil
	}
	if _, err := p.graph(); err != nil {
		return err
	}
	p.frozen = true
	return nil
}

// Frozen reports whether Freeze succeeded.
func (p *Plan) Frozen() bool { return p.frozen }

// Validate checks that every dependency is known and acyclic.
func (p *Plan) Validate() error {
	_, err := p.graph()
	return err
}

// Levels groups steps into execution levels. Steps in one level may run
// concurrently; a level starts only after the previous one finished.
func (p *Plan) Levels() ([][]Step, error) {
	g, err := p.graph()
	if err != nil {
		return nil, err
	}
	ids, err := g.TopologicalLevels()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStep, err)
	}
	levels := make([][]Step, len(ids))
	for i, level := range ids {
		for _, id := range level {
			s, _ := p.Step(id)
			levels[i] = append(levels[i], s)
		}
	}
	return levels, nil
}

// Dependents returns the steps that must abort when id fails.
func (p *Plan) Dependents(id string) []string {
	g, err := p.graph()
	if err != nil {
		return nil
	}
	return g.Dependents(id)
}

// Dependencies returns the effective dependencies of each step, including
// the implicit dependency on the previous step.
func (p *Plan) Dependencies() map[string][]string {
	out := make(map[string][]string, len(p.steps))
	for i, s := range p.steps {
		out[s.ID] = effectiveDeps(p.steps, i)
	}
	return out
}

func effectiveDeps(steps []Step, i int) []string {
	s := steps[i]
	deps := slices.Clone(s.DependsOn)
	if len(deps) == 0 && !s.Independent && i > 0 {
		deps = []string{steps[i-1].ID}
	}
	return deps
}

func (p *Plan) graph() (*graph.DependencyGraph, error) {
	g := graph.NewDependencyGraph()
	for i := range p.steps {
		if err := g.AddNode(p.steps[i].ID, effectiveDeps(p.steps, i)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStep, err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStep, err)
	}
	return g, nil
}

// Risk is the highest declared risk among the steps.
func (p *Plan) Risk() tools.Risk {
	r := tools.RiskSafe
	for _, s := range p.steps {
		if s.Risk != "" {
			r = r.Max(s.Risk)
		}
	}
	return r
}

type planJSON struct {
	ID     string `json:"id"`
	Goal   string `json:"goal"`
	Answer string `json:"answer,omitempty"`
	Steps  []Step `json:"steps"`
	Frozen bool   `json:"frozen"`
}

func (p *Plan) MarshalJSON() ([]byte, error) {
	steps := p.steps
	if steps == nil {
		steps = []Step{}
	}
	return json.Marshal(planJSON{ID: p.ID, Goal: p.Goal, Answer: p.Answer, Steps: steps, Frozen: p.frozen})
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	var raw planJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Plan{ID: raw.ID, Goal: raw.Goal, Answer: raw.Answer, steps: raw.Steps, frozen: raw.Frozen}
	return nil
}
