package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// StepRequest asks the executor to run one plan step. Env travels with
// the event in-process and is never serialized.
type StepRequest struct {
	SessionID string         `json:"session_id"`
	Step      plan.Step      `json:"step"`
	Call      tools.ToolCall `json:"call"`
	Env       tools.Env      `json:"-"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// StepResult is the payload of the step.* replies.
type StepResult struct {
	SessionID string           `json:"session_id"`
	StepID    string           `json:"step_id"`
	Result    tools.ToolResult `json:"result"`
}

// ExecutorOptions configures an Executor agent.
type ExecutorOptions struct {
	Name     string
	Executor *tools.Executor
	Logger   *zap.Logger
}

// Executor runs plan steps through the sandboxed tool executor. Each step
// runs against its own overlay on top of Env.FS; the step's writes reach
// Env.FS only when it succeeds.
type Executor struct {
	*BaseAgent
	exec *tools.Executor
}

func NewExecutor(bus *eventbus.Bus, opts ExecutorOptions) *Executor {
	return &Executor{
		BaseAgent: NewBaseAgent(opts.Name, RoleExecutor, bus, opts.Logger),
		exec:      opts.Executor,
	}
}

func (x *Executor) Start(ctx context.Context) error {
	if x.exec == nil {
		return errors.New("executor agent: no tool executor")
	}
	if err := x.begin(ctx); err != nil {
		return err
	}
	x.cancellable()
	x.subscribe(eventbus.SubscribeFunc(x.bus, eventbus.KindStepRequested, x.handle))
	return nil
}

func (x *Executor) handle(_ context.Context, e eventbus.Event, req StepRequest) error {
	x.spawn(e, func(ctx context.Context) {
		x.publish(ctx, e.Reply(eventbus.KindStepStarted, x.name, StepResult{SessionID: req.SessionID, StepID: req.Step.ID}))

		res := x.Run(ctx, req)
		out := StepResult{SessionID: req.SessionID, StepID: req.Step.ID, Result: res}
		if res.OK() {
			x.publish(ctx, e.Reply(eventbus.KindToolExecuted, x.name, res))
			x.publish(ctx, e.Reply(eventbus.KindStepCompleted, x.name, out))
			return
		}
		x.publish(ctx, e.Reply(eventbus.KindToolFailed, x.name, res))
		x.publish(ctx, e.Reply(eventbus.KindStepFailed, x.name, out))
	})
	return nil
}

// Run executes req synchronously and returns the tool result with the
// step's file effects.
func (x *Executor) Run(ctx context.Context, req StepRequest) tools.ToolResult {
	call := req.Call
	if call.ID == "" {
		call.ID = req.Step.ID
	}
	if call.StepID == "" {
		call.StepID = req.Step.ID
	}

	env := req.Env
	var stage *sandbox.Overlay
	if env.FS != nil {
		stage = sandbox.NewOverlay(env.FS)
		env.FS = stage
	}

	res := x.exec.Execute(ctx, call, env, req.Timeout)
	if stage == nil {
		return res
	}
	if !res.OK() {
		stage.Discard()
		return res
	}

	effects, err := stage.Effects()
	if err == nil {
		err = commit(req.Env.FS, effects)
	}
	if err != nil {
		x.logger.Warn("step effects not recorded", zap.String("step", req.Step.ID), zap.Error(err))
		res.Status = tools.StatusFailure
		res.ErrorKind = tools.KindRuntimeFailure
		res.Error = fmt.Sprintf("record effects: %v", err)
		return res
	}
	res.Effects = effects
	return res
}

func commit(fsys sandbox.FS, effects []sandbox.Effect) error {
	for _, e := range effects {
		var err error
		if e.Op == sandbox.OpDelete {
			err = fsys.Remove(e.Path)
		} else {
			err = fsys.WriteFile(e.Path, e.Content, 0o644)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", e.Op, e.Path, err)
		}
	}
	return nil
}
