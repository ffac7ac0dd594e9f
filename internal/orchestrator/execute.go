package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/steward/internal/agents"
	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/checkpoint"
	"github.com/aixgo-dev/steward/pkg/diff"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// TagPostApply marks checkpoints taken after a change set was applied.
const TagPostApply = "post-apply"

// errRejected ends a turn whose change set the user turned down.
var errRejected = errors.New("changes rejected")

// execute runs a frozen plan level by level. Every step of a level is
// authorized before any of them runs; approved steps then run in parallel
// and their changes are reviewed and applied one step at a time in
// declared order.
func (o *Orchestrator) execute(ctx context.Context, tr *turnRun, pl *plan.Plan) error {
	levels, err := pl.Levels()
	if err != nil {
		return err
	}
	aborted := make(map[string]bool)

	for _, level := range levels {
		var approved []plan.Step
		for _, step := range level {
			if aborted[step.ID] {
				continue
			}
			if !step.HasTool() {
				o.show(tr, render.Panel{Kind: render.KindStatus, Title: step.ID, Body: step.Description})
				continue
			}
			if err := o.m.to(ctx, ToolSelection); err != nil {
				return err
			}
			if err := o.m.to(ctx, SafetyCheck); err != nil {
				return err
			}
			if err := o.authorize(ctx, tr, step); err != nil {
				var denied *safety.DeniedError
				if !errors.As(err, &denied) {
					return err
				}
				return o.block(ctx, tr, step, denied)
			}
			approved = append(approved, step)
		}
		if len(approved) == 0 {
			continue
		}

		if err := o.m.to(ctx, Executing); err != nil {
			return err
		}
		if err := o.checkpointExec(ctx, approved); err != nil {
			return err
		}
		results, err := o.runSteps(ctx, approved)
		if err != nil {
			return err
		}
		for i, res := range results {
			tr.turn.ToolResults = append(tr.turn.ToolResults, res)
			o.show(tr, resultPanel(approved[i], res))
			if !res.OK() {
				for _, id := range pl.Dependents(approved[i].ID) {
					aborted[id] = true
				}
			}
		}

		for i, res := range results {
			if !res.OK() || len(res.Effects) == 0 {
				continue
			}
			cs := diff.Build(res.Effects)
			if cs.Empty() {
				continue
			}
			cs.StepID = approved[i].ID
			if err := o.review(ctx, tr, cs); err != nil {
				if errors.Is(err, errRejected) {
					o.show(tr, render.Panel{Kind: render.KindStatus, Title: "Changes discarded",
						Body: "The workspace was not modified. Remaining steps were skipped."})
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// block reports a denied step. The rest of the plan is abandoned.
func (o *Orchestrator) block(ctx context.Context, tr *turnRun, step plan.Step, denied *safety.DeniedError) error {
	if err := o.m.to(ctx, Blocked); err != nil {
		return err
	}
	o.logger.Info("step blocked", zap.String("step", step.ID), zap.String("tool", step.Tool),
		zap.String("rule", string(denied.Rule)))
	o.show(tr, render.Panel{
		Kind:  render.KindError,
		Title: fmt.Sprintf("Blocked: %s (%s)", step.Tool, denied.Rule),
		Body:  denied.Reason + "\nThe remaining steps were not run.",
		Risk:  step.Risk,
	})
	return nil
}

// authorize runs the safety gate for step and resolves consent. A denial,
// including consent that is declined or not given in time, is returned as
// a *safety.DeniedError.
func (o *Orchestrator) authorize(ctx context.Context, tr *turnRun, step plan.Step) error {
	t, ok := o.opts.Registry.Get(step.Tool)
	if !ok {
		return fmt.Errorf("step %s: %w: %s", step.ID, tools.ErrUnknownTool, step.Tool)
	}
	call := tools.ToolCall{Tool: step.Tool, Params: step.Params, StepID: step.ID}
	decision := o.opts.Gate.Authorize(ctx, safety.Request{
		Actor:  safety.Actor{ID: "user", Role: o.opts.Role, SessionID: o.sess.ID},
		Call:   call,
		Tool:   t.Descriptor,
		Risk:   step.Risk,
		Grants: o.opts.Grants,
	})
	o.publish(ctx, eventbus.KindSafetyDecision, SafetyRecord{SessionID: o.sess.ID, StepID: step.ID, Tool: step.Tool, Decision: decision})

	switch decision.Verdict {
	case safety.Allow:
		return nil
	case safety.Deny:
		return decision.Err(step.Tool)
	}

	req := safety.ConsentRequest{
		Tool:        step.Tool,
		Operation:   "run",
		Description: step.Description,
		Risk:        decision.Risk,
		Paths:       decision.Paths,
		Params:      tools.Params(safety.RedactParams(step.Params)),
	}
	record := ConsentRecord{SessionID: o.sess.ID, StepID: step.ID, Request: req}
	o.publish(ctx, eventbus.KindConsentRequested, record)

	granted, err := o.consent.Request(ctx, req, o.prompter(tr))
	record.Granted = granted
	if err != nil {
		record.Error = err.Error()
	}
	o.publish(ctx, eventbus.KindConsentResolved, record)

	switch {
	case errors.Is(err, safety.ErrConsentTimeout):
		return &safety.DeniedError{Tool: step.Tool, Rule: safety.RuleConsent, Reason: err.Error()}
	case err != nil:
		return err
	case !granted:
		return &safety.DeniedError{Tool: step.Tool, Rule: safety.RuleConsent, Reason: "declined by user"}
	}
	return nil
}

// prompter asks for consent through the session's input queue.
func (o *Orchestrator) prompter(tr *turnRun) safety.Prompter {
	return safety.PrompterFunc(func(ctx context.Context, req safety.ConsentRequest) (safety.Answer, error) {
		p := o.prompt()
		o.show(tr, consentPanel(req, o.consent.Timeout()))
		reply, err := p.read(ctx, 0, isAnswer, func(reply string, _ error) {
			o.show(tr, render.Panel{Kind: render.KindConsent, Title: "Answer yes, no, always or never.", Body: queuedNote(reply)})
		})
		if err != nil {
			return "", err
		}
		a, _ := safety.ParseAnswer(reply)
		return a, nil
	})
}

// runSteps sends steps to the executor agent and waits for all of them.
// Each step works on its own overlay of the workspace, so nothing it
// writes is visible outside its result until applied.
func (o *Orchestrator) runSteps(ctx context.Context, steps []plan.Step) ([]tools.ToolResult, error) {
	results := make([]tools.ToolResult, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxParallelTasks)
	for i, step := range steps {
		g.Go(func() error {
			req := agents.StepRequest{
				SessionID: o.sess.ID,
				Step:      step,
				Call:      tools.ToolCall{Tool: step.Tool, Params: step.Params, StepID: step.ID},
				Env:       tools.Env{FS: sandbox.NewOverlay(o.opts.Workspace), Logger: o.logger},
				Timeout:   o.opts.StepTimeout,
			}
			reply, err := o.request(gctx, eventbus.KindStepRequested, req, o.opts.StepTimeout+requestGrace,
				eventbus.KindStepCompleted, eventbus.KindStepFailed)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				results[i] = tools.ToolResult{
					CallID: step.ID, Tool: step.Tool, Status: tools.StatusTimeout,
					ErrorKind: tools.KindTimeout, Error: err.Error(),
				}
				return nil
			}
			out, err := eventbus.Decode[agents.StepResult](reply)
			if err != nil {
				return err
			}
			results[i] = out.Result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// review shows a change set, asks which parts to keep, then applies and
// checkpoints them.
func (o *Orchestrator) review(ctx context.Context, tr *turnRun, cs *diff.ChangeSet) error {
	if err := o.m.to(ctx, DiffPreview); err != nil {
		return err
	}
	o.publish(ctx, eventbus.KindChangeSetBuilt, changeSetRecord(o.sess.ID, cs, nil))
	o.show(tr, diffPanel(cs))

	if err := o.m.to(ctx, UserReview); err != nil {
		return err
	}
	p := o.prompt()
	o.show(tr, reviewPanel(cs))
	reply, err := p.read(ctx, o.opts.AnswerTimeout, func(reply string) error {
		_, _, err := ParseReview(reply, cs)
		return err
	}, func(reply string, err error) {
		o.show(tr, render.Panel{Kind: render.KindReview, Title: "Could not read selection", Body: err.Error() + "\n" + queuedNote(reply)})
	})
	if err != nil {
		return o.answerErr(err)
	}
	sel, accept, _ := ParseReview(reply, cs)
	if !accept {
		return errRejected
	}

	if sel != nil {
		if err := o.m.to(ctx, PartialApply); err != nil {
			return err
		}
	}
	if err := o.m.to(ctx, Applying); err != nil {
		return err
	}
	res, err := o.apply(ctx, cs, sel)
	if err != nil {
		return err
	}
	o.show(tr, applyPanel(cs, res))

	if err := o.m.to(ctx, Checkpointing); err != nil {
		return err
	}
	if len(res.Applied) == 0 {
		return nil
	}
	id, err := o.checkpoint(ctx, checkpoint.CreateOptions{
		Description: "after " + cs.StepID,
		Tags:        []string{TagPostApply},
		Paths:       res.Applied,
	})
	if err != nil {
		o.logger.Warn("post-apply checkpoint failed", zap.Error(err))
		o.show(tr, render.Panel{Kind: render.KindError, Title: "Checkpoint failed", Body: err.Error()})
		return nil
	}
	o.show(tr, render.Panel{Kind: render.KindCheckpoint, Title: "Checkpoint " + id, Body: "Saved after applying changes."})
	return nil
}

// checkpointExec snapshots the session's files before any step whose tool
// can run commands, since those writes bypass change review. Nothing runs
// when the checkpoint cannot be taken.
func (o *Orchestrator) checkpointExec(ctx context.Context, steps []plan.Step) error {
	var ids, paths []string
	for _, step := range steps {
		t, ok := o.opts.Registry.Get(step.Tool)
		if !ok || !t.Descriptor.Capabilities.Exec {
			continue
		}
		ids = append(ids, step.ID)
		if p := step.Params.String("path"); p != "" {
			paths = append(paths, p)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := o.checkpoint(ctx, checkpoint.CreateOptions{
		Description: "before " + strings.Join(ids, ", "),
		Tags:        []string{checkpoint.TagPreExec},
		Paths:       paths,
	}); err != nil {
		return fmt.Errorf("checkpoint before running commands, nothing run: %w", err)
	}
	return nil
}

// apply records a pre-apply checkpoint and writes the selected changes.
// When the checkpoint cannot be taken nothing is written.
func (o *Orchestrator) apply(ctx context.Context, cs *diff.ChangeSet, sel diff.Selection) (diff.ApplyResult, error) {
	if _, err := o.checkpoint(ctx, checkpoint.CreateOptions{
		Description: "before " + cs.StepID,
		Tags:        []string{checkpoint.TagPreApply},
		Paths:       cs.Paths(),
	}); err != nil {
		return diff.ApplyResult{}, fmt.Errorf("checkpoint before apply, nothing written: %w", err)
	}

	res := diff.Apply(ctx, o.opts.Workspace, cs, sel)
	o.touch(res.Applied...)
	o.sess.SetContext(contextUndoBefore, "")
	o.publish(ctx, eventbus.KindChangeSetApplied, changeSetRecord(o.sess.ID, cs, &res))
	if !res.OK() {
		o.logger.Warn("change set applied with errors", zap.String("change_set", cs.ID), zap.Error(res.Err()))
	}
	return res, nil
}

// checkpoint snapshots the session's touched files plus opts.Paths.
func (o *Orchestrator) checkpoint(ctx context.Context, opts checkpoint.CreateOptions) (string, error) {
	id, err := o.opts.Checkpoints.Create(ctx, checkpoint.Snapshot{
		SessionID:    o.sess.ID,
		Touched:      o.touchedPaths(),
		Conversation: o.conversation(),
	}, opts)
	if err != nil {
		return "", err
	}
	o.sess.AddCheckpoint(id)
	o.publish(ctx, eventbus.KindCheckpointCreated, CheckpointRecord{
		SessionID:    o.sess.ID,
		CheckpointID: id,
		Tags:         opts.Tags,
		Files:        opts.Paths,
	})
	return id, nil
}

func changeSetRecord(sessionID string, cs *diff.ChangeSet, res *diff.ApplyResult) ChangeSetRecord {
	r := ChangeSetRecord{
		SessionID:   sessionID,
		ChangeSetID: cs.ID,
		StepID:      cs.StepID,
		Files:       cs.Paths(),
		Additions:   cs.Additions,
		Deletions:   cs.Deletions,
	}
	if res != nil {
		r.Applied = res.Applied
		r.Unchanged = res.Unchanged
		for _, c := range res.Conflicts {
			r.Conflicts = append(r.Conflicts, c.Path)
		}
	}
	return r
}
