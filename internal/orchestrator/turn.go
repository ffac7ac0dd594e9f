package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/agents"
	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
)

const answerPrompt = `You are a terminal coding assistant. Answer the user's question about their workspace concisely. Do not propose file changes.`

// process runs one turn from Idle until it is ready to return to Idle.
func (o *Orchestrator) process(ctx context.Context, tr *turnRun) error {
	if err := o.m.to(ctx, Parsing); err != nil {
		return err
	}
	if err := o.opts.Router.Validate(tr.turn.Input); err != nil {
		o.showParseError(tr, err)
		return nil
	}
	if err := o.m.to(ctx, IntentResolution); err != nil {
		return err
	}

	in, ok, err := o.resolve(ctx, tr)
	if err != nil || !ok {
		return err
	}
	tr.turn.Intent = in
	o.lastIntent = in.Kind

	switch in.Kind {
	case intent.Meta:
		return o.command(ctx, tr, in.Command)
	case intent.Question:
		return o.answer(ctx, tr)
	default:
		return o.plan(ctx, tr, in)
	}
}

func (o *Orchestrator) showParseError(tr *turnRun, err error) {
	o.show(tr, render.Panel{Kind: render.KindError, Title: "Could not read input", Body: err.Error()})
}

// resolve classifies the input, asking for clarification or confirmation
// as the confidence tier requires. ok is false when the turn should end
// without acting.
func (o *Orchestrator) resolve(ctx context.Context, tr *turnRun) (intent.Intent, bool, error) {
	text := tr.turn.Input
	clarifying := ""
	for round := 0; ; round++ {
		in, err := o.opts.Router.Classify(ctx, text, o.sessionContext(clarifying))
		switch {
		case err == nil:
		case errors.Is(err, intent.ErrParse):
			o.showParseError(tr, err)
			return in, false, nil
		case errors.Is(err, intent.ErrAmbiguous):
			if round >= o.opts.MaxClarifications {
				o.show(tr, render.Panel{Kind: render.KindStatus, Title: "Still unsure what you meant",
					Body: "Try rephrasing the request, or use a /command."})
				return in, false, nil
			}
			answer, err := o.clarify(ctx, tr, in)
			if err != nil {
				return in, false, err
			}
			tr.turn.Clarifications = append(tr.turn.Clarifications, answer)
			if err := o.m.to(ctx, Parsing); err != nil {
				return in, false, err
			}
			if err := o.opts.Router.Validate(answer); err != nil {
				o.showParseError(tr, err)
				return in, false, nil
			}
			if err := o.m.to(ctx, IntentResolution); err != nil {
				return in, false, err
			}
			clarifying = tr.turn.Input
			text = answer
			continue
		default:
			return in, false, err
		}

		if in.Kind != intent.Meta && o.opts.Router.Tier(in) == intent.TierConfirm {
			yes, err := o.confirm(ctx, tr, in)
			if err != nil || !yes {
				return in, false, err
			}
		}
		return in, true, nil
	}
}

func (o *Orchestrator) clarify(ctx context.Context, tr *turnRun, in intent.Intent) (string, error) {
	if err := o.m.to(ctx, Clarify); err != nil {
		return "", err
	}
	p := o.prompt()
	o.show(tr, clarifyPanel(in))
	answer, err := p.read(ctx, o.opts.AnswerTimeout, notCommand, func(reply string, _ error) {
		o.show(tr, render.Panel{Kind: render.KindClarify, Title: "Please describe what you meant.", Body: queuedNote(reply)})
	})
	if err != nil {
		return "", o.answerErr(err)
	}
	return answer, nil
}

func (o *Orchestrator) confirm(ctx context.Context, tr *turnRun, in intent.Intent) (bool, error) {
	p := o.prompt()
	o.show(tr, render.Panel{
		Kind:  render.KindClarify,
		Title: fmt.Sprintf("Treat this as %s? [y/n]", describeKind(in.Kind)),
		Body:  in.Reasoning,
	})
	reply, err := p.read(ctx, o.opts.AnswerTimeout, isAnswer, func(reply string, _ error) {
		o.show(tr, render.Panel{Kind: render.KindClarify, Title: "Please answer yes or no.", Body: queuedNote(reply)})
	})
	if err != nil {
		return false, o.answerErr(err)
	}
	if a, _ := safety.ParseAnswer(reply); a == safety.AnswerYes || a == safety.AnswerAlways {
		return true, nil
	}
	o.show(tr, render.Panel{Kind: render.KindStatus, Title: "Cancelled"})
	return false, nil
}

var errNotAnswer = errors.New("not an answer")

func isAnswer(reply string) error {
	if _, ok := safety.ParseAnswer(reply); !ok {
		return errNotAnswer
	}
	return nil
}

// notCommand accepts free text; slash commands wait for their own turn.
func notCommand(reply string) error {
	if strings.HasPrefix(strings.TrimSpace(reply), "/") {
		return errNotAnswer
	}
	return nil
}

// queuedNote tells the user that input which did not answer a prompt
// still runs once the current request is done.
func queuedNote(reply string) string {
	return fmt.Sprintf("%q will run after this request.", reply)
}

// answerErr maps an unanswered prompt to the turn result. A prompt that
// timed out ends the turn quietly; an interrupt propagates.
func (o *Orchestrator) answerErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		o.logger.Info("prompt timed out")
		return fmt.Errorf("no answer within %s", o.opts.AnswerTimeout)
	}
	return err
}

// goal is the input with any clarifications appended.
func (tr *turnRun) goal() string {
	if len(tr.turn.Clarifications) == 0 {
		return tr.turn.Input
	}
	return tr.turn.Input + "\n" + strings.Join(tr.turn.Clarifications, "\n")
}

func (o *Orchestrator) answer(ctx context.Context, tr *turnRun) error {
	if err := o.m.to(ctx, Question); err != nil {
		return err
	}
	if o.opts.Provider == nil {
		return errors.New("no language model configured to answer questions")
	}
	req := llm.Request{Model: o.opts.Model, Temperature: 0.2}
	for _, prev := range o.sess.Turns() {
		if prev.Intent.Kind != intent.Question || len(prev.Outputs) == 0 {
			continue
		}
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleUser, Content: prev.Input},
			llm.Message{Role: llm.RoleAssistant, Content: prev.Outputs[len(prev.Outputs)-1]})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: tr.goal()})
	req = req.System(answerPrompt)

	stream, err := o.opts.Provider.Stream(ctx, req)
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	if err := o.m.to(ctx, Streaming); err != nil {
		_ = stream.Close()
		return err
	}
	text, err := llm.Collect(stream)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("answer: %w", err)
	}
	o.show(tr, render.Panel{Kind: render.KindAnswer, Body: strings.TrimSpace(text)})
	return nil
}

// plan asks the planner agent for a plan and, for tasks and edits, runs it.
func (o *Orchestrator) plan(ctx context.Context, tr *turnRun, in intent.Intent) error {
	if err := o.m.to(ctx, Planning); err != nil {
		return err
	}
	req := agents.PlanRequest{
		SessionID: o.sess.ID,
		Goal:      tr.goal(),
		Intent:    in,
		Recent:    o.sess.RecentInputs(5),
	}
	reply, err := o.request(ctx, eventbus.KindPlanRequested, req, o.opts.PlanTimeout,
		eventbus.KindPlanCreated, eventbus.KindPlanFailed)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	if reply.Kind == eventbus.KindPlanFailed {
		f, _ := eventbus.Decode[agents.Failure](reply)
		return fmt.Errorf("planning failed: %s", f.Error)
	}
	pl, err := eventbus.Decode[*plan.Plan](reply)
	if err != nil {
		return err
	}
	tr.turn.Plan = pl

	if pl.Empty() {
		body := pl.Answer
		if body == "" {
			body = "Nothing to do."
		}
		o.show(tr, render.Panel{Kind: render.KindAnswer, Body: body})
		return nil
	}
	if err := pl.Freeze(); err != nil {
		return err
	}
	o.activePlan = pl
	o.show(tr, planPanel(pl))
	o.logger.Info("plan ready", zap.String("plan", pl.ID), zap.Int("steps", pl.Len()), zap.String("intent", string(in.Kind)))

	if in.Kind == intent.Plan {
		return nil
	}
	defer func() { o.activePlan = nil }()
	return o.execute(ctx, tr, pl)
}
