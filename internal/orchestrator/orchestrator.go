package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/agents"
	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/checkpoint"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/session"
	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

const (
	DefaultMaxParallelTasks  = 4
	DefaultQueueSize         = 64
	DefaultPlanTimeout       = 2 * time.Minute
	DefaultMaxClarifications = 2

	// requestGrace is added to the step timeout when waiting for the
	// executor agent, so its own timeout result arrives first.
	requestGrace = 5 * time.Second

	source = "orchestrator"

	// contextUndoBefore holds the pre-apply checkpoint the last undo
	// restored; the next undo looks further back.
	contextUndoBefore = "undo_before"
	// contextTouched holds the files the session has applied changes to.
	contextTouched = "touched_files"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("session closed")
	// ErrQueueFull is returned by Submit when the input queue is full.
	ErrQueueFull = errors.New("input queue full")
)

// Options wires an orchestrator to its collaborators. Everything except
// Provider, Sessions and Renderer is required.
type Options struct {
	Bus         *eventbus.Bus
	Router      *intent.Router
	Gate        *safety.Gate
	Registry    *tools.Registry
	Checkpoints *checkpoint.Manager
	// Workspace is the real tree changes are applied to.
	Workspace sandbox.FS
	// Provider answers questions. Without one, questions are refused.
	Provider llm.Provider
	Model    string
	// Sessions persists the session after every turn and on Close.
	Sessions session.Store
	Renderer render.Renderer
	Logger   *zap.Logger

	// Role is the actor role for permission checks; empty uses the
	// policy default.
	Role string
	// Grants are workspace paths every session may touch regardless of
	// the policy's trusted paths.
	Grants  []string
	Consent safety.ConsentOptions

	MaxParallelTasks int
	StepTimeout      time.Duration
	PlanTimeout      time.Duration
	// AnswerTimeout bounds clarification, confirmation and review
	// prompts. Zero waits until interrupted.
	AnswerTimeout     time.Duration
	QueueSize         int
	MaxClarifications int
}

func (o *Options) validate() error {
	var missing []string
	if o.Bus == nil {
		missing = append(missing, "bus")
	}
	if o.Router == nil {
		missing = append(missing, "router")
	}
	if o.Gate == nil {
		missing = append(missing, "gate")
	}
	if o.Registry == nil {
		missing = append(missing, "registry")
	}
	if o.Checkpoints == nil {
		missing = append(missing, "checkpoints")
	}
	if o.Workspace == nil {
		missing = append(missing, "workspace")
	}
	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing %s", strings.Join(missing, ", "))
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Renderer == nil {
		o.Renderer = render.RendererFunc(func(render.Panel) error { return nil })
	}
	if o.MaxParallelTasks <= 0 {
		o.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = tools.DefaultTimeout
	}
	if o.PlanTimeout <= 0 {
		o.PlanTimeout = DefaultPlanTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxClarifications <= 0 {
		o.MaxClarifications = DefaultMaxClarifications
	}
	return nil
}

// Orchestrator owns one session. A single worker goroutine performs every
// state transition; inputs that arrive meanwhile wait in a FIFO queue. Only
// input submitted after a prompt was shown may answer it; everything else
// runs as a turn of its own once the current one ends.
type Orchestrator struct {
	opts    Options
	sess    *session.Session
	m       *machine
	consent *safety.Consent
	logger  *zap.Logger

	qmu     sync.Mutex
	queue   []queued
	seq     uint64
	signal  chan struct{}
	busy    bool
	waiting bool
	// answerFrom is the first sequence number that may answer the
	// pending prompt.
	answerFrom uint64
	closed     bool
	changed    chan struct{}

	cancelMu   sync.Mutex
	cancelTurn context.CancelFunc

	// Owned by the worker.
	touched    map[string]bool
	lastIntent intent.Kind
	activePlan *plan.Plan

	stop context.CancelFunc
	done chan struct{}
}

// New creates an orchestrator for sess. Call Start to run it.
func New(sess *session.Session, opts Options) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if sess == nil {
		sess = session.New("")
	}
	o := &Orchestrator{
		opts:    opts,
		sess:    sess,
		consent: safety.NewConsent(opts.Consent),
		logger:  opts.Logger.Named("orchestrator").With(zap.String("session", sess.ID)),
		signal:  make(chan struct{}, 1),
		changed: make(chan struct{}),
		touched: make(map[string]bool),
	}
	for _, p := range strings.Split(sess.ContextValue(contextTouched), "\n") {
		if p != "" {
			o.touched[p] = true
		}
	}
	o.m = newMachine(sess.ID, opts.Bus, o.logger, func(State) { o.notify() })
	return o, nil
}

// Start launches the session worker.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.done != nil {
		return nil
	}
	ctx, o.stop = context.WithCancel(context.WithoutCancel(ctx))
	o.done = make(chan struct{})
	go o.run(ctx)
	return nil
}

// ID returns the session ID.
func (o *Orchestrator) ID() string { return o.sess.ID }

// Session returns the session the orchestrator drives.
func (o *Orchestrator) Session() *session.Session { return o.sess }

// State returns the current state.
func (o *Orchestrator) State() State { return o.m.State() }

// Submit queues input. It never blocks.
func (o *Orchestrator) Submit(input string) error {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if len(o.queue) >= o.opts.QueueSize {
		return ErrQueueFull
	}
	o.seq++
	o.queue = append(o.queue, queued{seq: o.seq, text: input})
	select {
	case o.signal <- struct{}{}:
	default:
	}
	o.notifyLocked()
	return nil
}

// Interrupt cancels the operation in flight. The session returns to Idle
// and any change set not yet applied is discarded. It reports whether
// anything was running.
func (o *Orchestrator) Interrupt() bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.cancelTurn == nil {
		return false
	}
	o.cancelTurn()

	// The turn is unwinding; it no longer waits for input.
	o.qmu.Lock()
	o.waiting = false
	o.notifyLocked()
	o.qmu.Unlock()
	return true
}

// Waiting reports whether the session is blocked on a user answer.
func (o *Orchestrator) Waiting() bool {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	return o.waiting
}

// WaitReady blocks until every queued input has been consumed and the
// worker is either idle or waiting for an answer.
func (o *Orchestrator) WaitReady(ctx context.Context) (State, error) {
	for {
		o.qmu.Lock()
		ready := o.closed || (o.pendingLocked() == 0 && (!o.busy || o.waiting))
		ch := o.changed
		o.qmu.Unlock()
		if ready {
			return o.m.State(), nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return o.m.State(), ctx.Err()
		}
	}
}

// Close stops the worker, cancelling any turn in flight, and persists the
// session.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.qmu.Lock()
	if o.closed {
		o.qmu.Unlock()
		return nil
	}
	o.closed = true
	o.notifyLocked()
	done, stop := o.done, o.stop
	o.qmu.Unlock()

	o.Interrupt()
	if stop != nil {
		stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("close session %s: %w", o.sess.ID, ctx.Err())
		}
	}
	return o.persist(ctx)
}

func (o *Orchestrator) notify() {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	o.notifyLocked()
}

func (o *Orchestrator) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// queued is one submitted input.
type queued struct {
	seq  uint64
	text string
}

// pendingLocked counts the inputs the worker still has to look at. While a
// prompt waits, earlier inputs are held back for later turns.
func (o *Orchestrator) pendingLocked() int {
	if !o.waiting {
		return len(o.queue)
	}
	n := 0
	for _, q := range o.queue {
		if q.seq >= o.answerFrom {
			n++
		}
	}
	return n
}

// next pops the oldest queued input, waiting for one if needed.
func (o *Orchestrator) next(ctx context.Context) (string, error) {
	for {
		o.qmu.Lock()
		if len(o.queue) > 0 {
			in := o.queue[0]
			o.queue = o.queue[1:]
			o.busy = true
			o.waiting = false
			o.notifyLocked()
			o.qmu.Unlock()
			return in.text, nil
		}
		o.qmu.Unlock()

		select {
		case <-o.signal:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// prompt is a question put to the user. Create it before showing the
// question so that nothing typed earlier is taken as the answer.
type prompt struct {
	o    *Orchestrator
	from uint64
}

func (o *Orchestrator) prompt() *prompt {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	return &prompt{o: o, from: o.seq + 1}
}

// read waits for the first input submitted after the prompt that accept
// takes. A rejected input stays queued as a new turn and rejected is told
// why before waiting again.
func (p *prompt) read(ctx context.Context, timeout time.Duration, accept func(string) error, rejected func(string, error)) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	o := p.o
	p.wait()
	defer o.setWaiting(false)

	for {
		text, status, err := p.take(accept)
		switch status {
		case takeAccepted:
			return text, nil
		case takeRefused:
			rejected(text, err)
			p.wait()
			continue
		}
		select {
		case <-o.signal:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// wait marks the session as blocked on this prompt.
func (p *prompt) wait() {
	p.o.qmu.Lock()
	defer p.o.qmu.Unlock()
	p.o.waiting = true
	p.o.answerFrom = p.from
	p.o.notifyLocked()
}

type takeStatus int

const (
	takeNone takeStatus = iota
	takeAccepted
	takeRefused
)

// take looks at the oldest input submitted after the prompt. An input
// accept refuses moves the prompt past it and is left in the queue. Either
// way the session stops waiting until the worker asks again.
func (p *prompt) take(accept func(string) error) (string, takeStatus, error) {
	o := p.o
	o.qmu.Lock()
	defer o.qmu.Unlock()
	for i, q := range o.queue {
		if q.seq < p.from {
			continue
		}
		o.waiting = false
		o.notifyLocked()
		if err := accept(q.text); err != nil {
			p.from = q.seq + 1
			return q.text, takeRefused, err
		}
		o.queue = slices.Delete(o.queue, i, i+1)
		return q.text, takeAccepted, nil
	}
	return "", takeNone, nil
}

func (o *Orchestrator) setWaiting(w bool) {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	o.waiting = w
	o.notifyLocked()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	for {
		input, err := o.next(ctx)
		if err != nil {
			return
		}
		o.handle(ctx, input)

		o.qmu.Lock()
		o.busy = false
		o.notifyLocked()
		o.qmu.Unlock()
	}
}

// turnRun accumulates one turn while it is processed.
type turnRun struct {
	turn session.Turn
}

func (o *Orchestrator) handle(ctx context.Context, input string) {
	turnCtx, cancel := context.WithCancel(ctx)
	o.cancelMu.Lock()
	o.cancelTurn = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		o.cancelTurn = nil
		o.cancelMu.Unlock()
		cancel()
	}()

	turnCtx, span := observability.StartSpan(turnCtx, "orchestrator.turn", attribute.String("session.id", o.sess.ID))
	tr := &turnRun{turn: session.NewTurn(input)}
	err := o.process(turnCtx, tr)
	if err != nil {
		o.fail(turnCtx, tr, err)
	}
	observability.EndSpan(span, err)
	o.m.reset(ctx)

	if err := o.sess.AppendTurn(tr.turn); err != nil {
		o.logger.Error("record turn", zap.Error(err))
		return
	}
	o.publish(ctx, eventbus.KindTurnRecorded, agents.TurnRecord{SessionID: o.sess.ID, Turn: tr.turn})
	if err := o.persist(ctx); err != nil {
		o.logger.Warn("persist session", zap.Error(err))
	}
}

// fail reports err to the user. Interrupts are not errors.
func (o *Orchestrator) fail(ctx context.Context, tr *turnRun, err error) {
	if errors.Is(err, context.Canceled) {
		o.show(tr, render.Panel{Kind: render.KindStatus, Title: "Interrupted", Body: "Pending changes were discarded."})
		return
	}
	o.logger.Warn("turn failed", zap.String("state", string(o.m.State())), zap.Error(err))
	o.show(tr, render.Panel{Kind: render.KindError, Title: "Error", Body: err.Error()})
	o.publish(ctx, eventbus.KindError, agents.Failure{Error: err.Error()})
}

// show renders p and records it as turn output. Render failures are
// logged and otherwise ignored.
func (o *Orchestrator) show(tr *turnRun, p render.Panel) {
	if err := o.opts.Renderer.Render(p); err != nil {
		o.logger.Debug("render failed", zap.String("kind", string(p.Kind)), zap.Error(err))
	}
	out := p.Title
	if p.Body != "" {
		if out != "" {
			out += "\n"
		}
		out += p.Body
	}
	if tr != nil && out != "" {
		tr.turn.Outputs = append(tr.turn.Outputs, out)
	}
}

func (o *Orchestrator) publish(ctx context.Context, kind eventbus.Kind, data any) {
	e := eventbus.NewEvent(kind, source, data).WithMetadata("session_id", o.sess.ID)
	if err := o.opts.Bus.Publish(context.WithoutCancel(ctx), e); err != nil && !errors.Is(err, eventbus.ErrBusClosed) {
		o.logger.Warn("publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// request sends a request to an agent and waits for one of replies. A
// request abandoned because ctx ended is withdrawn.
func (o *Orchestrator) request(ctx context.Context, kind eventbus.Kind, data any, timeout time.Duration, replies ...eventbus.Kind) (eventbus.Event, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	e := eventbus.NewEvent(kind, source, data).WithMetadata("session_id", o.sess.ID)
	e = e.WithCorrelation(e.ID)
	reply, err := o.opts.Bus.Request(ctx, e, replies...)
	if err != nil {
		withdraw := eventbus.NewEvent(eventbus.KindCancelled, source, nil).WithCorrelation(e.ID)
		if perr := o.opts.Bus.Publish(context.WithoutCancel(ctx), withdraw); perr != nil && !errors.Is(perr, eventbus.ErrBusClosed) {
			o.logger.Debug("withdraw request", zap.Error(perr))
		}
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return eventbus.Event{}, ctx.Err()
		}
		return eventbus.Event{}, err
	}
	return reply, nil
}

func (o *Orchestrator) persist(ctx context.Context) error {
	if o.opts.Sessions == nil {
		return nil
	}
	if err := o.opts.Sessions.Save(context.WithoutCancel(ctx), o.sess); err != nil {
		return fmt.Errorf("save session %s: %w", o.sess.ID, err)
	}
	return nil
}

func (o *Orchestrator) sessionContext(clarifying string) intent.SessionContext {
	sc := intent.SessionContext{
		SessionID:  o.sess.ID,
		LastIntent: o.lastIntent,
		Recent:     o.sess.RecentInputs(5),
		Clarifying: clarifying,
	}
	if o.activePlan != nil {
		sc.ActivePlan = o.activePlan.Goal
	}
	return sc
}

// conversation is the checkpoint view of the session.
func (o *Orchestrator) conversation() checkpoint.ConversationState {
	cs := checkpoint.ConversationState{Turns: o.sess.TurnCount(), LastIntent: string(o.lastIntent)}
	if o.activePlan != nil {
		if raw, err := json.Marshal(o.activePlan); err == nil {
			cs.ActivePlan = raw
		}
	}
	return cs
}

func (o *Orchestrator) touch(paths ...string) {
	for _, p := range paths {
		o.touched[p] = true
	}
	o.sess.SetContext(contextTouched, strings.Join(o.touchedPaths(), "\n"))
}

func (o *Orchestrator) touchedPaths() []string {
	return slices.Sorted(maps.Keys(o.touched))
}
