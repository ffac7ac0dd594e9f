// Package agents holds the sub-agents the orchestrator talks to over the
// event bus: planner, executor, memory and monitor.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/pkg/eventbus"
)

// Roles of the built-in agents.
const (
	RolePlanner  = "planner"
	RoleExecutor = "executor"
	RoleMemory   = "memory"
	RoleMonitor  = "monitor"
)

// Agent is a bus participant. Start subscribes and returns; Stop
// unsubscribes and waits for in-flight work.
type Agent interface {
	Name() string
	Role() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() bool
}

// Failure is the payload of *.failed replies.
type Failure struct {
	Error string `json:"error"`
}

// BaseAgent provides the common lifecycle. Embed it and call subscribe
// from Start.
type BaseAgent struct {
	name   string
	role   string
	bus    *eventbus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	ready  bool
	subs   []*eventbus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// inflight maps correlation IDs to the cancel func of their work.
	// withdrawn holds cancellations that arrived before the work started.
	inflight  map[string]context.CancelFunc
	withdrawn map[string]bool
}

// NewBaseAgent creates a stopped agent.
func NewBaseAgent(name, role string, bus *eventbus.Bus, logger *zap.Logger) *BaseAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = role
	}
	return &BaseAgent{
		name:      name,
		role:      role,
		bus:       bus,
		logger:    logger.Named(name),
		inflight:  make(map[string]context.CancelFunc),
		withdrawn: make(map[string]bool),
	}
}

func (b *BaseAgent) Name() string { return b.name }

func (b *BaseAgent) Role() string { return b.role }

// Ready reports whether the agent is started.
func (b *BaseAgent) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Bus returns the bus the agent is attached to.
func (b *BaseAgent) Bus() *eventbus.Bus { return b.bus }

// Logger returns the agent's named logger.
func (b *BaseAgent) Logger() *zap.Logger { return b.logger }

// begin prepares the agent context. Agents that run work outside bus
// handlers call it first in Start.
func (b *BaseAgent) begin(ctx context.Context) error {
	if b.bus == nil {
		return fmt.Errorf("%s: no event bus", b.name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.ready = true
	return nil
}

func (b *BaseAgent) subscribe(subs ...*eventbus.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subs...)
}

// cancellable makes work spawned with spawn stoppable through
// KindCancelled events.
func (b *BaseAgent) cancellable() {
	b.subscribe(b.bus.Subscribe(eventbus.KindCancelled, func(_ context.Context, e eventbus.Event) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cancel, ok := b.inflight[e.CorrelationID]; ok {
			cancel()
			return nil
		}
		b.withdrawn[e.CorrelationID] = true
		return nil
	}))
}

// spawn runs fn on its own goroutine with a context that ends on Stop or
// when the request is cancelled.
func (b *BaseAgent) spawn(req eventbus.Event, fn func(ctx context.Context)) {
	corr := req.CorrelationID
	if corr == "" {
		corr = req.ID
	}

	b.mu.Lock()
	if b.ctx == nil || !b.ready {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	if b.withdrawn[corr] {
		delete(b.withdrawn, corr)
		cancel()
	}
	b.inflight[corr] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.inflight, corr)
			b.mu.Unlock()
			cancel()
		}()
		fn(ctx)
	}()
}

// publish sends e from this agent, also after ctx is cancelled so that
// cancelled work still gets its reply. Failures other than ErrBusClosed
// are logged.
func (b *BaseAgent) publish(ctx context.Context, e eventbus.Event) {
	if e.Source == "" {
		e.Source = b.name
	}
	if err := b.bus.Publish(context.WithoutCancel(ctx), e); err != nil && !errors.Is(err, eventbus.ErrBusClosed) {
		b.logger.Warn("publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Stop unsubscribes, cancels in-flight work and waits for it.
func (b *BaseAgent) Stop(ctx context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.ready = false
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", b.name, ctx.Err())
	}
}

// Group starts and stops agents together.
type Group []Agent

// Start starts every agent in order. On failure the ones already started
// are stopped.
func (g Group) Start(ctx context.Context) error {
	for i, a := range g {
		if err := a.Start(ctx); err != nil {
			_ = g[:i].Stop(ctx)
			return fmt.Errorf("start %s agent %s: %w", a.Role(), a.Name(), err)
		}
	}
	return nil
}

// Stop stops every agent in reverse order and joins their errors.
func (g Group) Stop(ctx context.Context) error {
	var errs []error
	for i := len(g) - 1; i >= 0; i-- {
		if err := g[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
