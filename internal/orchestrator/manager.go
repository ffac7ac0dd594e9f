package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/session"
)

// Manager runs one orchestrator per session. Sessions are isolated: each
// has its own worker, queue, state and consent memory, and share only the
// bus, the agents and the stores.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Orchestrator
	closed   bool
}

// NewManager validates opts, which every session is created from.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.Named("sessions"),
		sessions: make(map[string]*Orchestrator),
	}, nil
}

// Open returns the running orchestrator for id, resuming it from the
// session store or creating it. An empty id starts a new session.
func (m *Manager) Open(ctx context.Context, id string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if o, ok := m.sessions[id]; ok && id != "" {
		return o, nil
	}

	var sess *session.Session
	if id != "" && m.opts.Sessions != nil {
		loaded, err := m.opts.Sessions.Load(ctx, id)
		switch {
		case err == nil:
			sess = loaded
			m.logger.Info("session resumed", zap.String("session", id), zap.Int("turns", sess.TurnCount()))
		case errors.Is(err, session.ErrSessionNotFound):
		default:
			return nil, fmt.Errorf("open session %s: %w", id, err)
		}
	}
	if sess == nil {
		sess = session.New(id)
	}

	o, err := New(sess, m.opts)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	m.sessions[sess.ID] = o
	observability.SetActiveSessions(len(m.sessions))
	return o, nil
}

// Get returns a running session.
func (m *Manager) Get(id string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sessions[id]
	return o, ok
}

// List returns the IDs of running sessions, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.sessions))
}

// Close stops session id and persists it.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.sessions[id]
	delete(m.sessions, id)
	observability.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return o.Close(ctx)
}

// Shutdown stops every session. No session can be opened afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := slices.Collect(maps.Values(m.sessions))
	m.sessions = make(map[string]*Orchestrator)
	observability.SetActiveSessions(0)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(all))
	)
	for i, o := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = o.Close(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
