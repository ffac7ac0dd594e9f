package agents

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/eventbus"
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Name   string
	Logger *zap.Logger
	// Alert receives every error event, if set.
	Alert func(eventbus.Event)
}

// Monitor watches every event on the bus. It keeps per-kind and
// per-source counters, exports them as metrics and logs errors.
type Monitor struct {
	*BaseAgent
	alert func(eventbus.Event)

	mu     sync.Mutex
	counts map[string]int
}

func NewMonitor(bus *eventbus.Bus, opts MonitorOptions) *Monitor {
	return &Monitor{
		BaseAgent: NewBaseAgent(opts.Name, RoleMonitor, bus, opts.Logger),
		alert:     opts.Alert,
		counts:    make(map[string]int),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.subscribe(m.bus.Subscribe(eventbus.All, m.observe))
	return nil
}

func (m *Monitor) observe(_ context.Context, e eventbus.Event) error {
	m.mu.Lock()
	m.counts["event."+string(e.Kind)]++
	if e.Source != "" {
		m.counts["agent."+e.Source+".events"]++
	}
	m.mu.Unlock()

	observability.RecordEvent(string(e.Kind), e.Source)

	switch e.Kind {
	case eventbus.KindError, eventbus.KindPlanFailed, eventbus.KindStepFailed:
		m.logger.Warn("[ALERT]",
			zap.String("kind", string(e.Kind)),
			zap.String("source", e.Source),
			zap.String("correlation", e.CorrelationID),
			zap.Any("data", e.Data))
		if m.alert != nil {
			m.alert(e)
		}
	case eventbus.KindAuditLog:
		m.logger.Info("audit", zap.String("source", e.Source), zap.Any("data", e.Data))
	default:
		m.logger.Debug("event", zap.String("kind", string(e.Kind)), zap.String("source", e.Source))
	}
	return nil
}

// Count returns one counter, such as "event.plan.created".
func (m *Monitor) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

// Snapshot copies all counters.
func (m *Monitor) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.counts)
}
