package agents

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/memory"
	"github.com/aixgo-dev/steward/pkg/session"
)

// TurnRecord is the payload of KindTurnRecorded.
type TurnRecord struct {
	SessionID string       `json:"session_id"`
	Turn      session.Turn `json:"turn"`
}

// MemoryStored is the payload of KindMemoryStored.
type MemoryStored struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	ItemID    string `json:"item_id"`
}

// MemoryOptions configures a Memory agent.
type MemoryOptions struct {
	Name   string
	Store  memory.Store
	Logger *zap.Logger
}

// Memory writes every recorded turn to the memory store so later planning
// can retrieve related context.
type Memory struct {
	*BaseAgent
	store memory.Store
}

func NewMemory(bus *eventbus.Bus, opts MemoryOptions) *Memory {
	return &Memory{
		BaseAgent: NewBaseAgent(opts.Name, RoleMemory, bus, opts.Logger),
		store:     opts.Store,
	}
}

func (m *Memory) Start(ctx context.Context) error {
	if m.store == nil {
		return errors.New("memory agent: no store")
	}
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.subscribe(eventbus.SubscribeFunc(m.bus, eventbus.KindTurnRecorded, m.handle))
	return nil
}

func (m *Memory) handle(ctx context.Context, e eventbus.Event, rec TurnRecord) error {
	content := turnContent(rec.Turn)
	if content == "" {
		return nil
	}
	item := memory.Item{
		ID:        rec.SessionID + ":" + rec.Turn.ID,
		SessionID: rec.SessionID,
		Kind:      "turn",
		Content:   content,
		Metadata: map[string]string{
			"turn_id": rec.Turn.ID,
			"intent":  string(rec.Turn.Intent.Kind),
		},
		CreatedAt: rec.Turn.Timestamp,
	}
	if err := m.store.Store(ctx, item); err != nil {
		return err
	}
	m.publish(ctx, e.Reply(eventbus.KindMemoryStored, m.name, MemoryStored{
		SessionID: rec.SessionID,
		TurnID:    rec.Turn.ID,
		ItemID:    item.ID,
	}))
	return nil
}

func turnContent(t session.Turn) string {
	parts := make([]string, 0, 2+len(t.Clarifications)+len(t.Outputs))
	if t.Input != "" {
		parts = append(parts, t.Input)
	}
	parts = append(parts, t.Clarifications...)
	if t.Plan != nil && t.Plan.Goal != "" && t.Plan.Goal != t.Input {
		parts = append(parts, t.Plan.Goal)
	}
	parts = append(parts, t.Outputs...)
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
