package agents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aixgo-dev/steward/internal/plan"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/memory"
	"github.com/aixgo-dev/steward/pkg/session"
	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/builtin"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	return bus
}

func newRegistry(t *testing.T, extra ...tools.Tool) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(append(builtin.Tools(), extra...)...)
	require.NoError(t, err)
	return reg
}

func workspace(t *testing.T, files map[string]string) *sandbox.OSFS {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	ws, err := sandbox.NewOSFS(dir)
	require.NoError(t, err)
	return ws
}

func start(t *testing.T, a Agent) {
	t.Helper()
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(ctx))
	})
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

const twoStepPlan = `Here is the plan:
{"goal": "inspect auth", "steps": [
  {"id": "read", "description": "Read auth", "tool": "read_file", "params": {"path": "src/auth.py"}},
  {"description": "Rewrite auth", "tool": "write_file", "params": {"path": "src/auth.py", "content": "x"}, "risk": "bogus"}
]}`

func TestPlanner_DecodesModelPlan(t *testing.T) {
	bus := newBus(t)
	mock := llm.NewMockProvider("mock", twoStepPlan)
	p := NewPlanner(bus, PlannerOptions{Provider: mock, Registry: newRegistry(t)})

	pl, err := p.Plan(ctxTimeout(t), PlanRequest{SessionID: "s1", Goal: "make auth secure", Intent: intent.Intent{Kind: intent.Task}})
	require.NoError(t, err)

	assert.Equal(t, "inspect auth", pl.Goal)
	require.Equal(t, 2, pl.Len())
	steps := pl.Steps()
	assert.Equal(t, "read", steps[0].ID)
	assert.Equal(t, tools.RiskSafe, steps[0].Risk)
	assert.Equal(t, "step_2", steps[1].ID)
	assert.Equal(t, tools.RiskRequiresApproval, steps[1].Risk)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSON)
	last := calls[0].Messages[len(calls[0].Messages)-1].Content
	assert.Contains(t, last, "write_file (requires_approval)")
	assert.Contains(t, last, "path*")
	assert.Contains(t, last, `"make auth secure"`)
}

func TestPlanner_RejectsUnknownTool(t *testing.T) {
	mock := llm.NewMockProvider("mock", `{"steps": [{"tool": "format_disk"}]}`)
	p := NewPlanner(newBus(t), PlannerOptions{Provider: mock, Registry: newRegistry(t)})

	_, err := p.Plan(ctxTimeout(t), PlanRequest{Goal: "wipe"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestPlanner_RejectsMalformedAndOversized(t *testing.T) {
	p := NewPlanner(newBus(t), PlannerOptions{
		Provider: llm.NewMockProvider("mock", "not json at all", `{"steps": [{"tool": "list_files"}, {"tool": "list_files"}]}`),
		Registry: newRegistry(t),
		MaxSteps: 1,
	})

	_, err := p.Plan(ctxTimeout(t), PlanRequest{Goal: "x"})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = p.Plan(ctxTimeout(t), PlanRequest{Goal: "x"})
	require.ErrorIs(t, err, ErrInvalidPlan)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestPlanner_FallbackOnProviderError(t *testing.T) {
	mock := llm.NewMockProvider("mock").Fail(&llm.ProviderError{Provider: "mock", Kind: llm.Permanent, Err: errors.New("quota")})
	p := NewPlanner(newBus(t), PlannerOptions{Provider: mock, Registry: newRegistry(t)})

	pl, err := p.Plan(ctxTimeout(t), PlanRequest{
		Goal:   "show me config.yaml",
		Intent: intent.Intent{Kind: intent.Question, Entities: map[string]string{"path": "config.yaml"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, pl.Len())
	step := pl.Steps()[0]
	assert.Equal(t, "read_file", step.Tool)
	assert.Equal(t, "config.yaml", step.Params.String("path"))

	noProvider := NewPlanner(newBus(t), PlannerOptions{Registry: newRegistry(t)})
	pl, err = noProvider.Plan(ctxTimeout(t), PlanRequest{Goal: "what is here"})
	require.NoError(t, err)
	assert.Equal(t, "list_files", pl.Steps()[0].Tool)
}

func TestPlanner_AnswersOverBus(t *testing.T) {
	bus := newBus(t)
	p := NewPlanner(bus, PlannerOptions{Provider: llm.NewMockProvider("mock", `{"answer": "hello", "steps": []}`), Registry: newRegistry(t)})
	start(t, p)
	assert.True(t, p.Ready())

	reply, err := bus.Request(ctxTimeout(t),
		eventbus.NewEvent(eventbus.KindPlanRequested, "test", PlanRequest{Goal: "hi"}),
		eventbus.KindPlanCreated, eventbus.KindPlanFailed)
	require.NoError(t, err)
	require.Equal(t, eventbus.KindPlanCreated, reply.Kind)
	assert.Equal(t, RolePlanner, reply.Source)

	pl, err := eventbus.Decode[*plan.Plan](reply)
	require.NoError(t, err)
	assert.True(t, pl.Empty())
	assert.Equal(t, "hello", pl.Answer)
}

func TestExecutor_StagesEffectsOnSuccess(t *testing.T) {
	ws := workspace(t, map[string]string{"src/auth.py": "old\n"})
	shared := sandbox.NewOverlay(ws)
	x := NewExecutor(newBus(t), ExecutorOptions{Executor: tools.NewExecutor(newRegistry(t), tools.ExecutorOptions{})})

	res := x.Run(ctxTimeout(t), StepRequest{
		Step: plan.Step{ID: "step_3", Tool: "write_file"},
		Call: tools.ToolCall{Tool: "write_file", Params: tools.Params{"path": "src/auth.py", "content": "new\n"}},
		Env:  tools.Env{FS: shared},
	})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "step_3", res.CallID)
	require.Len(t, res.Effects, 1)
	assert.Equal(t, sandbox.OpModify, res.Effects[0].Op)

	staged, err := shared.ReadFile("src/auth.py")
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(staged))

	onDisk, err := ws.ReadFile("src/auth.py")
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(onDisk))
}

func TestExecutor_FailedStepLeavesNoEffects(t *testing.T) {
	half := tools.Tool{
		Descriptor: tools.Descriptor{
			Name:       "half_write",
			Risk:       tools.RiskSafe,
			Params:     tools.Schema{"path": {Type: "string", Required: true}},
			PathParams: []string{"path"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			if err := env.FS.WriteFile(p.String("path"), []byte("partial"), 0o644); err != nil {
				return "", err
			}
			return "", errors.New("disk on fire")
		},
	}
	ws := workspace(t, nil)
	shared := sandbox.NewOverlay(ws)
	x := NewExecutor(newBus(t), ExecutorOptions{Executor: tools.NewExecutor(newRegistry(t, half), tools.ExecutorOptions{})})

	res := x.Run(ctxTimeout(t), StepRequest{
		Step: plan.Step{ID: "s"},
		Call: tools.ToolCall{Tool: "half_write", Params: tools.Params{"path": "out.txt"}},
		Env:  tools.Env{FS: shared},
	})
	assert.False(t, res.OK())
	assert.Equal(t, tools.KindRuntimeFailure, res.ErrorKind)

	effects, err := shared.Effects()
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestExecutor_CancelledOverBus(t *testing.T) {
	blocking := tools.Tool{
		Descriptor: tools.Descriptor{Name: "wait_forever", Risk: tools.RiskSafe},
		Handler: func(ctx context.Context, _ tools.Env, _ tools.Params) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	bus := newBus(t)
	x := NewExecutor(bus, ExecutorOptions{Executor: tools.NewExecutor(newRegistry(t, blocking), tools.ExecutorOptions{DefaultTimeout: time.Minute})})
	start(t, x)

	ctx := ctxTimeout(t)
	started, s1 := bus.Watch(ctx, eventbus.KindStepStarted, 1)
	defer s1.Unsubscribe()
	failed, s2 := bus.Watch(ctx, eventbus.KindStepFailed, 1)
	defer s2.Unsubscribe()

	req := eventbus.NewEvent(eventbus.KindStepRequested, "test", StepRequest{
		SessionID: "s1",
		Step:      plan.Step{ID: "slow"},
		Call:      tools.ToolCall{Tool: "wait_forever"},
	})
	req = req.WithCorrelation(req.ID)
	require.NoError(t, bus.Publish(ctx, req))

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("step never started")
	}
	require.NoError(t, bus.Publish(ctx, eventbus.NewEvent(eventbus.KindCancelled, "test", nil).WithCorrelation(req.ID)))

	select {
	case e := <-failed:
		assert.Equal(t, req.ID, e.CorrelationID)
		out, err := eventbus.Decode[StepResult](e)
		require.NoError(t, err)
		assert.Equal(t, "slow", out.StepID)
		assert.Equal(t, tools.KindRuntimeFailure, out.Result.ErrorKind)
	case <-ctx.Done():
		t.Fatal("cancelled step never reported")
	}
}

func TestExecutor_RequiresToolExecutor(t *testing.T) {
	x := NewExecutor(newBus(t), ExecutorOptions{})
	assert.Error(t, x.Start(context.Background()))
}

func TestMemory_StoresTurns(t *testing.T) {
	bus := newBus(t)
	store := memory.NewInMemoryStore(memory.NewHashEmbedder(64), 10)
	m := NewMemory(bus, MemoryOptions{Store: store})
	start(t, m)

	turn := session.NewTurn("make the auth module more secure")
	turn.Intent = intent.Intent{Kind: intent.Task}
	turn.Outputs = []string{"Updated src/auth.py"}

	reply, err := bus.Request(ctxTimeout(t),
		eventbus.NewEvent(eventbus.KindTurnRecorded, "test", TurnRecord{SessionID: "s1", Turn: turn}),
		eventbus.KindMemoryStored)
	require.NoError(t, err)
	stored, err := eventbus.Decode[MemoryStored](reply)
	require.NoError(t, err)
	assert.Equal(t, turn.ID, stored.TurnID)

	results, err := store.Search(ctxTimeout(t), "auth module secure", 5, memory.Filters{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "turn", results[0].Item.Kind)
	assert.Equal(t, "task", results[0].Item.Metadata["intent"])
	assert.Contains(t, results[0].Item.Content, "Updated src/auth.py")
}

func TestMonitor_CountsAndAlerts(t *testing.T) {
	bus := newBus(t)
	alerts := make(chan eventbus.Event, 1)
	mon := NewMonitor(bus, MonitorOptions{Alert: func(e eventbus.Event) { alerts <- e }})
	start(t, mon)

	ctx := ctxTimeout(t)
	require.NoError(t, bus.Publish(ctx, eventbus.NewEvent(eventbus.KindPlanCreated, "planner", nil)))
	require.NoError(t, bus.Publish(ctx, eventbus.NewEvent(eventbus.KindError, "executor", Failure{Error: "boom"})))

	select {
	case e := <-alerts:
		assert.Equal(t, eventbus.KindError, e.Kind)
	case <-ctx.Done():
		t.Fatal("no alert")
	}
	assert.Equal(t, 1, mon.Count("event.plan.created"))
	assert.Equal(t, 1, mon.Count("agent.executor.events"))
	snap := mon.Snapshot()
	assert.Equal(t, 1, snap["event.error_occurred"])
}

func TestGroup_StartFailureStopsStarted(t *testing.T) {
	bus := newBus(t)
	mon := NewMonitor(bus, MonitorOptions{})
	g := Group{mon, NewExecutor(bus, ExecutorOptions{})}

	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor")
	assert.False(t, mon.Ready())
}
