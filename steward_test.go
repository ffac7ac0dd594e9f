package steward

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/internal/orchestrator"
	"github.com/aixgo-dev/steward/pkg/config"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/tools"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.Memory.Backend = "none"
	return cfg
}

func start(t *testing.T, cfg *config.Config) (*App, *render.Recorder) {
	t.Helper()
	rec := &render.Recorder{}
	app, err := New(context.Background(), cfg, Options{Renderer: rec})
	require.NoError(t, err)
	return app, rec
}

func say(t *testing.T, o *orchestrator.Orchestrator, input string) {
	t.Helper()
	require.NoError(t, o.Submit(input))
	st, err := o.WaitReady(context.Background())
	require.NoError(t, err)
	require.Equal(t, orchestrator.Idle, st)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.MaxParallelTasks = 0
	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_parallel_tasks")
}

func TestNew_MissingPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestApp_FileBackendsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	app, rec := start(t, cfg)

	o, err := app.Open(context.Background(), "s1")
	require.NoError(t, err)
	say(t, o, "/checkpoint first")
	require.Len(t, rec.OfKind(render.KindCheckpoint), 1)
	require.NoError(t, app.Close(context.Background()))

	assert.FileExists(t, filepath.Join(cfg.Storage.Dir, "audit.log"))
	entries, err := os.ReadDir(filepath.Join(cfg.Storage.Dir, "checkpoints"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	app, _ = start(t, cfg)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()
	o, err = app.Open(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, o.Session().TurnCount())
	assert.Equal(t, []string{"ckpt_1"}, o.Session().CheckpointIDs())

	cps, err := app.Checkpoints.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "first", cps[0].Metadata.Description)
}

func TestApp_SQLiteCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Checkpoints.Backend = "sqlite"
	cfg.Storage.Sessions.Backend = "memory"
	app, _ := start(t, cfg)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	o, err := app.Open(context.Background(), "")
	require.NoError(t, err)
	say(t, o, "/checkpoint sqlite")
	assert.FileExists(t, filepath.Join(cfg.Storage.Dir, "checkpoints.db"))

	cps, err := app.Checkpoints.List(context.Background(), o.ID())
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestApp_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.Checkpoints.Backend = "redis"
	cfg.Storage.Checkpoints.Redis.Addr = mr.Addr()
	cfg.Storage.Sessions.Backend = "redis"
	cfg.Storage.Sessions.Redis.Addr = mr.Addr()
	app, _ := start(t, cfg)

	o, err := app.Open(context.Background(), "r1")
	require.NoError(t, err)
	say(t, o, "/checkpoint in redis")
	require.NoError(t, app.Close(context.Background()))

	assert.NotEmpty(t, mr.Keys())

	app, _ = start(t, cfg)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()
	o, err = app.Open(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, o.Session().TurnCount())
}

func TestApp_InMemoryStoresAndMemoryAgent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Checkpoints.Backend = "memory"
	cfg.Storage.Sessions.Backend = "memory"
	cfg.Storage.Memory.Backend = "memory"
	app, rec := start(t, cfg)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()
	require.NotNil(t, app.Memory)

	o, err := app.Open(context.Background(), "")
	require.NoError(t, err)
	say(t, o, "/list")
	assert.Equal(t, "No checkpoints yet", rec.Panels()[0].Title)
	assert.Len(t, app.Bus.History(eventbus.Filter{Kind: eventbus.KindTurnRecorded}), 1)
	assert.Eventually(t, func() bool {
		return app.Monitor.Count("event."+string(eventbus.KindTurnRecorded)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_WorkspaceTrust(t *testing.T) {
	authorize := func(t *testing.T, trusted bool) safety.Decision {
		cfg := testConfig(t)
		cfg.TrustWorkspace = trusted
		cfg.Storage.Checkpoints.Backend = "memory"
		cfg.Storage.Sessions.Backend = "memory"
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Workspace, "notes.txt"), []byte("hi\n"), 0o644))
		app, _ := start(t, cfg)
		defer func() { assert.NoError(t, app.Close(context.Background())) }()
		assert.Nil(t, app.Provider)

		tool, ok := app.Registry.Get("read_file")
		require.True(t, ok)
		return app.Gate.Authorize(context.Background(), safety.Request{
			Actor:  safety.Actor{ID: "test", Role: safety.RoleUser},
			Call:   tools.ToolCall{Tool: tool.Name, Params: tools.Params{"path": "notes.txt"}},
			Tool:   tool.Descriptor,
			Grants: cfg.Grants(),
		})
	}

	d := authorize(t, false)
	assert.Equal(t, safety.Deny, d.Verdict, "untrusted by default")
	assert.Equal(t, safety.RulePathTrust, d.Rule)

	d = authorize(t, true)
	assert.NotEqual(t, safety.Deny, d.Verdict, d.Reason)
}

func TestApp_BusRedeliversFailedEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Checkpoints.Backend = "memory"
	cfg.Storage.Sessions.Backend = "memory"
	app, _ := start(t, cfg)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	var attempts atomic.Int32
	sub := app.Bus.Subscribe(eventbus.Kind("test.flaky"), func(context.Context, eventbus.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	defer sub.Unsubscribe()

	require.NoError(t, app.Bus.Publish(context.Background(), eventbus.NewEvent("test.flaky", "test", nil)))
	assert.Eventually(t, func() bool { return attempts.Load() == 1+config.DefaultRedeliveries }, 2*time.Second, 10*time.Millisecond)
}

func TestApp_Health(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Checkpoints.Backend = "memory"
	cfg.Storage.Sessions.Backend = "memory"
	app, _ := start(t, cfg)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	assert.Equal(t, []string{"agents", "checkpoints", "sessions", "workspace"}, app.Health.Names())
	rec := httptest.NewRecorder()
	app.Health.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := app.Health.Check(context.Background())
	assert.Equal(t, observability.HealthStatusHealthy, resp.Status)

	require.NoError(t, os.RemoveAll(cfg.Workspace))
	resp = app.Health.Check(context.Background())
	assert.Equal(t, observability.HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, observability.HealthStatusUnhealthy, resp.Checks["workspace"].Status)
}
