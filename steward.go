// Package steward assembles the assistant runtime from a configuration:
// the event bus, sub-agents, stores, safety gate and session manager.
package steward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/agents"
	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/internal/orchestrator"
	"github.com/aixgo-dev/steward/pkg/checkpoint"
	"github.com/aixgo-dev/steward/pkg/config"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/memory"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/session"
	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/builtin"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// Options carries what the configuration file cannot express.
type Options struct {
	Logger   *zap.Logger
	Renderer render.Renderer
	// Provider replaces the configured LLM backends when set.
	Provider llm.Provider
	// Tools are registered next to the built-in tools.
	Tools []tools.Tool
	// WatchPolicy reloads the policy file when it changes.
	WatchPolicy bool
}

// App is a running assistant.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Bus          *eventbus.Bus
	Workspace    *sandbox.OSFS
	Policy       *safety.PolicyHolder
	Gate         *safety.Gate
	Registry     *tools.Registry
	Provider     llm.Provider
	Checkpoints  *checkpoint.Manager
	SessionStore session.Store
	Memory       memory.Store
	Monitor      *agents.Monitor
	Sessions     *orchestrator.Manager
	Health       *observability.HealthChecker

	agents  agents.Group
	closers []func(context.Context) error
}

// New builds and starts every component. On error everything already
// started is torn down again.
func New(ctx context.Context, cfg *config.Config, opts Options) (app *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	ws, err := sandbox.NewOSFS(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	app.Workspace = ws

	app.Bus = eventbus.New(
		eventbus.WithLogger(logger.Named("bus")),
		eventbus.WithHistorySize(cfg.Events.HistorySize),
		eventbus.WithRedeliveries(cfg.Events.RedeliveryCount()),
	)
	app.onClose(func(context.Context) error { app.Bus.Close(); return nil })

	if err := app.buildSafety(ctx, opts.WatchPolicy); err != nil {
		return nil, err
	}
	if err := app.buildTools(opts.Tools); err != nil {
		return nil, err
	}
	if err := app.buildProvider(ctx, opts.Provider); err != nil {
		return nil, err
	}
	if err := app.buildMemory(ctx); err != nil {
		return nil, err
	}
	if err := app.buildCheckpoints(ctx); err != nil {
		return nil, err
	}
	if err := app.buildSessions(ctx); err != nil {
		return nil, err
	}

	exec := tools.NewExecutor(app.Registry, tools.ExecutorOptions{
		Logger:         logger.Named("tools"),
		Limiter:        rateLimiter(cfg.Tools),
		DefaultTimeout: cfg.Tools.Timeout,
		MaxParallel:    cfg.Orchestrator.MaxParallelTasks,
	})
	app.Monitor = agents.NewMonitor(app.Bus, agents.MonitorOptions{Logger: logger.Named("monitor")})
	app.agents = agents.Group{
		app.Monitor,
		agents.NewPlanner(app.Bus, agents.PlannerOptions{
			Provider: app.Provider,
			Model:    firstModel(cfg),
			Registry: app.Registry,
			Memory:   app.Memory,
			Logger:   logger.Named("planner"),
		}),
		agents.NewExecutor(app.Bus, agents.ExecutorOptions{Executor: exec, Logger: logger.Named("executor")}),
	}
	if app.Memory != nil {
		app.agents = append(app.agents, agents.NewMemory(app.Bus, agents.MemoryOptions{Store: app.Memory, Logger: logger.Named("memory")}))
	}
	if err := app.agents.Start(ctx); err != nil {
		return nil, fmt.Errorf("start agents: %w", err)
	}
	app.onClose(app.agents.Stop)

	router, err := app.buildRouter()
	if err != nil {
		return nil, err
	}
	app.Sessions, err = orchestrator.NewManager(orchestrator.Options{
		Bus:         app.Bus,
		Router:      router,
		Gate:        app.Gate,
		Registry:    app.Registry,
		Checkpoints: app.Checkpoints,
		Workspace:   ws,
		Provider:    app.Provider,
		Model:       firstModel(cfg),
		Sessions:    app.SessionStore,
		Renderer:    opts.Renderer,
		Logger:      logger,
		Role:        cfg.Role,
		Grants:      cfg.Grants(),
		Consent: safety.ConsentOptions{
			Policy:      app.Policy,
			AutoApprove: cfg.Orchestrator.AutoApprove,
			Timeout:     cfg.Orchestrator.ConsentTimeout,
			Logger:      logger.Named("consent"),
		},
		MaxParallelTasks: cfg.Orchestrator.MaxParallelTasks,
		StepTimeout:      cfg.Tools.Timeout,
		QueueSize:        cfg.Orchestrator.QueueSize,
	})
	if err != nil {
		return nil, err
	}
	app.onClose(app.Sessions.Shutdown)
	app.registerHealth()
	if cfg.Observability.MetricsAddr != "" {
		app.Serve(cfg.Observability.MetricsAddr)
	}
	return app, nil
}

// Open returns the orchestrator for a session, resuming it from the
// session store when it exists. An empty id starts a new session.
func (a *App) Open(ctx context.Context, id string) (*orchestrator.Orchestrator, error) {
	return a.Sessions.Open(ctx, id)
}

// Close stops every component in reverse start order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func closer(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

func (a *App) buildSafety(ctx context.Context, watch bool) error {
	policy := safety.DefaultPolicy()
	if a.Config.PolicyPath != "" {
		p, err := safety.LoadPolicy(a.Config.PolicyPath)
		if err != nil {
			return err
		}
		policy = p
	}
	a.Policy = safety.NewPolicyHolder(policy, a.Logger.Named("policy"))
	if watch && a.Config.PolicyPath != "" {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := a.Policy.Watch(wctx, a.Config.PolicyPath); err != nil {
			cancel()
			return err
		}
		a.onClose(func(context.Context) error { cancel(); return nil })
	}

	audit, err := safety.NewFileAuditLogger(filepath.Join(a.Config.Storage.Dir, "audit.log"), a.Logger.Named("audit"))
	if err != nil {
		return err
	}
	a.onClose(closer(audit))
	a.Gate = safety.NewGate(a.Policy, safety.GateOptions{
		Logger: a.Logger.Named("safety"),
		Audit:  audit,
		Root:   a.Workspace.Root(),
	})
	return nil
}

func (a *App) buildTools(extra []tools.Tool) error {
	reg, err := tools.NewRegistry()
	if err != nil {
		return err
	}
	if err := builtin.Register(reg); err != nil {
		return err
	}
	for _, t := range extra {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	a.Registry = reg
	return nil
}

func rateLimiter(cfg config.ToolsConfig) *tools.RateLimiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return tools.NewRateLimiter(cfg.RateLimit, burst)
}

// buildProvider leaves Provider nil when no backend is configured; the
// planner and router then work without a model.
func (a *App) buildProvider(ctx context.Context, p llm.Provider) error {
	if p != nil {
		a.Provider = p
		return nil
	}
	if len(a.Config.LLM.Backends) == 0 {
		return nil
	}
	p, err := llm.Chain(ctx, a.Config.LLM.Backends, a.Config.LLM.Retry.Options(), a.Logger.Named("llm"))
	if errors.Is(err, llm.ErrNoProvider) {
		a.Logger.Warn("no language model available, continuing without one")
		return nil
	}
	if err != nil {
		return err
	}
	a.Provider = p
	return nil
}

func firstModel(cfg *config.Config) string {
	if len(cfg.LLM.Backends) == 0 {
		return ""
	}
	return cfg.LLM.Backends[0].Model
}

func (a *App) buildRouter() (*intent.Router, error) {
	ropts := intent.RouterOptions{
		Thresholds:     a.Config.Intent.Thresholds(),
		MaxInputLength: a.Config.Intent.MaxInputLength,
		Logger:         a.Logger.Named("intent"),
	}
	if a.Provider != nil {
		ropts.Classifier = intent.NewLLMClassifier(a.Provider,
			intent.WithModel(firstModel(a.Config)),
			intent.WithLogger(a.Logger.Named("intent")))
		ropts.Fallback = intent.NewKeywordClassifier()
	}
	return intent.NewRouter(ropts)
}

func (a *App) buildMemory(ctx context.Context) error {
	mc := a.Config.Storage.Memory
	if mc.Backend == "none" {
		return nil
	}
	var embedder memory.Embedder = memory.NewHashEmbedder(0)
	if mc.Embedder == "openai" {
		e, err := memory.NewOpenAIEmbedder(mc.OpenAI)
		if err != nil {
			return err
		}
		embedder = e
	}
	switch mc.Backend {
	case "firestore":
		s, err := memory.NewFirestoreStore(ctx, mc.Firestore, embedder)
		if err != nil {
			return err
		}
		a.Memory = s
	default:
		a.Memory = memory.NewInMemoryStore(embedder, mc.MaxItems)
	}
	a.onClose(closer(a.Memory))
	return nil
}

func (a *App) buildCheckpoints(ctx context.Context) error {
	cc := a.Config.Storage.Checkpoints
	var (
		records checkpoint.RecordStore
		blobs   checkpoint.BlobStore
		err     error
	)
	switch cc.Backend {
	case "memory":
		records = checkpoint.NewMemoryStore()
		blobs = checkpoint.NewMemoryBlobStore()
	case "redis":
		records, err = checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Addr:     cc.Redis.Addr,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
			Prefix:   cc.Redis.Prefix,
		})
	case "sqlite":
		records, err = checkpoint.NewSQLiteStore(a.Config.Path(cc.Path, "checkpoints.db"))
	default:
		records, err = checkpoint.NewFileStore(a.Config.Path(cc.Path, "checkpoints"))
	}
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	a.onClose(closer(records))
	if blobs == nil {
		fb, err := checkpoint.NewFileBlobStore(filepath.Join(a.Config.Storage.Dir, "blobs"))
		if err != nil {
			return err
		}
		blobs = fb
	}

	a.Checkpoints, err = checkpoint.NewManager(checkpoint.Options{
		Workspace: a.Workspace,
		Blobs:     blobs,
		Records:   records,
		Logger:    a.Logger.Named("checkpoint"),
	})
	if err != nil {
		return err
	}
	if cc.Retention.Schedule != "" {
		stop, err := a.Checkpoints.Schedule(cc.Retention.Schedule, cc.Retention.Keep)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { stop(); return nil })
	}
	return nil
}

func (a *App) buildSessions(ctx context.Context) error {
	sc := a.Config.Storage.Sessions
	var (
		store session.Store
		err   error
	)
	switch sc.Backend {
	case "memory":
		store = session.NewMemoryStore()
	case "redis":
		store, err = session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
			TTL:      sc.TTL,
		})
	default:
		store, err = session.NewFileStore(a.Config.Path(sc.Path, "sessions"))
	}
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.SessionStore = store
	a.onClose(closer(store))
	return nil
}

// InitObservability configures tracing and metrics. The returned function
// flushes pending spans.
func InitObservability(logger *zap.Logger) (func(context.Context) error, error) {
	if err := observability.InitTracing(observability.TracingFromEnv(), logger); err != nil {
		return nil, err
	}
	observability.InitMetrics()
	return observability.Shutdown, nil
}

// Serve exposes /metrics and /healthz on addr until the app closes.
func (a *App) Serve(addr string) {
	srv := observability.NewServer(addr, a.Health)
	go func() {
		if err := srv.Start(); err != nil {
			a.Logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.onClose(srv.Shutdown)
}

func (a *App) registerHealth() {
	a.Health = observability.NewHealthChecker()
	a.Health.Register(observability.HealthCheck{
		Name:     "workspace",
		Critical: true,
		Check: func(context.Context) error {
			_, err := a.Workspace.Stat(".")
			return err
		},
	})
	a.Health.Register(observability.HealthCheck{
		Name:     "sessions",
		Critical: true,
		Check: func(ctx context.Context) error {
			_, err := a.SessionStore.List(ctx, session.ListOptions{Limit: 1})
			return err
		},
	})
	a.Health.Register(observability.HealthCheck{
		Name: "checkpoints",
		Check: func(ctx context.Context) error {
			_, err := a.Checkpoints.Latest(ctx, healthSession, "")
			if errors.Is(err, checkpoint.ErrNotFound) {
				return nil
			}
			return err
		},
	})
	a.Health.Register(observability.HealthCheck{
		Name: "agents",
		Check: func(context.Context) error {
			for _, ag := range a.agents {
				if !ag.Ready() {
					return fmt.Errorf("agent %s is not running", ag.Name())
				}
			}
			return nil
		},
	})
}

// healthSession never holds checkpoints; probing it exercises the record
// store without loading real data.
const healthSession = "healthcheck"
