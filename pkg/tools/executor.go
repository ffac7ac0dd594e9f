package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// DefaultTimeout applies when a call is executed without a timeout.
const DefaultTimeout = 30 * time.Second

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Logger         *zap.Logger
	Limiter        *RateLimiter
	DefaultTimeout time.Duration
	// MaxParallel bounds ExecuteBatch. Zero means 4.
	MaxParallel int
}

// Executor runs tool calls in a sandbox with a hard wall-clock timeout.
type Executor struct {
	registry *Registry
	logger   *zap.Logger
	limiter  *RateLimiter
	timeout  time.Duration
	parallel int
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return &Executor{
		registry: registry,
		logger:   opts.Logger,
		limiter:  opts.Limiter,
		timeout:  opts.DefaultTimeout,
		parallel: opts.MaxParallel,
	}
}

// Registry returns the registry the executor resolves tools from.
func (e *Executor) Registry() *Registry { return e.registry }

type outcome struct {
	output string
	err    error
}

// Execute runs one call and always returns a result; failures are encoded
// in Status and ErrorKind.
func (e *Executor) Execute(ctx context.Context, call ToolCall, env Env, timeout time.Duration) (result ToolResult) {
	start := time.Now()
	result = ToolResult{CallID: call.ID, Tool: call.Tool}

	ctx, span := observability.StartSpan(ctx, "tools.execute",
		attribute.String("tool", call.Tool),
		attribute.String("call_id", call.ID),
	)
	defer func() {
		result.Duration = time.Since(start)
		observability.RecordToolExecution(call.Tool, string(result.Status), result.Duration)
		observability.EndSpan(span, result.Err())
		e.logger.Debug("tool executed",
			zap.String("tool", call.Tool),
			zap.String("call_id", call.ID),
			zap.String("status", string(result.Status)),
			zap.Duration("duration", result.Duration),
		)
	}()

	tool, ok := e.registry.Get(call.Tool)
	if !ok {
		return fail(result, KindInvalidParameters, fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool))
	}
	params, err := tool.Params.Validate(call.Params)
	if err != nil {
		return fail(result, KindInvalidParameters, err)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, call.Tool); err != nil {
			return fail(result, KindRuntimeFailure, err)
		}
	}

	if timeout <= 0 {
		timeout = e.timeout
	}
	runEnv, err := e.prepare(tool.Descriptor, params, env, timeout)
	if err != nil {
		return fail(result, classify(err), err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					zap.String("tool", call.Tool),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- outcome{err: &ExecutionError{Kind: KindRuntimeFailure, Tool: call.Tool, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		out, err := tool.Handler(runCtx, runEnv, params)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			result.Status = StatusSuccess
			result.Output = o.output
			return result
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.Output = o.output
			return timedOut(result, timeout)
		}
		result.Output = o.output
		return fail(result, classify(o.err), o.err)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return fail(result, KindRuntimeFailure, ctx.Err())
		}
		return timedOut(result, timeout)
	}
}

// ExecuteBatch runs calls concurrently, at most MaxParallel at a time, and
// returns results in call order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall, env Env, timeout time.Duration) []ToolResult {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call, env, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// prepare narrows the environment to what this call may touch.
func (e *Executor) prepare(desc Descriptor, params Params, env Env, timeout time.Duration) (Env, error) {
	out := Env{Logger: env.Logger}
	if out.Logger == nil {
		out.Logger = e.logger
	}
	out.Logger = out.Logger.With(zap.String("tool", desc.Name))

	if env.FS != nil {
		allowed := append(desc.Paths(params), env.Grants...)
		restricted, err := sandbox.Restrict(env.FS, allowed...)
		if err != nil {
			return Env{}, err
		}
		out.FS = restricted
		if desc.Capabilities.Exec {
			out.Shell = sandbox.Shell{Dir: env.FS.Root(), Network: desc.Capabilities.Network}
		}
	}
	out.HTTP = sandbox.HTTPClient(desc.Capabilities.Network, timeout)
	return out, nil
}

func classify(err error) ErrorKind {
	var execErr *ExecutionError
	switch {
	case errors.As(err, &execErr):
		return execErr.Kind
	case errors.Is(err, sandbox.ErrViolation):
		return KindSandboxViolation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindRuntimeFailure
	}
}

func fail(r ToolResult, kind ErrorKind, err error) ToolResult {
	r.Status = StatusFailure
	if kind == KindTimeout {
		r.Status = StatusTimeout
	}
	r.ErrorKind = kind
	r.Error = err.Error()
	return r
}

func timedOut(r ToolResult, timeout time.Duration) ToolResult {
	return fail(r, KindTimeout, fmt.Errorf("exceeded %s", timeout))
}
