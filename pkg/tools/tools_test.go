package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

func echoTool(name string) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        name,
			Description: "echo the message",
			Risk:        RiskSafe,
			Params: Schema{
				"message": {Type: "string", Required: true},
			},
		},
		Handler: func(_ context.Context, _ Env, p Params) (string, error) {
			return p.String("message"), nil
		},
	}
}

func newTestExecutor(t *testing.T, tools ...Tool) *Executor {
	t.Helper()
	reg, err := NewRegistry(tools...)
	require.NoError(t, err)
	return NewExecutor(reg, ExecutorOptions{DefaultTimeout: time.Second})
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg, err := NewRegistry(echoTool("echo"))
	require.NoError(t, err)

	err = reg.Register(echoTool("echo"))
	assert.ErrorIs(t, err, ErrDuplicateTool)
	assert.Equal(t, uint64(1), reg.Version())
}

func TestRegistry_ReplaceSnapshots(t *testing.T) {
	reg, err := NewRegistry(echoTool("echo"))
	require.NoError(t, err)
	before := reg.Snapshot()

	replacement := echoTool("echo")
	replacement.Description = "v2"
	require.NoError(t, reg.Replace(replacement))

	old, _ := before.Get("echo")
	cur, _ := reg.Get("echo")
	assert.Equal(t, "echo the message", old.Description)
	assert.Equal(t, "v2", cur.Description)
	assert.Greater(t, reg.Version(), before.Version())

	require.NoError(t, reg.Unregister("echo"))
	_, ok := reg.Get("echo")
	assert.False(t, ok)
	assert.ErrorIs(t, reg.Unregister("echo"), ErrUnknownTool)
}

func TestRegistry_RejectsInvalidTool(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	bad := echoTool("bad")
	bad.Risk = "scary"
	assert.Error(t, reg.Register(bad))

	bad = echoTool("bad")
	bad.PathParams = []string{"path"}
	assert.Error(t, reg.Register(bad))
}

func TestRegistry_FunctionDefinitions(t *testing.T) {
	reg, err := NewRegistry(echoTool("b_echo"), echoTool("a_echo"))
	require.NoError(t, err)

	defs := reg.FunctionDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a_echo", defs[0].Function.Name)

	var params map[string]any
	require.NoError(t, json.Unmarshal(defs[0].Function.Parameters.(json.RawMessage), &params))
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []any{"message"}, params["required"])
}

func TestSchema_Validate(t *testing.T) {
	minLines := 1.0
	schema := Schema{
		"path":  {Type: "string", Required: true, MaxLength: 10},
		"lines": {Type: "integer", Minimum: &minLines, Default: 20.0},
		"mode":  {Type: "string", Enum: []any{"fast", "slow"}},
		"tags":  {Type: "array", Items: "string"},
		"id":    {Type: "string", Pattern: `^[a-z]+$`},
	}

	tests := []struct {
		name   string
		params Params
		errMsg string
	}{
		{"valid", Params{"path": "a.go"}, ""},
		{"missing required", Params{}, "missing required parameter: path"},
		{"wrong type", Params{"path": 3}, "expected string"},
		{"too long", Params{"path": "very/long/path.go"}, "too long"},
		{"below minimum", Params{"path": "a", "lines": 0}, "below minimum"},
		{"fractional integer", Params{"path": "a", "lines": 1.5}, "expected integer"},
		{"not in enum", Params{"path": "a", "mode": "medium"}, "not in allowed list"},
		{"array item type", Params{"path": "a", "tags": []any{"x", 1}}, "expected string"},
		{"pattern", Params{"path": "a", "id": "ABC"}, "does not match"},
		{"unknown", Params{"path": "a", "extra": true}, "unknown parameter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := schema.Validate(tt.params)
			if tt.errMsg == "" {
				require.NoError(t, err)
				assert.Equal(t, 20.0, out["lines"])
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestExecutor_Success(t *testing.T) {
	ex := newTestExecutor(t, echoTool("echo"))
	res := ex.Execute(context.Background(), ToolCall{ID: "c1", Tool: "echo", Params: Params{"message": "hi"}}, Env{}, 0)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "hi", res.Output)
	assert.Equal(t, "c1", res.CallID)
	assert.NoError(t, res.Err())
}

func TestExecutor_InvalidParametersNeverReachTool(t *testing.T) {
	var called atomic.Bool
	tool := echoTool("echo")
	tool.Handler = func(context.Context, Env, Params) (string, error) {
		called.Store(true)
		return "", nil
	}
	ex := newTestExecutor(t, tool)

	res := ex.Execute(context.Background(), ToolCall{Tool: "echo", Params: Params{"message": 42}}, Env{}, 0)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindInvalidParameters, res.ErrorKind)
	assert.False(t, called.Load())

	res = ex.Execute(context.Background(), ToolCall{Tool: "nope"}, Env{}, 0)
	assert.Equal(t, KindInvalidParameters, res.ErrorKind)
}

func TestExecutor_Timeout(t *testing.T) {
	tool := echoTool("slow")
	var sawCancel atomic.Bool
	tool.Handler = func(ctx context.Context, _ Env, _ Params) (string, error) {
		<-ctx.Done()
		sawCancel.Store(true)
		return "", ctx.Err()
	}
	ex := newTestExecutor(t, tool)

	res := ex.Execute(context.Background(), ToolCall{Tool: "slow", Params: Params{"message": "x"}}, Env{}, 20*time.Millisecond)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)

	var execErr *ExecutionError
	require.True(t, errors.As(res.Err(), &execErr))
	assert.Equal(t, KindTimeout, execErr.Kind)
}

func TestExecutor_Panic(t *testing.T) {
	tool := echoTool("boom")
	tool.Handler = func(context.Context, Env, Params) (string, error) {
		panic("kaboom")
	}
	ex := newTestExecutor(t, tool)

	res := ex.Execute(context.Background(), ToolCall{Tool: "boom", Params: Params{"message": "x"}}, Env{}, 0)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindRuntimeFailure, res.ErrorKind)
	assert.Contains(t, res.Error, "kaboom")
}

func readTool() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:       "read",
			Risk:       RiskSafe,
			Params:     Schema{"path": {Type: "string", Required: true}, "other": {Type: "string"}},
			PathParams: []string{"path"},
		},
		Handler: func(_ context.Context, env Env, p Params) (string, error) {
			target := p.String("path")
			if other := p.String("other"); other != "" {
				target = other
			}
			data, err := env.FS.ReadFile(target)
			return string(data), err
		},
	}
}

func TestExecutor_SandboxViolation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("B"), 0o644))
	ws, err := sandbox.NewOSFS(dir)
	require.NoError(t, err)
	ex := newTestExecutor(t, readTool())
	env := Env{FS: ws}

	res := ex.Execute(context.Background(), ToolCall{Tool: "read", Params: Params{"path": "a.txt"}}, env, 0)
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "A", res.Output)

	// reading a path that was not granted to the call
	res = ex.Execute(context.Background(), ToolCall{Tool: "read", Params: Params{"path": "a.txt", "other": "b.txt"}}, env, 0)
	assert.Equal(t, KindSandboxViolation, res.ErrorKind)

	res = ex.Execute(context.Background(), ToolCall{Tool: "read", Params: Params{"path": "../escape"}}, env, 0)
	assert.Equal(t, KindSandboxViolation, res.ErrorKind)

	env.Grants = []string{"b.txt"}
	res = ex.Execute(context.Background(), ToolCall{Tool: "read", Params: Params{"path": "a.txt", "other": "b.txt"}}, env, 0)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestExecutor_NetworkDeniedWithoutCapability(t *testing.T) {
	tool := echoTool("fetch")
	tool.Handler = func(_ context.Context, env Env, _ Params) (string, error) {
		_, err := env.HTTP.Get("http://127.0.0.1:1/")
		return "", err
	}
	ex := newTestExecutor(t, tool)

	res := ex.Execute(context.Background(), ToolCall{Tool: "fetch", Params: Params{"message": "x"}}, Env{}, 0)
	assert.Equal(t, KindSandboxViolation, res.ErrorKind)
}

func TestExecutor_BatchBounded(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	tool := echoTool("work")
	tool.Handler = func(_ context.Context, _ Env, p Params) (string, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return p.String("message"), nil
	}
	reg, err := NewRegistry(tool)
	require.NoError(t, err)
	ex := NewExecutor(reg, ExecutorOptions{MaxParallel: 2})

	var calls []ToolCall
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		calls = append(calls, ToolCall{Tool: "work", Params: Params{"message": m}})
	}
	results := ex.ExecuteBatch(context.Background(), calls, Env{}, time.Second)

	require.Len(t, results, 5)
	for i, m := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, m, results[i].Output)
	}
	assert.LessOrEqual(t, peak, 2)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("any"))
	}

	rl.SetToolLimit("limited", 1, 1)
	assert.True(t, rl.Allow("limited"))
	assert.False(t, rl.Allow("limited"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "limited"))
}

type greetInput struct {
	Name  string `json:"name" jsonschema:"required,minLength=1" description:"who to greet"`
	Times int    `json:"times" jsonschema:"minimum=1,maximum=3,default=1"`
	Tone  string `json:"tone" jsonschema:"enum=warm|cold"`
}

func TestTypedTool(t *testing.T) {
	typed := NewTypedTool(Descriptor{Name: "greet", Risk: RiskSafe}, func(_ context.Context, _ Env, in greetInput) (string, error) {
		out := ""
		for i := 0; i < in.Times; i++ {
			out += "hello " + in.Name + ";"
		}
		return out, nil
	})

	schema := typed.Descriptor().Params
	assert.True(t, schema["name"].Required)
	assert.Equal(t, "who to greet", schema["name"].Description)
	assert.Equal(t, "integer", schema["times"].Type)
	assert.Equal(t, []any{"warm", "cold"}, schema["tone"].Enum)

	ex := newTestExecutor(t, typed.Tool())
	res := ex.Execute(context.Background(), ToolCall{Tool: "greet", Params: Params{"name": "ana"}}, Env{}, 0)
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "hello ana;", res.Output)

	res = ex.Execute(context.Background(), ToolCall{Tool: "greet", Params: Params{"name": "ana", "times": 9}}, Env{}, 0)
	assert.Equal(t, KindInvalidParameters, res.ErrorKind)
}

func TestRiskOrdering(t *testing.T) {
	assert.Equal(t, RiskDangerous, RiskSafe.Max(RiskDangerous))
	assert.Equal(t, RiskRequiresApproval, RiskRequiresApproval.Max(RiskSafe))
	assert.Equal(t, RiskSafe, Risk("").Max(RiskSafe))
}
