package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aixgo-dev/steward/internal/agents"
	"github.com/aixgo-dev/steward/pkg/checkpoint"
	"github.com/aixgo-dev/steward/pkg/diff"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/session"
	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/builtin"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// setup describes a test environment. Zero values pick defaults.
type setup struct {
	files    map[string]string
	plans    []string
	classify func(text string, sc intent.SessionContext) intent.Intent
	policy   *safety.Policy
	role     string
	answers  llm.Provider
	tools    []tools.Tool
	sessions session.Store
	queue    int
	timeout  time.Duration
}

type harness struct {
	t     *testing.T
	bus   *eventbus.Bus
	ws    *sandbox.OSFS
	rec   *render.Recorder
	ckpts *checkpoint.Manager
	opts  Options
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	ws := workspace(t, s.files)
	reg, err := tools.NewRegistry(append(builtin.Tools(), s.tools...)...)
	require.NoError(t, err)

	planner := agents.NewPlanner(bus, agents.PlannerOptions{
		Provider: llm.NewMockProvider("planner", s.plans...),
		Registry: reg,
	})
	executor := agents.NewExecutor(bus, agents.ExecutorOptions{Executor: tools.NewExecutor(reg, tools.ExecutorOptions{})})
	for _, a := range []agents.Agent{planner, executor} {
		require.NoError(t, a.Start(context.Background()))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, a.Stop(ctx))
		})
	}

	classify := s.classify
	if classify == nil {
		classify = fixed(intent.Task, 0.9)
	}
	router, err := intent.NewRouter(intent.RouterOptions{
		Classifier: intent.ClassifierFunc(func(_ context.Context, text string, sc intent.SessionContext) (intent.Intent, error) {
			return classify(text, sc), nil
		}),
	})
	require.NoError(t, err)

	policy := s.policy
	if policy == nil {
		policy = safety.DefaultPolicy()
	}
	role := s.role
	if role == "" {
		role = safety.RoleUser
	}
	ckpts, err := checkpoint.NewManager(checkpoint.Options{Workspace: ws})
	require.NoError(t, err)

	rec := &render.Recorder{}
	return &harness{
		t:     t,
		bus:   bus,
		ws:    ws,
		rec:   rec,
		ckpts: ckpts,
		opts: Options{
			Bus:           bus,
			Router:        router,
			Gate:          safety.NewGate(safety.NewPolicyHolder(policy, nil), safety.GateOptions{Root: ws.Root()}),
			Registry:      reg,
			Checkpoints:   ckpts,
			Workspace:     ws,
			Provider:      s.answers,
			Sessions:      s.sessions,
			Renderer:      rec,
			Role:          role,
			Grants:        []string{"."},
			StepTimeout:   5 * time.Second,
			PlanTimeout:   5 * time.Second,
			AnswerTimeout: s.timeout,
			QueueSize:     s.queue,
		},
	}
}

// open starts a session that is closed when the test ends.
func (h *harness) open() *Orchestrator {
	h.t.Helper()
	o, err := New(session.New(""), h.opts)
	require.NoError(h.t, err)
	require.NoError(h.t, o.Start(context.Background()))
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(h.t, o.Close(ctx))
	})
	return o
}

// say submits input and waits until the session is idle or asking.
func (h *harness) say(o *Orchestrator, input string) State {
	h.t.Helper()
	require.NoError(h.t, o.Submit(input))
	return h.wait(o)
}

func (h *harness) wait(o *Orchestrator) State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := o.WaitReady(ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) read(path string) string {
	h.t.Helper()
	data, err := h.ws.ReadFile(path)
	require.NoError(h.t, err)
	return string(data)
}

func (h *harness) exists(path string) bool {
	_, err := os.Stat(filepath.Join(h.ws.Root(), filepath.FromSlash(path)))
	return err == nil
}

// states returns the sequence of states the session moved through.
func (h *harness) states(sessionID string) []State {
	h.t.Helper()
	var out []State
	for _, e := range h.bus.History(eventbus.Filter{Kind: eventbus.KindStateChanged}) {
		tr, err := eventbus.Decode[Transition](e)
		require.NoError(h.t, err)
		if tr.SessionID == sessionID {
			out = append(out, tr.To)
		}
	}
	return out
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

func fixed(kind intent.Kind, confidence float64) func(string, intent.SessionContext) intent.Intent {
	return func(string, intent.SessionContext) intent.Intent {
		return intent.Intent{Kind: kind, Confidence: confidence, Reasoning: "test"}
	}
}

func titles(panels []render.Panel) []string {
	out := make([]string, 0, len(panels))
	for _, p := range panels {
		out = append(out, p.Title)
	}
	return out
}

const insecureAuth = `def login(user, password):
    return user == "admin" and password == "admin"
`

const secureAuth = `import hmac

def login(user, password, store):
    expected = store.hash_for(user)
    return expected is not None and hmac.compare_digest(expected, store.hash(password))
`

const authTests = `from src.auth import login

def test_rejects_unknown_user(store):
    assert not login("nobody", "x", store)
`

// hardenAuth rewrites the auth module and adds its tests.
func hardenAuth() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "harden_auth",
			Description: "Rewrite the auth module with constant-time checks and add tests.",
			Risk:        tools.RiskDangerous,
			Params:      tools.Schema{"files": {Type: "array", Items: "string", Required: true}},
			PathParams:  []string{"files"},
		},
		Handler: func(_ context.Context, env tools.Env, _ tools.Params) (string, error) {
			if err := env.FS.WriteFile("src/auth.py", []byte(secureAuth), 0o644); err != nil {
				return "", err
			}
			if err := env.FS.WriteFile("tests/test_auth.py", []byte(authTests), 0o644); err != nil {
				return "", err
			}
			return "rewrote src/auth.py, added tests/test_auth.py", nil
		},
	}
}

const securePlan = `{"goal": "make the auth module more secure", "steps": [
  {"id": "read_auth", "description": "Read the auth module", "tool": "read_file", "params": {"path": "src/auth.py"}},
  {"id": "find_secrets", "description": "Look for hard-coded passwords", "tool": "search_files", "params": {"pattern": "password", "path": "src"}, "independent": true},
  {"id": "list_tests", "description": "List existing tests", "tool": "list_files", "params": {"path": "tests"}, "independent": true},
  {"id": "harden", "description": "Rewrite login and add tests", "tool": "harden_auth", "params": {"files": ["src/auth.py", "tests/test_auth.py"]}, "depends_on": ["read_auth", "find_secrets"], "risk": "dangerous"},
  {"id": "review", "description": "Review the hardened login flow", "depends_on": ["harden"]},
  {"id": "verify", "description": "Read back the new module", "tool": "read_file", "params": {"path": "src/auth.py"}, "depends_on": ["harden"]}
]}`

func TestScenario_SecureAuthModule(t *testing.T) {
	h := newHarness(t, setup{
		files: map[string]string{"src/auth.py": insecureAuth, "tests/__init__.py": ""},
		plans: []string{securePlan},
		tools: []tools.Tool{hardenAuth()},
		classify: func(string, intent.SessionContext) intent.Intent {
			return intent.Intent{Kind: intent.Task, Confidence: 0.85, Entities: map[string]string{"target": "auth"}}
		},
	})
	o := h.open()

	st := h.say(o, "make the auth module more secure")
	require.Equal(t, SafetyCheck, st)
	assert.True(t, o.Waiting())
	consent := h.rec.OfKind(render.KindConsent)
	require.Len(t, consent, 1)
	assert.Equal(t, "Run harden_auth?", consent[0].Title)
	assert.Equal(t, tools.RiskDangerous, consent[0].Risk)
	plans := h.rec.OfKind(render.KindPlan)
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].Table.Rows, 6)

	st = h.say(o, "yes")
	require.Equal(t, UserReview, st)
	diffs := h.rec.OfKind(render.KindDiff)
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Body, "+++ b/tests/test_auth.py")
	assert.Equal(t, insecureAuth, h.read("src/auth.py"), "nothing is written before review")
	assert.False(t, h.exists("tests/test_auth.py"))

	st = h.say(o, "yes")
	require.Equal(t, Idle, st)
	assert.Equal(t, secureAuth, h.read("src/auth.py"))
	assert.Equal(t, authTests, h.read("tests/test_auth.py"))

	cps, err := h.ckpts.List(context.Background(), o.ID())
	require.NoError(t, err)
	require.Len(t, cps, 2)
	pre := cps[1]
	assert.True(t, pre.HasTag(checkpoint.TagPreApply))
	assert.Equal(t, diff.Hash([]byte(insecureAuth)), pre.FileStates["src/auth.py"])
	assert.Equal(t, checkpoint.AbsentHash, pre.FileStates["tests/test_auth.py"])
	assert.True(t, cps[0].HasTag(TagPostApply))

	turns := o.Session().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, intent.Task, turns[0].Intent.Kind)
	assert.Len(t, turns[0].ToolResults, 5)
	for _, r := range turns[0].ToolResults {
		assert.True(t, r.OK(), "%s: %s", r.Tool, r.Error)
	}

	assert.Equal(t, []State{
		Parsing, IntentResolution, Planning,
		ToolSelection, SafetyCheck, ToolSelection, SafetyCheck, ToolSelection, SafetyCheck, Executing,
		ToolSelection, SafetyCheck, Executing, DiffPreview, UserReview, Applying, Checkpointing,
		ToolSelection, SafetyCheck, Executing,
		Idle,
	}, h.states(o.ID()))

	applied := h.bus.History(eventbus.Filter{Kind: eventbus.KindChangeSetApplied})
	require.Len(t, applied, 1)
	rec, err := eventbus.Decode[ChangeSetRecord](applied[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/auth.py", "tests/test_auth.py"}, rec.Applied)
}

func TestScenario_CheckpointRestore(t *testing.T) {
	files := map[string]string{
		"src/a.go": "package src\n\nconst A = 1\n",
		"src/b.go": "package src\n\nconst B = 2\n",
		"src/c.go": "package src\n\nconst C = 3\n",
	}
	var steps []string
	for i, path := range []string{"src/a.go", "src/b.go", "src/c.go", "src/d.go", "src/e.go"} {
		steps = append(steps, `{"id": "edit_`+string(rune('a'+i))+`", "description": "refactor", "tool": "write_file", "independent": true,
			"params": {"path": "`+path+`", "content": "package src\n\n// refactored\n"}}`)
	}
	policy := safety.DefaultPolicy()
	policy.AllowTools = []string{"write_file"}
	h := newHarness(t, setup{
		files:  files,
		plans:  []string{`{"goal": "refactor", "steps": [` + strings.Join(steps, ",") + `]}`},
		policy: policy,
	})
	o := h.open()

	before := map[string]string{}
	for p, c := range files {
		before[p] = diff.Hash([]byte(c))
	}

	require.Equal(t, Idle, h.say(o, `/checkpoint "before refactor"`))
	cps, err := h.ckpts.List(context.Background(), o.ID())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "ckpt_1", cps[0].ID)
	assert.Equal(t, "before refactor", cps[0].Metadata.Description)

	st := h.say(o, "refactor the src package")
	for range 5 {
		require.Equal(t, UserReview, st)
		st = h.say(o, "yes")
	}
	require.Equal(t, Idle, st)
	assert.True(t, h.exists("src/d.go"))
	assert.Equal(t, "package src\n\n// refactored\n", h.read("src/a.go"))

	require.Equal(t, Idle, h.say(o, "/restore ckpt_1"))
	for p, want := range before {
		assert.Equal(t, want, diff.Hash([]byte(h.read(p))), p)
	}
	assert.False(t, h.exists("src/d.go"))
	assert.False(t, h.exists("src/e.go"))
	assert.Equal(t, 3, o.Session().TurnCount(), "restore keeps the conversation")

	restored := h.bus.History(eventbus.Filter{Kind: eventbus.KindCheckpointRestored})
	require.Len(t, restored, 1)
}

func TestThresholdBoundaries(t *testing.T) {
	const onePlan = `{"goal": "inspect", "steps": [{"id": "read", "description": "Read", "tool": "read_file", "params": {"path": "main.go"}}]}`
	tests := []struct {
		name       string
		confidence float64
		want       State
		waiting    bool
	}{
		{"at auto-advance", 0.8, Idle, false},
		{"just below auto-advance", 0.79, IntentResolution, true},
		{"at confirm", 0.5, IntentResolution, true},
		{"just below confirm", 0.49, Clarify, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, setup{
				files:    map[string]string{"main.go": "package main\n"},
				plans:    []string{onePlan},
				classify: fixed(intent.Plan, tt.confidence),
			})
			o := h.open()

			st := h.say(o, "plan how to inspect main")
			assert.Equal(t, tt.want, st)
			assert.Equal(t, tt.waiting, o.Waiting())
			if !tt.waiting {
				assert.Len(t, h.rec.OfKind(render.KindPlan), 1)
				assert.Empty(t, h.rec.OfKind(render.KindClarify))
			}
		})
	}
}

func TestConfirm_DeclineEndsTurn(t *testing.T) {
	h := newHarness(t, setup{classify: fixed(intent.Task, 0.6)})
	o := h.open()

	require.Equal(t, IntentResolution, h.say(o, "tidy things up"))
	prompt := h.rec.OfKind(render.KindClarify)
	require.Len(t, prompt, 1)
	assert.Equal(t, "Treat this as a task? [y/n]", prompt[0].Title)

	assert.Equal(t, IntentResolution, h.say(o, "/list"), "commands wait for the answer")
	reprompt := h.rec.OfKind(render.KindClarify)
	require.Len(t, reprompt, 2)
	assert.Equal(t, "Please answer yes or no.", reprompt[1].Title)

	assert.Equal(t, Idle, h.say(o, "no"))
	assert.Empty(t, h.rec.OfKind(render.KindPlan))
	assert.Contains(t, titles(h.rec.OfKind(render.KindStatus)), "Cancelled")
	assert.Equal(t, []string{"tidy things up", "/list"}, inputs(o))
}

func TestClarify_ReclassifiesAnswer(t *testing.T) {
	answers := llm.NewMockProvider("answers", "It returns the user's session token.")
	h := newHarness(t, setup{
		answers: answers,
		classify: func(text string, sc intent.SessionContext) intent.Intent {
			if sc.Clarifying == "" {
				return intent.Intent{Kind: intent.Question, Confidence: 0.3}
			}
			return intent.Intent{Kind: intent.Question, Confidence: 0.95}
		},
	})
	o := h.open()

	require.Equal(t, Clarify, h.say(o, "auth thing"))
	require.Equal(t, Idle, h.say(o, "what does login() return?"))

	got := h.rec.OfKind(render.KindAnswer)
	require.Len(t, got, 1)
	assert.Equal(t, "It returns the user's session token.", got[0].Body)

	turn, ok := o.Session().LastTurn()
	require.True(t, ok)
	assert.Equal(t, "auth thing", turn.Input)
	assert.Equal(t, []string{"what does login() return?"}, turn.Clarifications)
	assert.Equal(t, intent.Question, turn.Intent.Kind)

	calls := answers.Calls()
	require.Len(t, calls, 1)
	last := calls[0].Messages[len(calls[0].Messages)-1]
	assert.Equal(t, "auth thing\nwhat does login() return?", last.Content)

	assert.Equal(t, []State{Parsing, IntentResolution, Clarify, Parsing, IntentResolution, Question, Streaming, Idle}, h.states(o.ID()))
}

func TestClarify_GivesUp(t *testing.T) {
	h := newHarness(t, setup{classify: fixed(intent.Task, 0.2)})
	o := h.open()

	require.Equal(t, Clarify, h.say(o, "hmm"))
	require.Equal(t, Clarify, h.say(o, "the thing"))
	require.Equal(t, Idle, h.say(o, "you know"))
	assert.Contains(t, titles(h.rec.OfKind(render.KindStatus)), "Still unsure what you meant")
}

func TestQuestion_WithoutProvider(t *testing.T) {
	h := newHarness(t, setup{classify: fixed(intent.Question, 0.9)})
	o := h.open()

	require.Equal(t, Idle, h.say(o, "what is this repo?"))
	errs := h.rec.OfKind(render.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Body, "no language model")
}

func TestParseError(t *testing.T) {
	h := newHarness(t, setup{})
	o := h.open()

	require.Equal(t, Idle, h.say(o, "   "))
	require.Equal(t, Idle, h.say(o, "/frobnicate now"))
	assert.Len(t, h.rec.OfKind(render.KindError), 2)
	assert.Empty(t, h.rec.OfKind(render.KindPlan))
}

func TestDeny_Blocked(t *testing.T) {
	policy := safety.DefaultPolicy()
	policy.DenyTools = []string{"delete_file"}
	h := newHarness(t, setup{
		files:  map[string]string{"keep.txt": "keep\n"},
		policy: policy,
		plans: []string{`{"goal": "clean", "steps": [
			{"id": "rm", "description": "Delete keep.txt", "tool": "delete_file", "params": {"path": "keep.txt"}},
			{"id": "after", "description": "Read it", "tool": "read_file", "params": {"path": "keep.txt"}}]}`},
	})
	o := h.open()

	require.Equal(t, Idle, h.say(o, "delete keep.txt"))
	assert.True(t, h.exists("keep.txt"))

	errs := h.rec.OfKind(render.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Blocked: delete_file (deny_list)", errs[0].Title)
	assert.Equal(t, []State{Parsing, IntentResolution, Planning, ToolSelection, SafetyCheck, Blocked, Idle}, h.states(o.ID()))

	turn, _ := o.Session().LastTurn()
	assert.Empty(t, turn.ToolResults, "nothing after a denial runs")
}

func TestConsent_DeclinedBlocks(t *testing.T) {
	h := newHarness(t, setup{
		files: map[string]string{"src/auth.py": insecureAuth},
		tools: []tools.Tool{hardenAuth()},
		plans: []string{`{"goal": "harden", "steps": [
			{"id": "harden", "description": "Rewrite", "tool": "harden_auth", "params": {"files": ["src/auth.py", "tests/test_auth.py"]}}]}`},
	})
	o := h.open()

	require.Equal(t, SafetyCheck, h.say(o, "harden auth"))
	require.Equal(t, SafetyCheck, h.say(o, "/checkpoint asked"), "commands wait for the answer")
	require.Equal(t, Idle, h.say(o, "no"))
	assert.Equal(t, insecureAuth, h.read("src/auth.py"))
	assert.Equal(t, []string{"harden auth", "/checkpoint asked"}, inputs(o))

	errs := h.rec.OfKind(render.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Blocked: harden_auth (consent)", errs[0].Title)

	resolved := h.bus.History(eventbus.Filter{Kind: eventbus.KindConsentResolved})
	require.Len(t, resolved, 1)
	rec, err := eventbus.Decode[ConsentRecord](resolved[0])
	require.NoError(t, err)
	assert.False(t, rec.Granted)
}

func TestConsent_AlwaysIsRemembered(t *testing.T) {
	h := newHarness(t, setup{
		files: map[string]string{"src/auth.py": insecureAuth},
		tools: []tools.Tool{hardenAuth()},
		plans: []string{`{"goal": "harden", "steps": [
			{"id": "harden", "description": "Rewrite", "tool": "harden_auth", "params": {"files": ["src/auth.py", "tests/test_auth.py"]}}]}`},
	})
	o := h.open()

	require.Equal(t, SafetyCheck, h.say(o, "harden auth"))
	require.Equal(t, UserReview, h.say(o, "always"))
	require.Equal(t, Idle, h.say(o, "no"))

	require.Equal(t, UserReview, h.say(o, "harden auth again"), "no second consent prompt")
	assert.Len(t, h.rec.OfKind(render.KindConsent), 1)
	require.Equal(t, Idle, h.say(o, "no"))
}

func TestReview_RejectDiscards(t *testing.T) {
	h := newHarness(t, setup{
		files:  map[string]string{"a.txt": "one\n"},
		policy: allowWrites(),
		plans: []string{`{"goal": "edit", "steps": [
			{"id": "w1", "description": "Write a", "tool": "write_file", "params": {"path": "a.txt", "content": "two\n"}},
			{"id": "w2", "description": "Write b", "tool": "write_file", "params": {"path": "b.txt", "content": "new\n"}}]}`},
	})
	o := h.open()

	require.Equal(t, UserReview, h.say(o, "edit a"))
	require.Equal(t, Idle, h.say(o, "no"))
	assert.Equal(t, "one\n", h.read("a.txt"))
	assert.False(t, h.exists("b.txt"), "steps after a rejection do not run")
	assert.Contains(t, titles(h.rec.OfKind(render.KindStatus)), "Changes discarded")

	cps, err := h.ckpts.List(context.Background(), o.ID())
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestReview_PartialApply(t *testing.T) {
	h := newHarness(t, setup{
		files:  map[string]string{"a.txt": "a\n", "b.txt": "b\n"},
		policy: allowWrites(),
		tools:  []tools.Tool{writeBoth()},
		plans: []string{`{"goal": "edit", "steps": [
			{"id": "both", "description": "Edit both", "tool": "write_both", "params": {"files": ["a.txt", "b.txt"]}}]}`},
	})
	o := h.open()

	require.Equal(t, UserReview, h.say(o, "edit both files"))
	require.Equal(t, UserReview, h.say(o, "c.txt"), "unknown file re-prompts")
	require.Equal(t, UserReview, h.say(o, "apply a.txt"), "the unreadable reply runs as its own request")
	assert.Equal(t, "A\n", h.read("a.txt"))
	require.Equal(t, Idle, h.say(o, "no"))
	assert.Equal(t, "A\n", h.read("a.txt"))
	assert.Equal(t, "b\n", h.read("b.txt"))
	assert.Contains(t, h.states(o.ID()), PartialApply)
}

func TestUndo(t *testing.T) {
	h := newHarness(t, setup{
		files:  map[string]string{"a.txt": "v1\n"},
		policy: allowWrites(),
		plans: []string{
			`{"goal": "v2", "steps": [{"id": "w", "description": "v2", "tool": "write_file", "params": {"path": "a.txt", "content": "v2\n"}}]}`,
			`{"goal": "v3", "steps": [{"id": "w", "description": "v3", "tool": "write_file", "params": {"path": "a.txt", "content": "v3\n"}}]}`,
		},
	})
	o := h.open()

	require.Equal(t, UserReview, h.say(o, "make it v2"))
	require.Equal(t, Idle, h.say(o, "yes"))
	require.Equal(t, UserReview, h.say(o, "make it v3"))
	require.Equal(t, Idle, h.say(o, "yes"))
	require.Equal(t, "v3\n", h.read("a.txt"))

	require.Equal(t, Idle, h.say(o, "/undo"))
	assert.Equal(t, "v2\n", h.read("a.txt"))
	require.Equal(t, Idle, h.say(o, "/undo"))
	assert.Equal(t, "v1\n", h.read("a.txt"))
	require.Equal(t, Idle, h.say(o, "/undo"))
	assert.Equal(t, "v1\n", h.read("a.txt"))
	assert.Contains(t, titles(h.rec.OfKind(render.KindStatus)), "Nothing to undo")
}

func TestCommands_ListAndDiff(t *testing.T) {
	h := newHarness(t, setup{
		files:  map[string]string{"a.txt": "v1\n"},
		policy: allowWrites(),
		plans:  []string{`{"goal": "v2", "steps": [{"id": "w", "description": "v2", "tool": "write_file", "params": {"path": "a.txt", "content": "v2\n"}}]}`},
	})
	o := h.open()

	require.Equal(t, Idle, h.say(o, "/checkpoint start"))
	require.Equal(t, Idle, h.say(o, "/diff since ckpt_1"))
	assert.Equal(t, "No changes since ckpt_1", h.rec.OfKind(render.KindDiff)[0].Title)

	require.Equal(t, UserReview, h.say(o, "make it v2"))
	require.Equal(t, Idle, h.say(o, "yes"))
	require.Equal(t, Idle, h.say(o, "/diff since ckpt_1"))
	diffs := h.rec.OfKind(render.KindDiff)
	last := diffs[len(diffs)-1]
	assert.Equal(t, "1 files changed since ckpt_1", last.Title)
	assert.Contains(t, last.Body, "+v2")

	require.Equal(t, Idle, h.say(o, "/list checkpoints"))
	panels := h.rec.OfKind(render.KindCheckpoint)
	list := panels[len(panels)-1]
	require.NotNil(t, list.Table)
	assert.Equal(t, "3 checkpoints", list.Title)
	assert.Equal(t, "ckpt_3", list.Table.Rows[0][0])
}

func TestRestore_OtherSessionRefused(t *testing.T) {
	h := newHarness(t, setup{})
	a, b := h.open(), h.open()

	require.Equal(t, Idle, h.say(a, "/checkpoint mine"))
	require.Equal(t, Idle, h.say(b, "/restore ckpt_1"))
	errs := h.rec.OfKind(render.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Body, "not found")
}

func TestDiff_OtherSessionRefused(t *testing.T) {
	h := newHarness(t, setup{files: map[string]string{"secret.txt": "mine\n"}})
	a, b := h.open(), h.open()

	require.Equal(t, Idle, h.say(a, "/checkpoint mine"))
	require.Equal(t, Idle, h.say(b, "/diff since ckpt_1"))
	assert.Empty(t, h.rec.OfKind(render.KindDiff))
	errs := h.rec.OfKind(render.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Body, "not found")
}

func TestInterrupt_DiscardsPending(t *testing.T) {
	h := newHarness(t, setup{
		files: map[string]string{"src/auth.py": insecureAuth},
		tools: []tools.Tool{hardenAuth()},
		plans: []string{`{"goal": "harden", "steps": [
			{"id": "harden", "description": "Rewrite", "tool": "harden_auth", "params": {"files": ["src/auth.py", "tests/test_auth.py"]}}]}`},
	})
	o := h.open()

	assert.False(t, o.Interrupt(), "nothing to interrupt while idle")
	require.Equal(t, SafetyCheck, h.say(o, "harden auth"))
	require.Equal(t, UserReview, h.say(o, "yes"))

	require.True(t, o.Interrupt())
	require.Equal(t, Idle, h.wait(o))
	assert.Equal(t, insecureAuth, h.read("src/auth.py"))
	assert.False(t, h.exists("tests/test_auth.py"))
	assert.Contains(t, titles(h.rec.OfKind(render.KindStatus)), "Interrupted")
	assert.Empty(t, h.rec.OfKind(render.KindError))
	assert.Equal(t, 1, o.Session().TurnCount())
}

func TestQueue_FIFO(t *testing.T) {
	h := newHarness(t, setup{})
	o := h.open()

	for _, in := range []string{"/checkpoint first", "/checkpoint second", "/list checkpoints"} {
		require.NoError(t, o.Submit(in))
	}
	require.Equal(t, Idle, h.wait(o))

	assert.Equal(t, []string{"/checkpoint first", "/checkpoint second", "/list checkpoints"}, inputs(o))

	cps, err := h.ckpts.List(context.Background(), o.ID())
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "second", cps[0].Metadata.Description)
}

func TestQueue_TypedAheadInputWaitsForItsTurn(t *testing.T) {
	h := newHarness(t, setup{
		files: map[string]string{"src/auth.py": insecureAuth},
		tools: []tools.Tool{hardenAuth()},
		plans: []string{`{"goal": "harden", "steps": [
			{"id": "harden", "description": "Rewrite", "tool": "harden_auth", "params": {"files": ["src/auth.py", "tests/test_auth.py"]}}]}`},
	})
	o := h.open()

	require.NoError(t, o.Submit("harden auth"))
	require.NoError(t, o.Submit("/checkpoint typed ahead"))
	require.Equal(t, SafetyCheck, h.wait(o))
	assert.True(t, o.Waiting())

	require.Equal(t, Idle, h.say(o, "no"))
	assert.Equal(t, []string{"harden auth", "/checkpoint typed ahead"}, inputs(o))
	cps, err := h.ckpts.List(context.Background(), o.ID())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "typed ahead", cps[0].Metadata.Description)
}

func TestQueue_EarlierInputNeverAnswersAPrompt(t *testing.T) {
	h := newHarness(t, setup{
		files: map[string]string{"src/auth.py": insecureAuth},
		tools: []tools.Tool{hardenAuth()},
		plans: []string{`{"goal": "harden", "steps": [
			{"id": "harden", "description": "Rewrite", "tool": "harden_auth", "params": {"files": ["src/auth.py", "tests/test_auth.py"]}}]}`},
	})
	o := h.open()

	require.NoError(t, o.Submit("harden auth"))
	require.NoError(t, o.Submit("yes"))
	require.Equal(t, SafetyCheck, h.wait(o))
	require.Len(t, h.rec.OfKind(render.KindConsent), 1)

	// "yes" was typed before the question; it runs as the next request,
	// which asks again.
	require.Equal(t, SafetyCheck, h.say(o, "no"))
	assert.Len(t, h.rec.OfKind(render.KindConsent), 2)
	require.Equal(t, Idle, h.say(o, "no"))

	assert.Equal(t, insecureAuth, h.read("src/auth.py"))
	assert.Equal(t, []string{"harden auth", "yes"}, inputs(o))
}

func TestQueue_FullAndClosed(t *testing.T) {
	h := newHarness(t, setup{queue: 1})
	o, err := New(session.New("s1"), h.opts)
	require.NoError(t, err)

	require.NoError(t, o.Submit("one"))
	assert.ErrorIs(t, o.Submit("two"), ErrQueueFull)

	require.NoError(t, o.Close(context.Background()))
	assert.ErrorIs(t, o.Submit("three"), ErrClosed)
	assert.ErrorIs(t, o.Start(context.Background()), ErrClosed)
}

func TestAnswerTimeout(t *testing.T) {
	h := newHarness(t, setup{classify: fixed(intent.Task, 0.6), timeout: 50 * time.Millisecond})
	o := h.open()

	require.NoError(t, o.Submit("do the thing"))
	require.Eventually(t, func() bool { return o.Session().TurnCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Idle, o.State())
	errs := h.rec.OfKind(render.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Body, "no answer within")
}

func TestSessionPersisted(t *testing.T) {
	store := session.NewMemoryStore()
	h := newHarness(t, setup{sessions: store})
	o := h.open()

	require.Equal(t, Idle, h.say(o, "/checkpoint saved"))
	loaded, err := store.Load(context.Background(), o.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.TurnCount())
	assert.Equal(t, []string{"ckpt_1"}, loaded.CheckpointIDs())

	recorded := h.bus.History(eventbus.Filter{Kind: eventbus.KindTurnRecorded})
	require.Len(t, recorded, 1)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus, router, gate, registry, checkpoints, workspace")
}

func inputs(o *Orchestrator) []string {
	var out []string
	for _, turn := range o.Session().Turns() {
		out = append(out, turn.Input)
	}
	return out
}

func allowWrites() *safety.Policy {
	p := safety.DefaultPolicy()
	p.AllowTools = []string{"write_file", "write_both"}
	return p
}

// writeBoth uppercases every file it is given.
func writeBoth() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "write_both",
			Description: "Uppercase files.",
			Risk:        tools.RiskRequiresApproval,
			Params:      tools.Schema{"files": {Type: "array", Items: "string", Required: true}},
			PathParams:  []string{"files"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			for _, f := range p.Strings("files") {
				data, err := env.FS.ReadFile(f)
				if err != nil {
					return "", err
				}
				if err := env.FS.WriteFile(f, []byte(strings.ToUpper(string(data))), 0o644); err != nil {
					return "", err
				}
			}
			return "ok", nil
		},
	}
}

// rewriteInPlace stands in for a command: it writes through the shell's
// working directory, so no change set is produced. started runs first.
func rewriteInPlace(started func()) tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:         "rewrite_in_place",
			Description:  "Rewrite a file the way a command would.",
			Risk:         tools.RiskRequiresApproval,
			Capabilities: tools.Capabilities{Exec: true},
			Params:       tools.Schema{"path": {Type: "string", Required: true}},
			PathParams:   []string{"path"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			started()
			target := filepath.Join(env.Shell.Dir, filepath.FromSlash(p.String("path")))
			return "rewrote", os.WriteFile(target, []byte("ran\n"), 0o644)
		},
	}
}

func TestExec_CheckpointBeforeCommandsRun(t *testing.T) {
	var (
		h       *harness
		session atomic.Value
		before  atomic.Int64
	)
	before.Store(-1)
	policy := safety.DefaultPolicy()
	policy.AllowTools = []string{"rewrite_in_place"}
	h = newHarness(t, setup{
		files:  map[string]string{"a.txt": "v1\n"},
		policy: policy,
		tools: []tools.Tool{rewriteInPlace(func() {
			cps, err := h.ckpts.List(context.Background(), session.Load().(string))
			if err == nil {
				before.Store(int64(len(cps)))
			}
		})},
		plans: []string{`{"goal": "rewrite", "steps": [
			{"id": "run", "description": "Rewrite a", "tool": "rewrite_in_place", "params": {"path": "a.txt"}}]}`},
	})
	o := h.open()
	session.Store(o.ID())

	require.Equal(t, Idle, h.say(o, "rewrite a.txt"))
	require.Equal(t, "ran\n", h.read("a.txt"))
	assert.Equal(t, int64(1), before.Load(), "the checkpoint exists when the command starts")

	cps, err := h.ckpts.List(context.Background(), o.ID())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.True(t, cps[0].HasTag(checkpoint.TagPreExec))
	assert.Equal(t, "before run", cps[0].Metadata.Description)

	require.Equal(t, Idle, h.say(o, "/undo"))
	assert.Equal(t, "v1\n", h.read("a.txt"))
}
