package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/steward/pkg/llm"
)

func TestThresholdBoundaries(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		conf float64
		want Tier
	}{
		{1.0, TierAutoAdvance},
		{0.85, TierAutoAdvance},
		{0.80, TierAutoAdvance},
		{0.79, TierConfirm},
		{0.50, TierConfirm},
		{0.49, TierClarify},
		{0, TierClarify},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Tier(tt.conf), "confidence %.2f", tt.conf)
	}
	require.Error(t, Thresholds{AutoAdvance: 0.4, Confirm: 0.6}.Validate())
}

func TestResolveTieBreak(t *testing.T) {
	tests := []struct {
		name     string
		in       Intent
		wantKind Kind
		wantConf float64
	}{
		{
			name:     "meta beats question within band",
			in:       Intent{Kind: Question, Confidence: 0.82, Alternatives: []Alternative{{Kind: Meta, Confidence: 0.80}}},
			wantKind: Meta, wantConf: 0.80,
		},
		{
			name:     "code edit beats task",
			in:       Intent{Kind: Task, Confidence: 0.7, Alternatives: []Alternative{{Kind: CodeEdit, Confidence: 0.66}}},
			wantKind: CodeEdit, wantConf: 0.66,
		},
		{
			name:     "task beats plan at exactly the band",
			in:       Intent{Kind: Plan, Confidence: 0.60, Alternatives: []Alternative{{Kind: Task, Confidence: 0.55}}},
			wantKind: Task, wantConf: 0.55,
		},
		{
			name:     "plan beats question",
			in:       Intent{Kind: Question, Confidence: 0.9, Alternatives: []Alternative{{Kind: Plan, Confidence: 0.9}}},
			wantKind: Plan, wantConf: 0.9,
		},
		{
			name:     "outside band keeps top",
			in:       Intent{Kind: Question, Confidence: 0.9, Alternatives: []Alternative{{Kind: Meta, Confidence: 0.8}}},
			wantKind: Question, wantConf: 0.9,
		},
		{
			name:     "alternative above primary",
			in:       Intent{Kind: Question, Confidence: 0.3, Alternatives: []Alternative{{Kind: Task, Confidence: 0.9}}},
			wantKind: Task, wantConf: 0.9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.in)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-9)
			for _, a := range got.Alternatives {
				assert.NotEqual(t, got.Kind, a.Kind)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  Command
		ok    bool
		err   bool
	}{
		{input: `/checkpoint "before refactor"`, want: Command{Name: CmdCheckpoint, Arg: "before refactor"}, ok: true},
		{input: "checkpoint", want: Command{Name: CmdCheckpoint}, ok: true},
		{input: `checkpoint "before refactor"`, want: Command{Name: CmdCheckpoint, Arg: "before refactor"}, ok: true},
		{input: "/checkpoint before refactor", want: Command{Name: CmdCheckpoint, Arg: "before refactor"}, ok: true},
		{input: "checkpoint handling in server.go is broken, fix it", ok: false},
		{input: "restore ckpt_1", want: Command{Name: CmdRestore, Arg: "ckpt_1"}, ok: true},
		{input: "/restore", err: true},
		{input: "restore the old login flow", ok: false},
		{input: "list checkpoints", want: Command{Name: CmdListCheckpoints}, ok: true},
		{input: "diff since ckpt_2", want: Command{Name: CmdDiffSince, Arg: "ckpt_2"}, ok: true},
		{input: "/diff ckpt_2", err: true},
		{input: "undo", want: Command{Name: CmdUndo}, ok: true},
		{input: "undo the last three changes", ok: false},
		{input: "/frobnicate", err: true},
		{input: "what is a checkpoint?", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok, err := ParseCommand(tt.input)
			if tt.err {
				require.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRouterMetaBypassesScoring(t *testing.T) {
	called := false
	r, err := NewRouter(RouterOptions{Classifier: ClassifierFunc(func(context.Context, string, SessionContext) (Intent, error) {
		called = true
		return Intent{Kind: Question, Confidence: 0.99}, nil
	})})
	require.NoError(t, err)

	in, err := r.Classify(context.Background(), "/restore ckpt_3", SessionContext{})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, Meta, in.Kind)
	assert.Equal(t, 1.0, in.Confidence)
	require.NotNil(t, in.Command)
	assert.Equal(t, "ckpt_3", in.Entity("checkpoint_id"))
}

func TestRouterBareCheckpointWordIsClassified(t *testing.T) {
	r, err := NewRouter(RouterOptions{Classifier: ClassifierFunc(func(context.Context, string, SessionContext) (Intent, error) {
		return Intent{Kind: CodeEdit, Confidence: 0.9}, nil
	})})
	require.NoError(t, err)

	in, err := r.Classify(context.Background(), "checkpoint handling in server.go is broken, fix it", SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, CodeEdit, in.Kind)
	assert.Nil(t, in.Command)
}

func TestRouterValidation(t *testing.T) {
	r, err := NewRouter(RouterOptions{MaxInputLength: 16})
	require.NoError(t, err)
	ctx := context.Background()

	for _, input := range []string{"", "   \n", strings.Repeat("a", 17), "hello\x00world", "bell\x07", "bad\xffutf8"} {
		_, err := r.Classify(ctx, input, SessionContext{})
		var pe *ParseError
		require.ErrorAs(t, err, &pe, "input %q", input)
		assert.ErrorIs(t, err, ErrParse)
	}
	require.NoError(t, r.Validate("line one\n\tline two"))
}

func TestRouterAmbiguous(t *testing.T) {
	r, err := NewRouter(RouterOptions{Classifier: ClassifierFunc(func(context.Context, string, SessionContext) (Intent, error) {
		return Intent{Kind: Task, Confidence: 0.3}, nil
	})})
	require.NoError(t, err)

	in, err := r.Classify(context.Background(), "do the thing", SessionContext{})
	require.ErrorIs(t, err, ErrAmbiguous)
	assert.Equal(t, Task, in.Kind)
	assert.Equal(t, TierClarify, r.Tier(in))
}

func TestRouterFallsBackWhenClassifierUnknown(t *testing.T) {
	r, err := NewRouter(RouterOptions{
		Classifier: NewLLMClassifier(llm.NewMockProvider("m").Fail(errors.New("down"))),
		Fallback:   NewKeywordClassifier(),
	})
	require.NoError(t, err)

	in, err := r.Classify(context.Background(), "make the auth module more secure", SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, Task, in.Kind)
	assert.InDelta(t, 0.85, in.Confidence, 1e-9)
}

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier()
	ctx := context.Background()
	tests := []struct {
		input string
		want  Kind
	}{
		{"make the auth module more secure", Task},
		{"why does the login test fail?", Question},
		{"rename the helper in src/auth.py", CodeEdit},
		{"plan the migration to the new api", Plan},
		{"zzz", Unknown},
	}
	for _, tt := range tests {
		in, err := k.Classify(ctx, tt.input, SessionContext{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, Resolve(in).Kind, tt.input)
	}

	in, _ := k.Classify(ctx, "rename the helper in src/auth.py", SessionContext{})
	assert.Equal(t, "src/auth.py", in.Entity("path"))
}

func TestKeywordClassifierScoresClarificationWithOriginal(t *testing.T) {
	k := NewKeywordClassifier()
	ctx := context.Background()

	alone, err := k.Classify(ctx, "the login one", SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, Unknown, alone.Kind)

	in, err := k.Classify(ctx, "the login one", SessionContext{Clarifying: "rename the helper"})
	require.NoError(t, err)
	assert.Equal(t, CodeEdit, in.Kind)
}

func TestLLMClassifier(t *testing.T) {
	mock := llm.NewMockProvider("m",
		"```json\n"+`{"type": "task", "confidence": 0.85, "parameters": {"target": "auth", "files": 2}, "reasoning": "imperative", "alternatives": [{"type": "code_edit", "confidence": 0.6}]}`+"\n```")
	c := NewLLMClassifier(mock)

	in, err := c.Classify(context.Background(), "make the auth module more secure", SessionContext{LastIntent: Question})
	require.NoError(t, err)
	assert.Equal(t, Task, in.Kind)
	assert.Equal(t, 0.85, in.Confidence)
	assert.Equal(t, "auth", in.Entity("target"))
	assert.Equal(t, "2", in.Entity("files"))
	assert.Equal(t, []Alternative{{Kind: CodeEdit, Confidence: 0.6}}, in.Alternatives)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.1, calls[0].Temperature)
	assert.Equal(t, 500, calls[0].MaxTokens)
	assert.True(t, calls[0].JSON)
	assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
}

func TestLLMClassifierFailuresYieldUnknown(t *testing.T) {
	for name, p := range map[string]*llm.MockProvider{
		"backend error": llm.NewMockProvider("m").Fail(errors.New("boom")),
		"not json":      llm.NewMockProvider("m", "I think it's a task"),
		"bad type":      llm.NewMockProvider("m", `{"type": "poem", "confidence": 0.9}`),
	} {
		t.Run(name, func(t *testing.T) {
			in, err := NewLLMClassifier(p).Classify(context.Background(), "x", SessionContext{})
			require.NoError(t, err)
			assert.Equal(t, Unknown, in.Kind)
			assert.Zero(t, in.Confidence)
		})
	}
}
