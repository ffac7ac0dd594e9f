package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/pkg/llm"
)

const systemPrompt = `You classify the user's input for a terminal coding assistant.

Types:
- question: the user wants an answer or explanation, no changes
- task: the user wants work done that may run tools or change several files
- code_edit: the user wants a specific edit to named code or files
- plan: the user wants a plan or breakdown before any work happens
- meta: the user is issuing an assistant command (checkpoint, restore, undo, diff)

Respond with one JSON object:
{"type": "...", "confidence": 0.0-1.0, "parameters": {"name": "value"}, "reasoning": "...", "alternatives": [{"type": "...", "confidence": 0.0}]}`

// LLMClassifier asks a language model for a structured classification.
type LLMClassifier struct {
	provider    llm.Provider
	model       string
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

// LLMOption configures an LLMClassifier.
type LLMOption func(*LLMClassifier)

func WithModel(model string) LLMOption { return func(c *LLMClassifier) { c.model = model } }

func WithLogger(l *zap.Logger) LLMOption { return func(c *LLMClassifier) { c.logger = l } }

func NewLLMClassifier(p llm.Provider, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{provider: p, temperature: 0.1, maxTokens: 500, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type llmResult struct {
	Type         string         `json:"type"`
	Confidence   float64        `json:"confidence"`
	Parameters   map[string]any `json:"parameters"`
	Reasoning    string         `json:"reasoning"`
	Alternatives []struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// Classify never returns an error. Any backend or decoding failure yields
// Unknown with confidence 0 and the failure in Reasoning.
func (c *LLMClassifier) Classify(ctx context.Context, text string, sc SessionContext) (Intent, error) {
	req := llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: c.prompt(text, sc)}},
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		JSON:        true,
	}.System(systemPrompt)

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		c.logger.Warn("intent classification failed", zap.String("provider", c.provider.Name()), zap.Error(err))
		return Intent{Kind: Unknown, Reasoning: err.Error()}, nil
	}
	in, err := decodeIntent(resp.Content)
	if err != nil {
		c.logger.Warn("unparseable classification", zap.Error(err))
		return Intent{Kind: Unknown, Reasoning: err.Error()}, nil
	}
	return in, nil
}

func (c *LLMClassifier) prompt(text string, sc SessionContext) string {
	var b strings.Builder
	if sc.LastIntent != "" {
		fmt.Fprintf(&b, "Previous intent: %s\n", sc.LastIntent)
	}
	if sc.ActivePlan != "" {
		fmt.Fprintf(&b, "Active plan: %s\n", sc.ActivePlan)
	}
	if sc.Clarifying != "" {
		fmt.Fprintf(&b, "This answers a clarification about: %q\n", sc.Clarifying)
	}
	for _, r := range sc.Recent {
		fmt.Fprintf(&b, "Earlier input: %q\n", r)
	}
	fmt.Fprintf(&b, "Input: %q", text)
	return b.String()
}

func decodeIntent(content string) (Intent, error) {
	raw := extractJSON(content)
	var r llmResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Intent{}, fmt.Errorf("decode classification: %w", err)
	}
	kind := ParseKind(r.Type)
	if kind == Unknown {
		return Intent{}, fmt.Errorf("unknown intent type %q", r.Type)
	}
	in := Intent{Kind: kind, Confidence: clamp(r.Confidence), Reasoning: r.Reasoning}
	if len(r.Parameters) > 0 {
		in.Entities = make(map[string]string, len(r.Parameters))
		for k, v := range r.Parameters {
			if s, ok := v.(string); ok {
				in.Entities[k] = s
				continue
			}
			in.Entities[k] = fmt.Sprint(v)
		}
	}
	for _, a := range r.Alternatives {
		if k := ParseKind(a.Type); k != Unknown {
			in.Alternatives = append(in.Alternatives, Alternative{Kind: k, Confidence: clamp(a.Confidence)})
		}
	}
	return in, nil
}

// extractJSON strips markdown fences and surrounding prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
