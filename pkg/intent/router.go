package intent

import (
	"context"
	"fmt"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
)

// DefaultMaxInputLength bounds a single input in bytes.
const DefaultMaxInputLength = 100_000

// SessionContext is what the router may know about the session.
type SessionContext struct {
	SessionID  string
	LastIntent Kind
	// Recent holds the latest inputs, oldest first.
	Recent []string
	// ActivePlan is the goal of the plan in progress, if any.
	ActivePlan string
	// Clarifying holds the input being clarified when this text answers a
	// clarification request.
	Clarifying string
}

// Classifier scores text. Implementations return Unknown with confidence 0
// rather than an error when they cannot decide.
type Classifier interface {
	Classify(ctx context.Context, text string, sc SessionContext) (Intent, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string, sc SessionContext) (Intent, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string, sc SessionContext) (Intent, error) {
	return f(ctx, text, sc)
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Classifier scores non-command input. Defaults to KeywordClassifier.
	Classifier Classifier
	// Fallback is consulted when Classifier returns Unknown.
	Fallback       Classifier
	Thresholds     Thresholds
	MaxInputLength int
	Logger         *zap.Logger
}

// Router validates input, short-circuits meta commands, and classifies
// everything else.
type Router struct {
	classifier Classifier
	fallback   Classifier
	thresholds Thresholds
	maxLen     int
	logger     *zap.Logger
}

func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Classifier == nil {
		opts.Classifier = NewKeywordClassifier()
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxInputLength <= 0 {
		opts.MaxInputLength = DefaultMaxInputLength
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		classifier: opts.Classifier,
		fallback:   opts.Fallback,
		thresholds: opts.Thresholds,
		maxLen:     opts.MaxInputLength,
		logger:     opts.Logger,
	}, nil
}

// Thresholds returns the configured tier bounds.
func (r *Router) Thresholds() Thresholds { return r.thresholds }

// Tier maps in's confidence to a tier.
func (r *Router) Tier(in Intent) Tier { return r.thresholds.Tier(in.Confidence) }

// Classify returns the intent for text. Malformed input yields a
// *ParseError. An intent in the clarify tier is returned together with
// ErrAmbiguous.
func (r *Router) Classify(ctx context.Context, text string, sc SessionContext) (in Intent, err error) {
	ctx, span := observability.StartSpan(ctx, "intent.classify", attribute.Int("input_length", len(text)))
	defer func() {
		span.SetAttributes(attribute.String("intent", string(in.Kind)), attribute.Float64("confidence", in.Confidence))
		observability.EndSpan(span, err)
	}()

	if err := r.Validate(text); err != nil {
		return Intent{Kind: Unknown}, err
	}

	cmd, ok, err := ParseCommand(text)
	if err != nil {
		return Intent{Kind: Unknown}, err
	}
	if ok {
		return Intent{
			Kind:       Meta,
			Confidence: 1,
			Command:    &cmd,
			Entities:   commandEntities(cmd),
			Reasoning:  "meta command",
		}, nil
	}

	in, err = r.classifier.Classify(ctx, text, sc)
	if err != nil {
		r.logger.Warn("classifier failed", zap.Error(err))
		in = Intent{Kind: Unknown}
	}
	if in.Kind == Unknown && r.fallback != nil {
		fb, ferr := r.fallback.Classify(ctx, text, sc)
		if ferr == nil {
			in = fb
		}
	}
	in = Resolve(in)

	r.logger.Debug("classified input",
		zap.String("session", sc.SessionID),
		zap.String("intent", string(in.Kind)),
		zap.Float64("confidence", in.Confidence),
		zap.Stringer("tier", r.Tier(in)))

	if in.Kind == Unknown || r.Tier(in) == TierClarify {
		return in, fmt.Errorf("%w: %s at %.2f", ErrAmbiguous, in.Kind, in.Confidence)
	}
	return in, nil
}

// Validate rejects empty, over-long, non-UTF-8 or control-character input.
// Tabs and newlines are allowed.
func (r *Router) Validate(text string) error {
	switch {
	case len(text) == 0 || isBlank(text):
		return &ParseError{Reason: "empty input", Offset: -1}
	case len(text) > r.maxLen:
		return &ParseError{Reason: fmt.Sprintf("input exceeds %d bytes", r.maxLen), Offset: r.maxLen}
	case !utf8.ValidString(text):
		return &ParseError{Reason: "invalid UTF-8", Offset: -1}
	}
	for i, c := range text {
		if c == '\n' || c == '\t' || c == '\r' {
			continue
		}
		if unicode.IsControl(c) {
			return &ParseError{Reason: fmt.Sprintf("control character %U", c), Offset: i}
		}
	}
	return nil
}

func isBlank(s string) bool {
	for _, c := range s {
		if !unicode.IsSpace(c) {
			return false
		}
	}
	return true
}

func commandEntities(c Command) map[string]string {
	out := map[string]string{"command": string(c.Name)}
	switch c.Name {
	case CmdCheckpoint:
		if c.Arg != "" {
			out["description"] = c.Arg
		}
	case CmdRestore, CmdDiffSince:
		out["checkpoint_id"] = c.Arg
	}
	return out
}
