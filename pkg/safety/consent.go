package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/pkg/tools"
)

var ErrConsentTimeout = errors.New("consent timed out")

// Answer is a user's reply to a consent prompt.
type Answer string

const (
	AnswerYes    Answer = "yes"
	AnswerNo     Answer = "no"
	AnswerAlways Answer = "always"
	AnswerNever  Answer = "never"
)

// ParseAnswer maps free-form replies onto an Answer.
func ParseAnswer(s string) (Answer, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "ok", "allow", "approve", "accept":
		return AnswerYes, true
	case "n", "no", "deny", "reject", "cancel":
		return AnswerNo, true
	case "a", "always", "always allow":
		return AnswerAlways, true
	case "never", "always deny":
		return AnswerNever, true
	}
	return "", false
}

// Level is a remembered consent decision.
type Level string

const (
	AlwaysAllow Level = "always_allow"
	AlwaysDeny  Level = "always_deny"
)

// ConsentRequest is what the user is asked to approve.
type ConsentRequest struct {
	Tool        string       `json:"tool"`
	Operation   string       `json:"operation"`
	Description string       `json:"description"`
	Risk        tools.Risk   `json:"risk"`
	Paths       []string     `json:"paths,omitempty"`
	Params      tools.Params `json:"params,omitempty"`
}

// Key identifies the tool:operation pair decisions are remembered for.
func (r ConsentRequest) Key() string { return r.Tool + ":" + r.Operation }

// Prompter asks the user. Implementations must return when ctx ends.
type Prompter interface {
	AskConsent(ctx context.Context, req ConsentRequest) (Answer, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req ConsentRequest) (Answer, error)

func (f PrompterFunc) AskConsent(ctx context.Context, req ConsentRequest) (Answer, error) {
	return f(ctx, req)
}

// ConsentOptions configures a Consent manager.
type ConsentOptions struct {
	// Policy supplies timeout and auto-approve when set.
	Policy *PolicyHolder
	// AutoApprove approves every request (headless mode).
	AutoApprove bool
	// Timeout overrides the policy timeout when positive.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Consent resolves RequireConsent decisions.
type Consent struct {
	opts       ConsentOptions
	logger     *zap.Logger
	mu         sync.RWMutex
	remembered map[string]Level
}

func NewConsent(opts ConsentOptions) *Consent {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consent{opts: opts, logger: logger, remembered: make(map[string]Level)}
}

// Remember stores a decision for tool:operation.
func (c *Consent) Remember(tool, operation string, level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remembered[tool+":"+operation] = level
}

// Remembered returns the stored decision for tool:operation.
func (c *Consent) Remembered(tool, operation string) (Level, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.remembered[tool+":"+operation]
	return l, ok
}

// Clear forgets every remembered decision.
func (c *Consent) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remembered = make(map[string]Level)
}

// Timeout is the effective consent timeout.
func (c *Consent) Timeout() time.Duration {
	if c.opts.Timeout > 0 {
		return c.opts.Timeout
	}
	if c.opts.Policy != nil {
		return c.opts.Policy.Load().ConsentTimeout
	}
	return DefaultConsentTimeout
}

func (c *Consent) autoApprove() bool {
	if c.opts.AutoApprove {
		return true
	}
	return c.opts.Policy != nil && c.opts.Policy.Load().AutoApprove
}

// Request resolves req: remembered decision, then auto-approve, then the
// prompter. No answer within the timeout is a denial reported as
// ErrConsentTimeout.
func (c *Consent) Request(ctx context.Context, req ConsentRequest, p Prompter) (bool, error) {
	if level, ok := c.Remembered(req.Tool, req.Operation); ok {
		return level == AlwaysAllow, nil
	}
	if c.autoApprove() {
		c.logger.Info("consent auto-approved", zap.String("key", req.Key()))
		return true, nil
	}
	if p == nil {
		return false, fmt.Errorf("no consent prompter for %s", req.Key())
	}

	timeout := c.Timeout()
	askCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answer, err := p.AskConsent(askCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(askCtx.Err(), context.DeadlineExceeded) {
			c.logger.Info("consent timed out", zap.String("key", req.Key()), zap.Duration("timeout", timeout))
			return false, fmt.Errorf("%w after %s", ErrConsentTimeout, timeout)
		}
		return false, err
	}

	switch answer {
	case AnswerAlways:
		c.Remember(req.Tool, req.Operation, AlwaysAllow)
		return true, nil
	case AnswerNever:
		c.Remember(req.Tool, req.Operation, AlwaysDeny)
		return false, nil
	case AnswerYes:
		return true, nil
	default:
		return false, nil
	}
}
