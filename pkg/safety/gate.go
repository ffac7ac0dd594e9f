// Package safety decides whether a tool call may run: deny and allow
// lists, path trust, role permissions, consent and audit.
package safety

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/tools"
)

// Verdict is the outcome of an authorization.
type Verdict string

const (
	Allow          Verdict = "allow"
	RequireConsent Verdict = "require_consent"
	Deny           Verdict = "deny"
)

// Rule names the policy rule that produced a decision.
type Rule string

const (
	RuleDenyList       Rule = "deny_list"
	RulePathTrust      Rule = "path_trust"
	RuleAllowList      Rule = "allow_list"
	RuleDangerous      Rule = "dangerous"
	RuleRolePermission Rule = "role_permission"
	RuleDefault        Rule = "default"
	RuleConsent        Rule = "consent"
)

var ErrDenied = errors.New("operation denied by safety policy")

// DeniedError reports a denial with the rule that caused it.
type DeniedError struct {
	Tool   string
	Rule   Rule
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s denied (%s): %s", e.Tool, e.Rule, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Actor is who asks for a tool call.
type Actor struct {
	ID        string
	Role      string
	SessionID string
}

// Request is the input to Authorize.
type Request struct {
	Actor Actor
	Call  tools.ToolCall
	Tool  tools.Descriptor
	// Risk is an optional assessment from the planner. It can raise the
	// tool's declared risk but never lower it.
	Risk tools.Risk
	// Grants are workspace paths the user approved for this session.
	Grants []string
}

// Decision is the result of Authorize.
type Decision struct {
	Verdict Verdict    `json:"verdict"`
	Rule    Rule       `json:"rule"`
	Reason  string     `json:"reason"`
	Risk    tools.Risk `json:"risk"`
	Paths   []string   `json:"paths,omitempty"`
}

// Err returns a *DeniedError for Deny and nil otherwise.
func (d Decision) Err(tool string) error {
	if d.Verdict != Deny {
		return nil
	}
	return &DeniedError{Tool: tool, Rule: d.Rule, Reason: d.Reason}
}

// GateOptions configures a Gate.
type GateOptions struct {
	Logger *zap.Logger
	Audit  AuditLogger
	// Root is the workspace root; relative paths resolve against it.
	Root string
}

// Gate evaluates tool calls against the current policy.
type Gate struct {
	policy *PolicyHolder
	logger *zap.Logger
	audit  AuditLogger
	root   string
}

func NewGate(policy *PolicyHolder, opts GateOptions) *Gate {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = NopAuditLogger{}
	}
	if policy == nil {
		policy = NewPolicyHolder(nil, opts.Logger)
	}
	root := opts.Root
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Gate{policy: policy, logger: opts.Logger, audit: opts.Audit, root: root}
}

// Policy returns the policy in effect.
func (g *Gate) Policy() *Policy { return g.policy.Load() }

// Audit returns the audit sink.
func (g *Gate) Audit() AuditLogger { return g.audit }

// Authorize applies, first match wins:
//
//  1. tool on the deny-list: Deny
//  2. a target path outside trusted roots and session grants, or inside a
//     blocked path: Deny
//  3. tool on the allow-list: Allow
//  4. dangerous risk, or the role lacks the risk's permission: RequireConsent
//  5. Allow
func (g *Gate) Authorize(ctx context.Context, req Request) Decision {
	_, span := observability.StartSpan(ctx, "safety.authorize",
		attribute.String("tool", req.Tool.Name))
	defer span.End()

	p := g.policy.Load()
	d := g.evaluate(p, req)

	observability.RecordSafetyDecision(string(d.Verdict), string(d.Rule))
	span.SetAttributes(attribute.String("verdict", string(d.Verdict)), attribute.String("rule", string(d.Rule)))
	g.logger.Debug("safety decision",
		zap.String("tool", req.Tool.Name),
		zap.String("actor", req.Actor.ID),
		zap.String("verdict", string(d.Verdict)),
		zap.String("rule", string(d.Rule)),
		zap.String("reason", d.Reason),
	)
	g.audit.Log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "safety.decision",
		ActorID:   req.Actor.ID,
		Role:      req.Actor.Role,
		SessionID: req.Actor.SessionID,
		Resource:  req.Tool.Name,
		Action:    string(d.Risk),
		Result:    string(d.Verdict),
		Rule:      string(d.Rule),
		Reason:    d.Reason,
		Params:    RedactParams(req.Call.Params),
	})
	return d
}

func (g *Gate) evaluate(p *Policy, req Request) Decision {
	name := req.Tool.Name
	risk := req.Tool.Risk.Max(req.Risk)
	if p.dangerous(name) {
		risk = tools.RiskDangerous
	}
	d := Decision{Risk: risk, Paths: req.Tool.Paths(req.Call.Params)}

	if p.denied(name) {
		return d.with(Deny, RuleDenyList, "tool is on the deny-list")
	}

	for _, target := range d.Paths {
		abs, err := g.resolve(target)
		if err != nil {
			return d.with(Deny, RulePathTrust, err.Error())
		}
		if g.within(abs, p.BlockedPaths) {
			return d.with(Deny, RulePathTrust, fmt.Sprintf("%s is inside a blocked path", target))
		}
		if !g.within(abs, p.TrustedPaths) && !g.within(abs, req.Grants) {
			return d.with(Deny, RulePathTrust, fmt.Sprintf("%s is outside trusted paths", target))
		}
	}

	if p.allowed(name) {
		return d.with(Allow, RuleAllowList, "tool is on the allow-list")
	}

	if risk == tools.RiskDangerous {
		return d.with(RequireConsent, RuleDangerous, "tool is dangerous")
	}
	role := req.Actor.Role
	if role == "" {
		role = p.DefaultRole
	}
	need := RequiredPermission(risk)
	if !p.RolePermissions(role).Has(need) {
		return d.with(RequireConsent, RuleRolePermission, fmt.Sprintf("role %s lacks %s", role, need))
	}
	return d.with(Allow, RuleDefault, "no rule restricts this call")
}

func (d Decision) with(v Verdict, r Rule, reason string) Decision {
	d.Verdict, d.Rule, d.Reason = v, r, reason
	return d
}

// resolve makes target absolute against the workspace root.
func (g *Gate) resolve(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(target) {
		if g.root == "" {
			return "", fmt.Errorf("relative path %s without a workspace root", target)
		}
		target = filepath.Join(g.root, target)
	}
	return realPath(filepath.Clean(target)), nil
}

// realPath resolves symlinks in the deepest existing ancestor of p.
func realPath(p string) string {
	rest := ""
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// within reports whether abs lies in any of roots.
func (g *Gate) within(abs string, roots []string) bool {
	for _, r := range roots {
		root, err := g.resolve(r)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
