package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultConsentTimeout applies when the policy does not set one.
const DefaultConsentTimeout = 2 * time.Minute

// DefaultDangerousTools always require consent unless allow-listed.
var DefaultDangerousTools = []string{"execute_shell", "write_file", "delete_file"}

// Policy is the immutable safety configuration. Obtain one from
// ParsePolicy, LoadPolicy or DefaultPolicy; never mutate a loaded policy.
type Policy struct {
	TrustedPaths   []string
	BlockedPaths   []string
	AllowTools     []string
	DenyTools      []string
	DangerousTools []string
	Roles          map[string]PermissionSet
	DefaultRole    string
	ConsentTimeout time.Duration
	AutoApprove    bool
}

// policyFile is the on-disk shape. Pointers distinguish absent keys from
// empty values; unknown keys are ignored by the decoder.
type policyFile struct {
	TrustedPaths   []string            `yaml:"trusted_paths"`
	BlockedPaths   []string            `yaml:"blocked_paths"`
	AllowTools     []string            `yaml:"allow_tools"`
	DenyTools      []string            `yaml:"deny_tools"`
	DangerousTools *[]string           `yaml:"dangerous_tools"`
	Roles          map[string][]string `yaml:"roles"`
	DefaultRole    *string             `yaml:"default_role"`
	ConsentTimeout *time.Duration      `yaml:"consent_timeout"`
	AutoApprove    bool                `yaml:"auto_approve"`
}

// DefaultPolicy is the conservative policy: no trusted paths, readonly
// default role, dangerous tools require consent.
func DefaultPolicy() *Policy {
	return &Policy{
		DangerousTools: slices.Clone(DefaultDangerousTools),
		Roles:          DefaultRoles(),
		DefaultRole:    RoleReadonly,
		ConsentTimeout: DefaultConsentTimeout,
	}
}

// ParsePolicy decodes a policy document under the default YAML limits.
func ParsePolicy(data []byte) (*Policy, error) {
	var raw policyFile
	if err := NewSafeYAMLParser(DefaultYAMLLimits()).Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	p := DefaultPolicy()
	p.TrustedPaths = raw.TrustedPaths
	p.BlockedPaths = raw.BlockedPaths
	p.AllowTools = raw.AllowTools
	p.DenyTools = raw.DenyTools
	p.AutoApprove = raw.AutoApprove
	if raw.DangerousTools != nil {
		p.DangerousTools = *raw.DangerousTools
	}
	for name, perms := range raw.Roles {
		set := make(PermissionSet, len(perms))
		for _, s := range perms {
			perm, err := ParsePermission(s)
			if err != nil {
				return nil, fmt.Errorf("parse policy: role %s: %w", name, err)
			}
			set[perm] = struct{}{}
		}
		p.Roles[name] = set
	}
	if raw.DefaultRole != nil {
		p.DefaultRole = *raw.DefaultRole
	}
	if _, ok := p.Roles[p.DefaultRole]; !ok {
		return nil, fmt.Errorf("parse policy: default_role %q is not defined", p.DefaultRole)
	}
	if raw.ConsentTimeout != nil {
		if *raw.ConsentTimeout <= 0 {
			return nil, fmt.Errorf("parse policy: consent_timeout must be positive")
		}
		p.ConsentTimeout = *raw.ConsentTimeout
	}
	return p, nil
}

// LoadPolicy reads a policy file. A missing file yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// RolePermissions returns the permission set of role, falling back to the
// default role for unknown names.
func (p *Policy) RolePermissions(role string) PermissionSet {
	if set, ok := p.Roles[role]; ok {
		return set
	}
	return p.Roles[p.DefaultRole]
}

func (p *Policy) denied(tool string) bool    { return slices.Contains(p.DenyTools, tool) }
func (p *Policy) allowed(tool string) bool   { return slices.Contains(p.AllowTools, tool) }
func (p *Policy) dangerous(tool string) bool { return slices.Contains(p.DangerousTools, tool) }

// PolicyHolder publishes the current policy. Readers never observe a
// partially updated policy.
type PolicyHolder struct {
	current atomic.Pointer[Policy]
	logger  *zap.Logger
}

// NewPolicyHolder starts with p, or DefaultPolicy when p is nil.
func NewPolicyHolder(p *Policy, logger *zap.Logger) *PolicyHolder {
	if p == nil {
		p = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &PolicyHolder{logger: logger}
	h.current.Store(p)
	return h
}

func (h *PolicyHolder) Load() *Policy { return h.current.Load() }

func (h *PolicyHolder) Store(p *Policy) { h.current.Store(p) }

// Reload reads path and swaps the policy. On error the old policy stays.
func (h *PolicyHolder) Reload(path string) error {
	p, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	h.Store(p)
	h.logger.Info("policy reloaded", zap.String("path", path))
	return nil
}

// Watch reloads the policy whenever path changes, until ctx ends. The
// parent directory is watched so editors that replace the file by rename
// are picked up.
func (h *PolicyHolder) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch policy: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if err := h.Reload(abs); err != nil {
					h.logger.Warn("policy reload failed, keeping previous policy",
						zap.String("path", abs), zap.Error(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.logger.Warn("policy watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
