package safety

import (
	"fmt"
	"sort"

	"github.com/aixgo-dev/steward/pkg/tools"
)

// Permission is a token from a closed set.
type Permission string

const (
	PermToolRead     Permission = "tool:read"
	PermToolWrite    Permission = "tool:write"
	PermToolExecute  Permission = "tool:execute"
	PermToolManage   Permission = "tool:manage"
	PermLLMRead      Permission = "llm:read"
	PermLLMWrite     Permission = "llm:write"
	PermMemoryRead   Permission = "memory:read"
	PermMemoryWrite  Permission = "memory:write"
	PermAgentExecute Permission = "agent:execute"
	PermAgentManage  Permission = "agent:manage"
	PermSystemAdmin  Permission = "system:admin"
	PermSystemConfig Permission = "system:config"
)

// AllPermissions lists every known permission.
var AllPermissions = []Permission{
	PermToolRead, PermToolWrite, PermToolExecute, PermToolManage,
	PermLLMRead, PermLLMWrite,
	PermMemoryRead, PermMemoryWrite,
	PermAgentExecute, PermAgentManage,
	PermSystemAdmin, PermSystemConfig,
}

// ParsePermission validates a permission token.
func ParsePermission(s string) (Permission, error) {
	for _, p := range AllPermissions {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// PermissionSet is an immutable set of permissions.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is granted. system:admin grants everything.
func (s PermissionSet) Has(p Permission) bool {
	if _, ok := s[PermSystemAdmin]; ok {
		return true
	}
	_, ok := s[p]
	return ok
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Built-in role names.
const (
	RoleAdmin    = "admin"
	RoleUser     = "user"
	RoleReadonly = "readonly"
)

// DefaultRoles is the role table used when a policy does not override it.
func DefaultRoles() map[string]PermissionSet {
	return map[string]PermissionSet{
		RoleAdmin: NewPermissionSet(AllPermissions...),
		RoleUser: NewPermissionSet(
			PermLLMRead, PermLLMWrite,
			PermToolRead, PermToolWrite, PermToolExecute,
			PermMemoryRead, PermMemoryWrite,
			PermAgentExecute,
		),
		RoleReadonly: NewPermissionSet(PermLLMRead, PermMemoryRead, PermToolRead),
	}
}

// RequiredPermission is the permission implied by a tool's risk class.
func RequiredPermission(r tools.Risk) Permission {
	switch r {
	case tools.RiskSafe:
		return PermToolRead
	case tools.RiskRequiresApproval:
		return PermToolWrite
	default:
		return PermToolExecute
	}
}
