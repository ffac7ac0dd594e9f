// Package tools holds the tool registry and the sandboxed executor.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

// Risk classifies what a tool can do to the workspace.
type Risk string

const (
	RiskSafe             Risk = "safe"
	RiskRequiresApproval Risk = "requires_approval"
	RiskDangerous        Risk = "dangerous"
)

// Rank orders risks from safe (0) to dangerous (2). Unknown risks rank as
// dangerous.
func (r Risk) Rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskRequiresApproval:
		return 1
	default:
		return 2
	}
}

// Max returns the higher of two risks.
func (r Risk) Max(other Risk) Risk {
	if other.Rank() > r.Rank() {
		return other
	}
	if r == "" {
		return other
	}
	return r
}

// Valid reports whether r is one of the known risk classes.
func (r Risk) Valid() bool {
	return r == RiskSafe || r == RiskRequiresApproval || r == RiskDangerous
}

// Capabilities are the sandbox facilities a tool may use beyond file access.
type Capabilities struct {
	Network bool `json:"network,omitempty"`
	Exec    bool `json:"exec,omitempty"`
}

// Descriptor is the static, public description of a tool.
type Descriptor struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Params       Schema       `json:"params"`
	Risk         Risk         `json:"risk"`
	Capabilities Capabilities `json:"capabilities"`
	// PathParams names the parameters that hold workspace paths. Their
	// values become the file-system grant of a call.
	PathParams []string `json:"path_params,omitempty"`
}

// Paths extracts the workspace paths named by PathParams from params.
func (d Descriptor) Paths(params Params) []string {
	var paths []string
	for _, name := range d.PathParams {
		switch v := params[name].(type) {
		case string:
			if v != "" {
				paths = append(paths, v)
			}
		case []any, []string:
			paths = append(paths, params.Strings(name)...)
		}
	}
	return paths
}

// Env is the sandboxed environment a handler runs in.
type Env struct {
	// FS is the file-system view. The executor narrows it to the call's
	// path parameters plus Grants before the handler sees it.
	FS sandbox.FS
	// Grants are extra workspace paths the session has approved.
	Grants []string
	// HTTP is available to every tool; without the network capability its
	// transport refuses all requests.
	HTTP *http.Client
	// Shell runs commands in the workspace root with a scrubbed environment.
	Shell  sandbox.Shell
	Logger *zap.Logger
}

// Handler implements a tool. Output is the text shown to the user and the
// model.
type Handler func(ctx context.Context, env Env, params Params) (string, error)

// Tool is a registered, executable tool.
type Tool struct {
	Descriptor
	Handler Handler `json:"-"`
}

// ToolCall is a request to run a tool.
type ToolCall struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Params Params `json:"params"`
	StepID string `json:"step_id,omitempty"`
}

// Status is the outcome class of a tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// ToolResult records the outcome of a tool call.
type ToolResult struct {
	CallID    string           `json:"call_id"`
	Tool      string           `json:"tool"`
	Status    Status           `json:"status"`
	Output    string           `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind ErrorKind        `json:"error_kind,omitempty"`
	Effects   []sandbox.Effect `json:"effects,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// OK reports whether the call succeeded.
func (r ToolResult) OK() bool { return r.Status == StatusSuccess }

// ErrorKind classifies tool execution failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindInvalidParameters ErrorKind = "invalid_parameters"
	KindSandboxViolation  ErrorKind = "sandbox_violation"
	KindRuntimeFailure    ErrorKind = "runtime_failure"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// ExecutionError is the error form of a failed tool call.
type ExecutionError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Err returns the result as an error, or nil on success.
func (r ToolResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ExecutionError{Kind: r.ErrorKind, Tool: r.Tool, Err: errors.New(r.Error)}
}
