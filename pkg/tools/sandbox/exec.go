package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ExecResult is the outcome of a shell command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output joins stdout and stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// sensitiveEnvSuffixes mark variables that are never passed to commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
	"_CREDENTIALS",
}

var alwaysPassEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
}

func isSensitiveEnv(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// ScrubbedEnv returns the process environment without secret-looking names.
func ScrubbedEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if alwaysPassEnv[name] || !isSensitiveEnv(name) {
			env = append(env, kv)
		}
	}
	return env
}

// Shell runs commands inside the workspace root. The command is killed
// (with its whole process group where supported) when ctx ends.
type Shell struct {
	Dir string
	// Env overrides; merged over ScrubbedEnv.
	Env map[string]string
	// Network lets the command reach the network. Without it the command
	// runs in its own network namespace, and is refused where that is not
	// available.
	Network bool
}

// Run executes command with the platform shell.
func (s Shell) Run(ctx context.Context, command string) (*ExecResult, error) {
	name, flag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		name, flag = "cmd.exe", "/c"
	}
	cmd := exec.CommandContext(ctx, name, flag, command)
	cmd.Dir = s.Dir
	env := ScrubbedEnv()
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	configureKill(cmd)
	if err := isolate(cmd, s.Network); err != nil {
		return nil, err
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("exec: %w", err)
}
