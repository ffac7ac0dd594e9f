// Package builtin provides the tools every steward session starts with.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/aixgo-dev/steward/pkg/tools"
	"github.com/aixgo-dev/steward/pkg/tools/sandbox"
)

const (
	defaultReadLimit  = 2000
	defaultMaxResults = 100
	maxHTTPBody       = 1 << 20
)

var (
	one     = 1.0
	maxRead = 10000.0
)

// Tools returns all built-in tools.
func Tools() []tools.Tool {
	return []tools.Tool{
		ReadFile(),
		ListFiles(),
		SearchFiles(),
		WriteFile(),
		EditFile(),
		DeleteFile(),
		ExecuteShell(),
		HTTPGet(),
	}
}

// Register adds every built-in tool to reg.
func Register(reg *tools.Registry) error {
	for _, t := range Tools() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func ReadFile() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "read_file",
			Description: "Read a workspace file. Returns line-numbered content.",
			Risk:        tools.RiskSafe,
			Params: tools.Schema{
				"path":   {Type: "string", Required: true, Description: "Workspace-relative file path."},
				"offset": {Type: "integer", Minimum: &one, Description: "1-based first line."},
				"limit":  {Type: "integer", Minimum: &one, Maximum: &maxRead, Default: float64(defaultReadLimit)},
			},
			PathParams: []string{"path"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			data, err := env.FS.ReadFile(p.String("path"))
			if err != nil {
				return "", err
			}
			return numberLines(string(data), p.Int("offset"), p.Int("limit")), nil
		},
	}
}

func numberLines(content string, offset, limit int) string {
	if offset < 1 {
		offset = 1
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	var sb strings.Builder
	for i := offset - 1; i < len(lines) && i < offset-1+limit; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func ListFiles() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "list_files",
			Description: "List files under a directory, optionally filtered by a glob on the base name.",
			Risk:        tools.RiskSafe,
			Params: tools.Schema{
				"path":    {Type: "string", Default: "."},
				"pattern": {Type: "string", Description: `Glob on file names, e.g. "*.go".`},
			},
			PathParams: []string{"path"},
		},
		Handler: func(ctx context.Context, env tools.Env, p tools.Params) (string, error) {
			pattern := p.String("pattern")
			if pattern != "" {
				if _, err := path.Match(pattern, ""); err != nil {
					return "", &tools.ExecutionError{Kind: tools.KindInvalidParameters, Tool: "list_files", Err: err}
				}
			}
			var matches []string
			err := walk(ctx, env.FS, p.String("path"), func(name string) error {
				if pattern == "" {
					matches = append(matches, name)
					return nil
				}
				if ok, _ := path.Match(pattern, path.Base(name)); ok {
					matches = append(matches, name)
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

func SearchFiles() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "search_files",
			Description: "Search file contents with a regular expression. Returns path:line: text.",
			Risk:        tools.RiskSafe,
			Params: tools.Schema{
				"pattern":          {Type: "string", Required: true, MinLength: 1},
				"path":             {Type: "string", Default: "."},
				"case_insensitive": {Type: "boolean"},
				"max_results":      {Type: "integer", Minimum: &one, Default: float64(defaultMaxResults)},
			},
			PathParams: []string{"path"},
		},
		Handler: func(ctx context.Context, env tools.Env, p tools.Params) (string, error) {
			expr := p.String("pattern")
			if p.Bool("case_insensitive") {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return "", &tools.ExecutionError{Kind: tools.KindInvalidParameters, Tool: "search_files", Err: err}
			}
			limit := p.Int("max_results")
			var hits []string
			errLimit := errors.New("limit reached")
			err = walk(ctx, env.FS, p.String("path"), func(name string) error {
				data, err := env.FS.ReadFile(name)
				if err != nil {
					return nil
				}
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						hits = append(hits, fmt.Sprintf("%s:%d: %s", name, i+1, line))
						if len(hits) >= limit {
							return errLimit
						}
					}
				}
				return nil
			})
			if err != nil && !errors.Is(err, errLimit) {
				return "", err
			}
			if len(hits) == 0 {
				return "No matches.", nil
			}
			return strings.Join(hits, "\n"), nil
		},
	}
}

// walk visits every regular file under root in lexical order.
func walk(ctx context.Context, fsys sandbox.FS, root string, visit func(name string) error) error {
	info, err := fsys.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return visit(root)
	}
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		child := path.Join(root, name)
		if e.IsDir() {
			if err := walk(ctx, fsys, child, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(child); err != nil {
			return err
		}
	}
	return nil
}

func WriteFile() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed.",
			Risk:        tools.RiskRequiresApproval,
			Params: tools.Schema{
				"path":    {Type: "string", Required: true},
				"content": {Type: "string", Required: true},
			},
			PathParams: []string{"path"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			content := p.String("content")
			if err := env.FS.WriteFile(p.String("path"), []byte(content), 0); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), p.String("path")), nil
		},
	}
}

func EditFile() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
			Risk:        tools.RiskRequiresApproval,
			Params: tools.Schema{
				"path":        {Type: "string", Required: true},
				"old_string":  {Type: "string", Required: true, MinLength: 1},
				"new_string":  {Type: "string", Required: true},
				"replace_all": {Type: "boolean"},
			},
			PathParams: []string{"path"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			name := p.String("path")
			data, err := env.FS.ReadFile(name)
			if err != nil {
				return "", err
			}
			content, old, repl := string(data), p.String("old_string"), p.String("new_string")
			count := strings.Count(content, old)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", name)
			case count > 1 && !p.Bool("replace_all"):
				return "", fmt.Errorf("old_string found %d times in %s; add context or set replace_all", count, name)
			}
			n := 1
			if p.Bool("replace_all") {
				n = -1
			} else {
				count = 1
			}
			if err := env.FS.WriteFile(name, []byte(strings.Replace(content, old, repl, n)), 0); err != nil {
				return "", err
			}
			return fmt.Sprintf("replaced %d occurrence(s) in %s", count, name), nil
		},
	}
}

func DeleteFile() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "delete_file",
			Description: "Delete a file.",
			Risk:        tools.RiskDangerous,
			Params: tools.Schema{
				"path": {Type: "string", Required: true},
			},
			PathParams: []string{"path"},
		},
		Handler: func(_ context.Context, env tools.Env, p tools.Params) (string, error) {
			if err := env.FS.Remove(p.String("path")); err != nil {
				return "", err
			}
			return "deleted " + p.String("path"), nil
		},
	}
}

func ExecuteShell() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:         "execute_shell",
			Description:  "Run a shell command in the workspace root. Returns output and exit code.",
			Risk:         tools.RiskDangerous,
			Capabilities: tools.Capabilities{Exec: true},
			Params: tools.Schema{
				"command":     {Type: "string", Required: true, MinLength: 1},
				"description": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, env tools.Env, p tools.Params) (string, error) {
			if env.Shell.Dir == "" {
				return "", &tools.ExecutionError{Kind: tools.KindSandboxViolation, Tool: "execute_shell", Err: errors.New("no workspace for shell")}
			}
			res, err := env.Shell.Run(ctx, p.String("command"))
			if err != nil {
				if res != nil {
					return res.Output(), err
				}
				return "", err
			}
			out := res.Output()
			if res.ExitCode != 0 {
				out += fmt.Sprintf("\n[exit code: %d]", res.ExitCode)
			}
			return out, nil
		},
	}
}

func HTTPGet() tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:         "http_get",
			Description:  "Fetch a URL over HTTP(S) and return the response body.",
			Risk:         tools.RiskRequiresApproval,
			Capabilities: tools.Capabilities{Network: true},
			Params: tools.Schema{
				"url": {Type: "string", Required: true, Pattern: `^https?://`},
			},
		},
		Handler: func(ctx context.Context, env tools.Env, p tools.Params) (string, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.String("url"), nil)
			if err != nil {
				return "", err
			}
			resp, err := env.HTTP.Do(req)
			if err != nil {
				return "", err
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
			if err != nil {
				return "", err
			}
			if resp.StatusCode >= 400 {
				return string(body), fmt.Errorf("GET %s: %s", p.String("url"), resp.Status)
			}
			return string(body), nil
		},
	}
}
