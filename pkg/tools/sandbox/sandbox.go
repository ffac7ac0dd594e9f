// Package sandbox provides the restricted execution context tools run in:
// a rooted file-system view, a copy-on-write overlay for dry runs, an
// allow-listed path filter, gated network access and a scrubbed shell.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

var (
	// ErrViolation is the base error for every sandbox escape attempt.
	ErrViolation = errors.New("sandbox violation")

	// ErrNetworkDenied is returned by the sandbox transport when the tool
	// did not declare network access.
	ErrNetworkDenied = fmt.Errorf("%w: network access not granted", ErrViolation)

	// ErrNoIsolation is returned by Shell when a command without network
	// access cannot be cut off from the network on this system.
	ErrNoIsolation = fmt.Errorf("%w: cannot isolate command from the network", ErrViolation)
)

// ViolationError describes a rejected path access.
type ViolationError struct {
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation: %s: %s", e.Path, e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrViolation }

// FS is the file-system view handed to tools. Paths are workspace-relative
// or absolute paths inside Root.
type FS interface {
	Root() string
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm fs.FileMode) error
	Remove(path string) error
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.DirEntry, error)
}

// Rel converts path to a clean, slash-separated path relative to root.
// It rejects anything that resolves outside root.
func Rel(root, path string) (string, error) {
	if path == "" {
		return "", &ViolationError{Path: path, Reason: "empty path"}
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", &ViolationError{Path: path, Reason: err.Error()}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ViolationError{Path: path, Reason: "outside workspace root"}
	}
	return filepath.ToSlash(rel), nil
}

// Within reports whether rel equals prefix or lies beneath it.
// Both are slash-separated relative paths; "." matches everything.
func Within(rel, prefix string) bool {
	if prefix == "." || prefix == "" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}
