package sandbox

import (
	"io/fs"
)

// Restricted limits an FS to an explicit set of workspace-relative paths
// (files or directory prefixes). It is how Safety Gate approvals become
// the file-system view of a single tool call.
type Restricted struct {
	inner   FS
	allowed []string
}

// Restrict wraps inner so that only paths within allowed are reachable.
func Restrict(inner FS, allowed ...string) (*Restricted, error) {
	clean := make([]string, 0, len(allowed))
	for _, p := range allowed {
		rel, err := Rel(inner.Root(), p)
		if err != nil {
			return nil, err
		}
		clean = append(clean, rel)
	}
	return &Restricted{inner: inner, allowed: clean}, nil
}

// Allowed returns the permitted relative paths.
func (r *Restricted) Allowed() []string {
	out := make([]string, len(r.allowed))
	copy(out, r.allowed)
	return out
}

func (r *Restricted) check(p string) (string, error) {
	rel, err := Rel(r.inner.Root(), p)
	if err != nil {
		return "", err
	}
	for _, a := range r.allowed {
		if Within(rel, a) {
			return rel, nil
		}
	}
	return "", &ViolationError{Path: p, Reason: "path not granted to this call"}
}

func (r *Restricted) Root() string { return r.inner.Root() }

func (r *Restricted) ReadFile(p string) ([]byte, error) {
	rel, err := r.check(p)
	if err != nil {
		return nil, err
	}
	return r.inner.ReadFile(rel)
}

func (r *Restricted) WriteFile(p string, data []byte, perm fs.FileMode) error {
	rel, err := r.check(p)
	if err != nil {
		return err
	}
	return r.inner.WriteFile(rel, data, perm)
}

func (r *Restricted) Remove(p string) error {
	rel, err := r.check(p)
	if err != nil {
		return err
	}
	return r.inner.Remove(rel)
}

func (r *Restricted) Stat(p string) (fs.FileInfo, error) {
	rel, err := r.check(p)
	if err != nil {
		return nil, err
	}
	return r.inner.Stat(rel)
}

func (r *Restricted) ReadDir(p string) ([]fs.DirEntry, error) {
	rel, err := r.check(p)
	if err != nil {
		return nil, err
	}
	return r.inner.ReadDir(rel)
}
