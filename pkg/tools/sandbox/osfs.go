package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// OSFS is the real workspace on disk, confined to its root directory.
// Symlinks that lead outside the root are rejected.
type OSFS struct {
	root string
}

// NewOSFS roots a file-system view at dir.
func NewOSFS(dir string) (*OSFS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &OSFS{root: abs}, nil
}

func (o *OSFS) Root() string { return o.root }

// resolve maps path to an absolute on-disk path inside the root.
func (o *OSFS) resolve(path string) (string, error) {
	rel, err := Rel(o.root, path)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(o.root, filepath.FromSlash(rel))

	// Walk up to the deepest existing ancestor and confirm its real
	// location is still inside the root.
	cur := abs
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if _, err := Rel(o.root, real); err != nil {
				return "", &ViolationError{Path: path, Reason: "symlink leaves workspace root"}
			}
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return abs, nil
}

func (o *OSFS) ReadFile(path string) ([]byte, error) {
	abs, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs) // #nosec G304 - confined to workspace root
}

// WriteFile writes atomically through a temp file in the target directory.
func (o *OSFS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	abs, err := o.resolve(path)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".steward-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (o *OSFS) Remove(path string) error {
	abs, err := o.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("remove %s: %w", path, errIsDir)
	}
	return os.Remove(abs)
}

var errIsDir = errors.New("is a directory")

func (o *OSFS) Stat(path string) (fs.FileInfo, error) {
	abs, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

func (o *OSFS) ReadDir(path string) ([]fs.DirEntry, error) {
	abs, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(abs)
}
