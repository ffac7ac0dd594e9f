package sandbox

import (
	"bytes"
	"errors"
	"io/fs"
	"path"
	"sort"
	"sync"
	"time"
)

// Op is the kind of a file-system side effect.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Effect is one file-system side effect captured by an Overlay.
type Effect struct {
	Path    string `json:"path"`
	Op      Op     `json:"op"`
	Before  []byte `json:"-"`
	Content []byte `json:"-"`
}

type overlayEntry struct {
	data    []byte
	perm    fs.FileMode
	deleted bool
	modTime time.Time
}

// Overlay is a copy-on-write view over a base FS. Reads fall through to the
// base until a path is written or removed; writes never reach the base.
type Overlay struct {
	base  FS
	mu    sync.RWMutex
	files map[string]*overlayEntry
	order []string
}

// NewOverlay creates an empty overlay on top of base.
func NewOverlay(base FS) *Overlay {
	return &Overlay{base: base, files: make(map[string]*overlayEntry)}
}

func (o *Overlay) Root() string { return o.base.Root() }

func (o *Overlay) rel(p string) (string, error) {
	return Rel(o.base.Root(), p)
}

func (o *Overlay) lookup(rel string) (*overlayEntry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.files[rel]
	return e, ok
}

func (o *Overlay) ReadFile(p string) ([]byte, error) {
	rel, err := o.rel(p)
	if err != nil {
		return nil, err
	}
	if e, ok := o.lookup(rel); ok {
		if e.deleted {
			return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
		}
		return bytes.Clone(e.data), nil
	}
	return o.base.ReadFile(rel)
}

func (o *Overlay) WriteFile(p string, data []byte, perm fs.FileMode) error {
	rel, err := o.rel(p)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.touch(rel)
	o.files[rel] = &overlayEntry{data: bytes.Clone(data), perm: perm, modTime: time.Now()}
	return nil
}

func (o *Overlay) Remove(p string) error {
	rel, err := o.rel(p)
	if err != nil {
		return err
	}
	if _, err := o.Stat(rel); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.touch(rel)
	o.files[rel] = &overlayEntry{deleted: true, modTime: time.Now()}
	return nil
}

func (o *Overlay) Stat(p string) (fs.FileInfo, error) {
	rel, err := o.rel(p)
	if err != nil {
		return nil, err
	}
	if e, ok := o.lookup(rel); ok {
		if e.deleted {
			return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		return memInfo{name: path.Base(rel), size: int64(len(e.data)), mode: e.perm, mod: e.modTime}, nil
	}
	info, err := o.base.Stat(rel)
	if err == nil {
		return info, nil
	}
	if errors.Is(err, fs.ErrNotExist) && o.hasChildren(rel) {
		return memInfo{name: path.Base(rel), mode: fs.ModeDir | 0o755, dir: true}, nil
	}
	return nil, err
}

// ReadDir merges base entries with overlay writes and removals.
func (o *Overlay) ReadDir(p string) ([]fs.DirEntry, error) {
	rel, err := o.rel(p)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]fs.DirEntry)
	baseEntries, baseErr := o.base.ReadDir(rel)
	for _, e := range baseEntries {
		merged[e.Name()] = e
	}

	o.mu.RLock()
	found := baseErr == nil
	for name, e := range o.files {
		dir := path.Dir(name)
		switch {
		case dir == rel || (rel == "." && dir == "."):
			found = true
			child := path.Base(name)
			if e.deleted {
				delete(merged, child)
				continue
			}
			merged[child] = fs.FileInfoToDirEntry(memInfo{name: child, size: int64(len(e.data)), mode: e.perm, mod: e.modTime})
		case !e.deleted && Within(name, rel):
			found = true
			sub := name
			if rel != "." {
				sub = name[len(rel)+1:]
			}
			first := sub
			if i := indexSlash(sub); i >= 0 {
				first = sub[:i]
			}
			if _, ok := merged[first]; !ok {
				merged[first] = fs.FileInfoToDirEntry(memInfo{name: first, mode: fs.ModeDir | 0o755, dir: true})
			}
		}
	}
	o.mu.RUnlock()

	if !found {
		return nil, baseErr
	}
	out := make([]fs.DirEntry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Effects reports the net side effects against the base, in first-touch
// order. Writes that leave content unchanged are omitted.
func (o *Overlay) Effects() ([]Effect, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var effects []Effect
	for _, rel := range o.order {
		e := o.files[rel]
		before, err := o.base.ReadFile(rel)
		existed := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		switch {
		case e.deleted && existed:
			effects = append(effects, Effect{Path: rel, Op: OpDelete, Before: before})
		case e.deleted:
		case !existed:
			effects = append(effects, Effect{Path: rel, Op: OpCreate, Content: bytes.Clone(e.data)})
		case !bytes.Equal(before, e.data):
			effects = append(effects, Effect{Path: rel, Op: OpModify, Before: before, Content: bytes.Clone(e.data)})
		}
	}
	return effects, nil
}

// Discard drops every pending write.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files = make(map[string]*overlayEntry)
	o.order = nil
}

func (o *Overlay) touch(rel string) {
	if _, ok := o.files[rel]; !ok {
		o.order = append(o.order, rel)
	}
}

func (o *Overlay) hasChildren(rel string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for name, e := range o.files {
		if !e.deleted && name != rel && Within(name, rel) {
			return true
		}
	}
	return false
}

func indexSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

type memInfo struct {
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
	dir  bool
}

func (m memInfo) Name() string       { return m.name }
func (m memInfo) Size() int64        { return m.size }
func (m memInfo) Mode() fs.FileMode  { return m.mode }
func (m memInfo) ModTime() time.Time { return m.mod }
func (m memInfo) IsDir() bool        { return m.dir }
func (m memInfo) Sys() any           { return nil }
