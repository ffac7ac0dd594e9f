package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

// Snapshot is an immutable view of the registry at one version.
type Snapshot struct {
	version uint64
	tools   map[string]Tool
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 { return s.version }

// Get looks up a tool by name.
func (s *Snapshot) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Descriptors returns all descriptors sorted by name.
func (s *Snapshot) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registry maps tool names to tools. Reads are lock-free against the
// current snapshot; writers serialize and publish a new snapshot.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{}
	r.current.Store(&Snapshot{tools: map[string]Tool{}})
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func validateTool(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if !t.Risk.Valid() {
		return fmt.Errorf("tool %s: invalid risk %q", t.Name, t.Risk)
	}
	for _, p := range t.PathParams {
		if _, ok := t.Params[p]; !ok {
			return fmt.Errorf("tool %s: path parameter %s not in schema", t.Name, p)
		}
	}
	return nil
}

func (r *Registry) publish(mutate func(map[string]Tool) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current.Load()
	next := make(map[string]Tool, len(cur.tools)+1)
	for k, v := range cur.tools {
		next[k] = v
	}
	if err := mutate(next); err != nil {
		return err
	}
	r.current.Store(&Snapshot{version: cur.version + 1, tools: next})
	return nil
}

// Register adds a new tool. It fails with ErrDuplicateTool if the name is taken.
func (r *Registry) Register(t Tool) error {
	if err := validateTool(t); err != nil {
		return err
	}
	return r.publish(func(m map[string]Tool) error {
		if _, exists := m[t.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
		}
		m[t.Name] = t
		return nil
	})
}

// Replace adds or swaps a tool in one atomic step.
func (r *Registry) Replace(t Tool) error {
	if err := validateTool(t); err != nil {
		return err
	}
	return r.publish(func(m map[string]Tool) error {
		m[t.Name] = t
		return nil
	})
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) error {
	return r.publish(func(m map[string]Tool) error {
		if _, ok := m[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		delete(m, name)
		return nil
	})
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

// Get looks up a tool in the current snapshot.
func (r *Registry) Get(name string) (Tool, bool) { return r.Snapshot().Get(name) }

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor { return r.Snapshot().Descriptors() }

// Version returns the current snapshot version.
func (r *Registry) Version() uint64 { return r.Snapshot().version }

// FunctionDefinitions renders the registry as model tool definitions.
func (r *Registry) FunctionDefinitions() []openai.Tool {
	descs := r.List()
	out := make([]openai.Tool, 0, len(descs))
	for _, d := range descs {
		params, _ := json.Marshal(d.Params.JSONSchema())
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}
