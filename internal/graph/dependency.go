// Package graph orders plan steps by their dependencies.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrCycleDetected is returned when a dependency cycle is found in the graph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when a step depends on an unknown step.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDuplicateNode is returned when a step ID is added twice.
	ErrDuplicateNode = errors.New("duplicate step")
)

// Node is one step in the graph.
type Node struct {
	ID           string
	Dependencies []string
	order        int
}

// DependencyGraph is a directed acyclic graph of steps. Insertion order is
// the tie-breaker everywhere: levels list their steps in the order they
// were added.
type DependencyGraph struct {
	nodes map[string]*Node
	mu    sync.RWMutex
}

// NewDependencyGraph creates a new empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[string]*Node)}
}

// AddNode adds a step with its dependencies. The slice is copied.
func (g *DependencyGraph) AddNode(id string, dependencies []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}
	g.nodes[id] = &Node{
		ID:           id,
		Dependencies: slices.Clone(dependencies),
		order:        len(g.nodes),
	}
	return nil
}

// Validate checks the graph for cycles and unknown dependencies.
func (g *DependencyGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *DependencyGraph) validateLocked() error {
	ordered := g.orderedLocked()
	for _, node := range ordered {
		for _, dep := range node.Dependencies {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrUnknownDependency, node.ID, dep)
			}
		}
	}

	// 0 unvisited, 1 on stack, 2 done
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var dfs func(id string) error
	dfs = func(id string) error {
		switch colors[id] {
		case 1:
			start := slices.Index(stack, id)
			return &CycleError{Path: append(slices.Clone(stack[start:]), id)}
		case 2:
			return nil
		}
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		colors[id] = 2
		stack = stack[:len(stack)-1]
		return nil
	}
	for _, node := range ordered {
		if err := dfs(node.ID); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalLevels groups steps with Kahn's algorithm. Level 0 holds steps
// with no dependencies; level N holds steps whose dependencies all sit in
// earlier levels. Steps within a level may run concurrently.
func (g *DependencyGraph) TopologicalLevels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := g.validateLocked(); err != nil {
		return nil, err
	}
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for _, node := range g.orderedLocked() {
		inDegree[node.ID] = len(node.Dependencies)
		for _, dep := range node.Dependencies {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	var levels [][]string
	for len(inDegree) > 0 {
		var level []string
		for id, degree := range inDegree {
			if degree == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, ErrCycleDetected
		}
		slices.SortFunc(level, func(a, b string) int { return g.nodes[a].order - g.nodes[b].order })

		for _, id := range level {
			delete(inDegree, id)
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Dependents returns every step that transitively depends on id, in
// insertion order.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	affected := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, node := range g.nodes {
			if affected[node.ID] {
				continue
			}
			for _, dep := range node.Dependencies {
				if affected[dep] {
					affected[node.ID] = true
					changed = true
					break
				}
			}
		}
	}
	delete(affected, id)

	var out []string
	for _, node := range g.orderedLocked() {
		if affected[node.ID] {
			out = append(out, node.ID)
		}
	}
	return out
}

// NodeCount returns the number of nodes in the graph.
func (g *DependencyGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns a copy of the dependencies of id, or nil.
func (g *DependencyGraph) GetDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[id]
	if !exists {
		return nil
	}
	return slices.Clone(node.Dependencies)
}

func (g *DependencyGraph) orderedLocked() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int { return a.order - b.order })
	return out
}
