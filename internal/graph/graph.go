// Package graph resolves depends_on name references between concrete
// pipelines into an explicit acyclic graph. Name-to-node resolution happens
// once at build time so scheduling never performs string lookups against
// the manifest again.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gantryci/gantry/internal/pipeline"
)

// Instance pairs a concrete pipeline with the template it expanded from.
// depends_on references name templates; an edge onto a template binds the
// dependent to every instance the template produced.
type Instance struct {
	Template string
	Pipeline pipeline.Pipeline
}

// Node is one concrete pipeline plus its resolved dependency metadata.
type Node struct {
	Name         string
	Template     string
	Pipeline     pipeline.Pipeline
	Dependencies []string
	Dependents   []string
}

// Graph is the compiled partial order over concrete pipelines.
type Graph struct {
	nodes   map[string]*Node
	ordered []string
}

// DuplicateNameError reports two pipelines compiling to the same name.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("graph: duplicate pipeline name %s", e.Name)
}

// MissingDependencyError reports a depends_on entry that names no pipeline
// in the compiled set.
type MissingDependencyError struct {
	Pipeline   string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("graph: pipeline %s depends on unknown pipeline %s", e.Pipeline, e.Dependency)
}

// CycleError reports a dependency cycle with the full path for diagnosis.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Build resolves instance dependencies into a graph and rejects cycles.
func Build(instances []Instance) (*Graph, error) {
	nodes := make(map[string]*Node, len(instances))
	ordered := make([]string, 0, len(instances))
	byTemplate := make(map[string][]string, len(instances))
	for _, inst := range instances {
		name := inst.Pipeline.Name
		if _, exists := nodes[name]; exists {
			return nil, &DuplicateNameError{Name: name}
		}
		nodes[name] = &Node{
			Name:     name,
			Template: inst.Template,
			Pipeline: inst.Pipeline.Clone(),
		}
		ordered = append(ordered, name)
		byTemplate[inst.Template] = append(byTemplate[inst.Template], name)
	}

	for _, name := range ordered {
		node := nodes[name]
		for _, dep := range node.Pipeline.DependsOn {
			targets, ok := byTemplate[dep]
			if !ok {
				// A dependency may also name a concrete instance directly.
				if _, exists := nodes[dep]; exists {
					targets = []string{dep}
				} else {
					return nil, &MissingDependencyError{Pipeline: name, Dependency: dep}
				}
			}
			for _, target := range targets {
				if target == name {
					continue
				}
				node.Dependencies = append(node.Dependencies, target)
				nodes[target].Dependents = append(nodes[target].Dependents, name)
			}
		}
	}
	// A depends_on naming both a template and one of its instances would
	// append the same edge twice; keep each edge once.
	for _, node := range nodes {
		node.Dependencies = sortedUnique(node.Dependencies)
		node.Dependents = sortedUnique(node.Dependents)
	}

	g := &Graph{nodes: nodes, ordered: ordered}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// Nodes returns the graph nodes in compilation order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.ordered))
	for _, name := range g.ordered {
		out = append(out, g.nodes[name])
	}
	return out
}

// Node retrieves a node by concrete pipeline name.
func (g *Graph) Node(name string) (*Node, bool) {
	node, ok := g.nodes[name]
	return node, ok
}

// Len returns the number of concrete pipelines in the graph.
func (g *Graph) Len() int {
	return len(g.ordered)
}

// Layers returns the topological layering of the graph: layer k pipelines
// depend only on pipelines in earlier layers. Within a layer, compilation
// order is preserved.
func (g *Graph) Layers() [][]string {
	remaining := make(map[string]int, len(g.nodes))
	for name, node := range g.nodes {
		remaining[name] = len(node.Dependencies)
	}
	assigned := make(map[string]bool, len(g.nodes))
	var layers [][]string
	for len(assigned) < len(g.nodes) {
		var layer []string
		for _, name := range g.ordered {
			if !assigned[name] && remaining[name] == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			// Unreachable after Build's cycle check; guard against misuse.
			break
		}
		for _, name := range layer {
			assigned[name] = true
			for _, dependent := range g.nodes[name].Dependents {
				remaining[dependent]--
			}
		}
		layers = append(layers, layer)
	}
	return layers
}

func sortedUnique(values []string) []string {
	if len(values) < 2 {
		return values
	}
	sort.Strings(values)
	out := values[:1]
	for _, value := range values[1:] {
		if value != out[len(out)-1] {
			out = append(out, value)
		}
	}
	return out
}

// detectCycle runs a depth-first search keeping the active path so a cycle
// is reported in full, not just by its first participant.
func (g *Graph) detectCycle() error {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(g.nodes))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case inProgress:
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return &CycleError{Path: cycle}
		}
		state[name] = inProgress
		path = append(path, name)
		for _, dep := range g.nodes[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for _, name := range g.ordered {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
