// Package compiler turns a manifest of pipeline templates into a compiled
// dependency graph: matrix expansion, name uniqueness, depends_on
// resolution, cycle rejection. A ConfigError halts compilation entirely;
// no partial graph is ever returned.
package compiler

import (
	"fmt"

	"github.com/gantryci/gantry/internal/graph"
	"github.com/gantryci/gantry/internal/matrix"
	"github.com/gantryci/gantry/internal/pipeline"
)

// ConfigError is an unrecoverable configuration fault detected before any
// execution: unresolved matrix placeholder, empty axis, duplicate pipeline
// name, missing dependency target, or dependency cycle.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Compile expands and links a manifest into an executable graph.
func Compile(manifest pipeline.Manifest) (*graph.Graph, error) {
	var instances []graph.Instance
	for _, tpl := range manifest.Templates {
		axes, err := matrix.Axes(tpl)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		expanded, err := matrix.Expand(tpl.Pipeline, axes)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		for _, instance := range expanded {
			instances = append(instances, graph.Instance{
				Template: tpl.Name,
				Pipeline: instance,
			})
		}
	}
	g, err := graph.Build(instances)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return g, nil
}

// CompileBytes parses a raw yaml manifest and compiles it.
func CompileBytes(data []byte) (*graph.Graph, error) {
	manifest, err := pipeline.ParseManifestYAML(data)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return Compile(manifest)
}

// CompileFile loads a manifest file and compiles it.
func CompileFile(path string) (*graph.Graph, error) {
	manifest, err := pipeline.LoadManifestFile(path)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return Compile(manifest)
}
