package compiler

import (
	"errors"
	"testing"

	"github.com/gantryci/gantry/internal/graph"
	"github.com/gantryci/gantry/internal/matrix"
)

const releaseManifest = `---
name: lint
steps:
  - name: check
    image: golangci/golangci-lint
---
name: test
depends_on: [lint]
matrix:
  go: ["1.22", "1.23"]
steps:
  - name: unit
    image: golang:${go}
---
name: docs
depends_on: [test]
concurrency:
  group: docs
  limit: 1
steps:
  - name: publish
    image: alpine
`

func TestCompileExpandsAndLinks(t *testing.T) {
	g, err := CompileBytes([]byte(releaseManifest))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if g.Len() != 4 {
		t.Fatalf("expected 4 concrete pipelines, got %d", g.Len())
	}
	docs, ok := g.Node("docs")
	if !ok {
		t.Fatalf("missing docs node")
	}
	if len(docs.Dependencies) != 2 {
		t.Fatalf("docs must depend on both test instances, got %v", docs.Dependencies)
	}
	layers := g.Layers()
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %v", layers)
	}
}

func TestCompileRejectsCycleAsConfigError(t *testing.T) {
	manifest := `---
name: a
depends_on: [b]
steps: [{name: s, image: alpine}]
---
name: b
depends_on: [a]
steps: [{name: s, image: alpine}]
`
	_, err := CompileBytes([]byte(manifest))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	var cycle *graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("ConfigError should wrap the cycle, got %v", err)
	}
}

func TestCompileRejectsUndeclaredAxisAsConfigError(t *testing.T) {
	manifest := `---
name: test
matrix:
  go: ["1.23"]
steps:
  - name: unit
    image: golang:${go}
    commands: ["echo ${typo}"]
`
	_, err := CompileBytes([]byte(manifest))
	var undeclared *matrix.UndeclaredAxisError
	if !errors.As(err, &undeclared) {
		t.Fatalf("expected wrapped UndeclaredAxisError, got %v", err)
	}
}

func TestCompileRejectsMissingDependency(t *testing.T) {
	manifest := `---
name: deploy
depends_on: [ghost]
steps: [{name: s, image: alpine}]
`
	_, err := CompileBytes([]byte(manifest))
	var missing *graph.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected wrapped MissingDependencyError, got %v", err)
	}
}

func TestCompileHaltsEntirelyOnConfigError(t *testing.T) {
	manifest := `---
name: good
steps: [{name: s, image: alpine}]
---
name: bad
matrix:
  empty: []
steps: [{name: s, image: alpine}]
`
	g, err := CompileBytes([]byte(manifest))
	if err == nil {
		t.Fatalf("expected compile error")
	}
	if g != nil {
		t.Fatalf("no partial graph may escape a failed compile")
	}
}
