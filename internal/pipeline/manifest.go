package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultManifestPath is the conventional manifest location inside a
// repository checkout.
const DefaultManifestPath = ".gantry.yml"

// Template is a pipeline definition plus the matrix axes it expands over.
// A template without axes compiles to exactly one concrete pipeline.
type Template struct {
	Pipeline `yaml:",inline"`

	Matrix map[string][]string `json:"matrix,omitempty" yaml:"matrix,omitempty"`
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	clone := Template{Pipeline: t.Pipeline.Clone()}
	if len(t.Matrix) > 0 {
		clone.Matrix = make(map[string][]string, len(t.Matrix))
		for name, values := range t.Matrix {
			clone.Matrix[name] = cloneStrings(values)
		}
	}
	return clone
}

// Manifest is an ordered collection of pipeline templates, one per yaml
// document in the source file.
type Manifest struct {
	Templates []Template
}

// Clone returns a deep copy of the manifest.
func (m Manifest) Clone() Manifest {
	if len(m.Templates) == 0 {
		return Manifest{}
	}
	out := Manifest{Templates: make([]Template, len(m.Templates))}
	for i, tpl := range m.Templates {
		out.Templates[i] = tpl.Clone()
	}
	return out
}

// ParseManifestYAML decodes a multi-document yaml manifest. Each document
// declares one pipeline template. Empty documents are ignored.
func ParseManifestYAML(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("pipeline: manifest payload is empty")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var manifest Manifest
	for {
		var tpl Template
		err := decoder.Decode(&tpl)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("pipeline: decode manifest document %d: %w", len(manifest.Templates), err)
		}
		if tpl.Name == "" && len(tpl.Steps) == 0 {
			continue
		}
		normalized, err := tpl.Pipeline.Normalized()
		if err != nil {
			return Manifest{}, err
		}
		tpl.Pipeline = normalized
		manifest.Templates = append(manifest.Templates, tpl)
	}
	if len(manifest.Templates) == 0 {
		return Manifest{}, fmt.Errorf("pipeline: manifest declares no pipelines")
	}
	return manifest, nil
}

// LoadManifestReader reads manifest data from an io.Reader.
func LoadManifestReader(r io.Reader) (Manifest, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("pipeline: read manifest: %w", err)
	}
	return ParseManifestYAML(content)
}

// LoadManifestFile loads a manifest from an explicit file path.
func LoadManifestFile(path string) (Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	manifest, parseErr := ParseManifestYAML(content)
	if parseErr != nil {
		return Manifest{}, fmt.Errorf("pipeline: %s: %w", path, parseErr)
	}
	return manifest, nil
}

// LoadManifestRelative loads the conventional manifest from baseDir (or the
// working directory when baseDir is empty).
func LoadManifestRelative(baseDir string) (Manifest, error) {
	if baseDir == "" {
		baseDir = "."
	}
	return LoadManifestFile(filepath.Join(baseDir, DefaultManifestPath))
}
