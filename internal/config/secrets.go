package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSecrets is a local secret store backed by a yaml name -> value file.
// Values are held in memory for the process lifetime; the compiled graph
// itself never sees them.
type FileSecrets struct {
	values map[string]string
}

// LoadSecrets reads the secret file at path. A missing file yields an empty
// store rather than an error so projects without secrets need no setup.
func LoadSecrets(path string) (*FileSecrets, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileSecrets{values: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read secrets %s: %w", path, err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(content, &values); err != nil {
		return nil, fmt.Errorf("config: parse secrets %s: %w", path, err)
	}
	return &FileSecrets{values: values}, nil
}

// StaticSecrets builds a store from an in-memory map (primarily for tests).
func StaticSecrets(values map[string]string) *FileSecrets {
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return &FileSecrets{values: copied}
}

// Lookup resolves a named secret.
func (s *FileSecrets) Lookup(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	value, ok := s.values[name]
	return value, ok
}
