// Package config handles the .gantry directory every project gets: the
// project configuration file, log and history locations, and the local
// secrets file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// GantryDir is the per-project state directory.
	GantryDir = ".gantry"
	// ConfigFile is the project configuration file inside GantryDir.
	ConfigFile = "config.yml"
)

const defaultProjectConfigYAML = `# gantry project configuration
version: 1

# Pipeline manifest, relative to the project root.
manifest: .gantry.yml

# Where run history and logs are kept, relative to the project root.
history: .gantry/history/runs.jsonl
log: .gantry/logs/gantry.log

# Local secret file, name -> value. Keep it out of version control.
secrets: .gantry/secrets.yml
`

// ProjectConfig models .gantry/config.yml.
type ProjectConfig struct {
	Version  int    `yaml:"version"`
	Manifest string `yaml:"manifest"`
	History  string `yaml:"history"`
	Log      string `yaml:"log"`
	Secrets  string `yaml:"secrets"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() ProjectConfig {
	return ProjectConfig{
		Version:  1,
		Manifest: ".gantry.yml",
		History:  filepath.Join(GantryDir, "history", "runs.jsonl"),
		Log:      filepath.Join(GantryDir, "logs", "gantry.log"),
		Secrets:  filepath.Join(GantryDir, "secrets.yml"),
	}
}

// InitDir ensures the .gantry directory and default config exist for the
// project rooted at projectDir.
func InitDir(projectDir string) error {
	dir := filepath.Join(projectDir, GantryDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}

// Load reads the project config, falling back to defaults when the file is
// absent. Relative paths in the config resolve against projectDir.
func Load(projectDir string) (ProjectConfig, error) {
	cfg := Defaults()
	path := filepath.Join(projectDir, GantryDir, ConfigFile)
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg.resolve(projectDir)
		return cfg, nil
	}
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return ProjectConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ProjectConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.resolve(projectDir)
	return cfg, nil
}

// Validate ensures required fields are present.
func (cfg ProjectConfig) Validate() error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Manifest) == "" {
		return fmt.Errorf("manifest path is required")
	}
	return nil
}

func (cfg *ProjectConfig) resolve(projectDir string) {
	cfg.Manifest = resolvePath(projectDir, cfg.Manifest)
	cfg.History = resolvePath(projectDir, cfg.History)
	cfg.Log = resolvePath(projectDir, cfg.Log)
	cfg.Secrets = resolvePath(projectDir, cfg.Secrets)
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
