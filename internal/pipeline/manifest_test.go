package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifest = `---
name: lint
steps:
  - name: check
    image: golangci/golangci-lint
    commands:
      - golangci-lint run
---
name: test
depends_on: [lint]
matrix:
  go: ["1.22", "1.23"]
steps:
  - name: unit
    image: golang:${go}
    commands:
      - go test ./...
    environment:
      COVERAGE: "1"
      TOKEN:
        from_secret: ci_token
`

func TestParseManifestYAML(t *testing.T) {
	manifest, err := ParseManifestYAML([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(manifest.Templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(manifest.Templates))
	}
	test := manifest.Templates[1]
	if test.Name != "test" {
		t.Fatalf("unexpected template name %s", test.Name)
	}
	if len(test.Matrix["go"]) != 2 {
		t.Fatalf("expected 2 matrix values, got %v", test.Matrix)
	}
	env := test.Steps[0].Environment
	if env["COVERAGE"].Value != "1" || env["COVERAGE"].IsSecret() {
		t.Fatalf("literal env decoded wrong: %+v", env["COVERAGE"])
	}
	if env["TOKEN"].FromSecret != "ci_token" {
		t.Fatalf("secret env decoded wrong: %+v", env["TOKEN"])
	}
}

func TestParseManifestYAMLRejectsEmptyPayload(t *testing.T) {
	if _, err := ParseManifestYAML([]byte("   \n")); err == nil {
		t.Fatalf("expected empty payload error")
	}
}

func TestParseManifestYAMLRejectsInvalidPipeline(t *testing.T) {
	if _, err := ParseManifestYAML([]byte("name: broken\nsteps: []\n")); err == nil {
		t.Fatalf("expected validation error for empty steps")
	}
}

func TestLoadManifestRelative(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultManifestPath)
	if err := os.WriteFile(path, []byte(sampleManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	manifest, err := LoadManifestRelative(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(manifest.Templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(manifest.Templates))
	}
}
