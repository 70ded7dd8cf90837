package matrix

import (
	"errors"
	"testing"

	"github.com/gantryci/gantry/internal/pipeline"
)

func template(name string, matrixAxes map[string][]string, steps ...pipeline.Step) pipeline.Template {
	return pipeline.Template{
		Pipeline: pipeline.Pipeline{Name: name, Steps: steps},
		Matrix:   matrixAxes,
	}
}

func TestExpandProducesCartesianProduct(t *testing.T) {
	tpl := template("test", map[string][]string{
		"go":   {"1.22", "1.23"},
		"arch": {"amd64", "arm64", "arm"},
	}, pipeline.Step{
		Name:     "unit",
		Image:    "golang:${go}",
		Commands: []string{"GOARCH=${arch} go test ./..."},
	})
	axes, err := Axes(tpl)
	if err != nil {
		t.Fatalf("axes: %v", err)
	}
	expanded, err := Expand(tpl.Pipeline, axes)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(expanded) != 6 {
		t.Fatalf("expected 6 instances, got %d", len(expanded))
	}
	seen := map[string]struct{}{}
	for _, instance := range expanded {
		if _, dup := seen[instance.Name]; dup {
			t.Fatalf("duplicate instance name %s", instance.Name)
		}
		seen[instance.Name] = struct{}{}
		if _, dup := seen[instance.Steps[0].Image+instance.Steps[0].Commands[0]]; dup {
			t.Fatalf("duplicate substituted values in %s", instance.Name)
		}
		seen[instance.Steps[0].Image+instance.Steps[0].Commands[0]] = struct{}{}
	}
}

func TestExpandWithoutAxesReturnsInputUnchanged(t *testing.T) {
	tpl := template("lint", nil, pipeline.Step{Name: "check", Image: "alpine"})
	expanded, err := Expand(tpl.Pipeline, nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(expanded) != 1 || expanded[0].Name != "lint" {
		t.Fatalf("expected the input pipeline back, got %+v", expanded)
	}
}

func TestExpandSubstitutesEnvironmentButNotSecrets(t *testing.T) {
	tpl := template("build", map[string][]string{"go": {"1.23"}}, pipeline.Step{
		Name:  "compile",
		Image: "golang:${go}",
		Environment: map[string]pipeline.EnvValue{
			"VERSION": {Value: "go${go}"},
			"TOKEN":   {FromSecret: "token_${go}"},
		},
	})
	axes, err := Axes(tpl)
	if err != nil {
		t.Fatalf("axes: %v", err)
	}
	expanded, err := Expand(tpl.Pipeline, axes)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	env := expanded[0].Steps[0].Environment
	if env["VERSION"].Value != "go1.23" {
		t.Fatalf("expected substituted env value, got %s", env["VERSION"].Value)
	}
	if env["TOKEN"].FromSecret != "token_${go}" {
		t.Fatalf("secret references must not be substituted, got %s", env["TOKEN"].FromSecret)
	}
}

func TestExpandRejectsUndeclaredAxis(t *testing.T) {
	tpl := template("test", map[string][]string{"go": {"1.23"}}, pipeline.Step{
		Name:     "unit",
		Image:    "golang:${go}",
		Commands: []string{"echo ${missing}"},
	})
	axes, err := Axes(tpl)
	if err != nil {
		t.Fatalf("axes: %v", err)
	}
	_, err = Expand(tpl.Pipeline, axes)
	var undeclared *UndeclaredAxisError
	if !errors.As(err, &undeclared) {
		t.Fatalf("expected UndeclaredAxisError, got %v", err)
	}
	if undeclared.Axis != "missing" {
		t.Fatalf("expected axis 'missing', got %s", undeclared.Axis)
	}
}

func TestAxesRejectsEmptyValueSet(t *testing.T) {
	tpl := template("test", map[string][]string{"go": {}}, pipeline.Step{Name: "unit", Image: "alpine"})
	_, err := Axes(tpl)
	var empty *EmptyAxisError
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptyAxisError, got %v", err)
	}
}

func TestInstanceNamesAreDeterministic(t *testing.T) {
	tpl := template("test", map[string][]string{
		"b": {"2"},
		"a": {"1"},
	}, pipeline.Step{Name: "unit", Image: "alpine"})
	axes, err := Axes(tpl)
	if err != nil {
		t.Fatalf("axes: %v", err)
	}
	expanded, err := Expand(tpl.Pipeline, axes)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if expanded[0].Name != "test (a=1, b=2)" {
		t.Fatalf("unexpected instance name %s", expanded[0].Name)
	}
}
