// Package matrix expands templated pipelines across the Cartesian product
// of their axis values. Substitution is textual: every ${axis} placeholder
// occurring in image names, commands, or environment values is replaced by
// the combination's value for that axis.
package matrix

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gantryci/gantry/internal/pipeline"
)

// Axis is a named, ordered set of substitution values.
type Axis struct {
	Name   string
	Values []string
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// UndeclaredAxisError reports a placeholder that references no declared axis.
type UndeclaredAxisError struct {
	Pipeline string
	Axis     string
}

func (e *UndeclaredAxisError) Error() string {
	return fmt.Sprintf("matrix: pipeline %s references undeclared axis %s", e.Pipeline, e.Axis)
}

// EmptyAxisError reports an axis declared with no values. An empty axis is
// always a manifest bug, so expansion refuses it rather than silently
// dropping the pipeline.
type EmptyAxisError struct {
	Pipeline string
	Axis     string
}

func (e *EmptyAxisError) Error() string {
	return fmt.Sprintf("matrix: pipeline %s axis %s has no values", e.Pipeline, e.Axis)
}

// Axes converts a template's matrix map into a deterministic axis list,
// sorted by name.
func Axes(tpl pipeline.Template) ([]Axis, error) {
	if len(tpl.Matrix) == 0 {
		return nil, nil
	}
	axes := make([]Axis, 0, len(tpl.Matrix))
	for name, values := range tpl.Matrix {
		if len(values) == 0 {
			return nil, &EmptyAxisError{Pipeline: tpl.Name, Axis: name}
		}
		axes = append(axes, Axis{Name: name, Values: append([]string{}, values...)})
	}
	sort.Slice(axes, func(i, j int) bool { return axes[i].Name < axes[j].Name })
	return axes, nil
}

// Expand produces one concrete pipeline per element of the Cartesian
// product of the axis value sets. With no axes the input is returned
// unchanged as a single instance.
func Expand(tpl pipeline.Pipeline, axes []Axis) ([]pipeline.Pipeline, error) {
	declared := make(map[string]struct{}, len(axes))
	for _, axis := range axes {
		if len(axis.Values) == 0 {
			return nil, &EmptyAxisError{Pipeline: tpl.Name, Axis: axis.Name}
		}
		declared[axis.Name] = struct{}{}
	}
	if err := checkPlaceholders(tpl, declared); err != nil {
		return nil, err
	}
	if len(axes) == 0 {
		return []pipeline.Pipeline{tpl.Clone()}, nil
	}

	combos := combinations(axes)
	out := make([]pipeline.Pipeline, 0, len(combos))
	for _, combo := range combos {
		instance := tpl.Clone()
		instance.Name = instanceName(tpl.Name, combo)
		for i := range instance.Steps {
			substituteStep(&instance.Steps[i], combo)
		}
		out = append(out, instance)
	}
	return out, nil
}

// combinations walks the axis value sets in order, producing assignments in
// a stable last-axis-fastest order.
func combinations(axes []Axis) []map[string]string {
	combos := []map[string]string{{}}
	for _, axis := range axes {
		next := make([]map[string]string, 0, len(combos)*len(axis.Values))
		for _, combo := range combos {
			for _, value := range axis.Values {
				assignment := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					assignment[k] = v
				}
				assignment[axis.Name] = value
				next = append(next, assignment)
			}
		}
		combos = next
	}
	return combos
}

// instanceName labels an expanded pipeline with its axis assignment, keys
// sorted for determinism: "test (arch=amd64, go=1.22)".
func instanceName(base string, combo map[string]string) string {
	keys := make([]string, 0, len(combo))
	for key := range combo {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = fmt.Sprintf("%s=%s", key, combo[key])
	}
	return fmt.Sprintf("%s (%s)", base, strings.Join(parts, ", "))
}

func substituteStep(step *pipeline.Step, combo map[string]string) {
	step.Image = substitute(step.Image, combo)
	for i, command := range step.Commands {
		step.Commands[i] = substitute(command, combo)
	}
	for key, value := range step.Environment {
		if value.IsSecret() {
			continue
		}
		value.Value = substitute(value.Value, combo)
		step.Environment[key] = value
	}
}

func substitute(text string, combo map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := combo[name]; ok {
			return value
		}
		return match
	})
}

// checkPlaceholders rejects placeholders that name no declared axis before
// any substitution happens, so the error covers every combination.
func checkPlaceholders(tpl pipeline.Pipeline, declared map[string]struct{}) error {
	check := func(text string) error {
		for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			if _, ok := declared[match[1]]; !ok {
				return &UndeclaredAxisError{Pipeline: tpl.Name, Axis: match[1]}
			}
		}
		return nil
	}
	for _, step := range tpl.Steps {
		if err := check(step.Image); err != nil {
			return err
		}
		for _, command := range step.Commands {
			if err := check(command); err != nil {
				return err
			}
		}
		for _, value := range step.Environment {
			if value.IsSecret() {
				continue
			}
			if err := check(value.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
