package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Platform names the OS/architecture a pipeline's steps are scheduled onto.
type Platform struct {
	OS   string `json:"os,omitempty" yaml:"os,omitempty"`
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty"`
}

// Concurrency caps how many instances of pipelines sharing the same group
// may be running simultaneously across a compiled graph. A zero limit means
// the group is unlimited.
type Concurrency struct {
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
	Limit int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Conditions is a trigger predicate: each non-empty list constrains one
// attribute of the incoming event, and an empty list matches anything.
// A pipeline or step with zero conditions is always eligible.
type Conditions struct {
	Event  []string `json:"event,omitempty" yaml:"event,omitempty"`
	Ref    []string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Branch []string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Status []string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Empty reports whether the predicate constrains nothing.
func (c Conditions) Empty() bool {
	return len(c.Event) == 0 && len(c.Ref) == 0 && len(c.Branch) == 0 && len(c.Status) == 0
}

// EventTypes returns the event-type alternatives.
func (c Conditions) EventTypes() []string { return c.Event }

// RefPatterns returns the ref pattern alternatives.
func (c Conditions) RefPatterns() []string { return c.Ref }

// BranchPatterns returns the branch pattern alternatives.
func (c Conditions) BranchPatterns() []string { return c.Branch }

// Statuses returns the prior-status alternatives.
func (c Conditions) Statuses() []string { return c.Status }

// Clone returns a deep copy of the condition set.
func (c Conditions) Clone() Conditions {
	return Conditions{
		Event:  cloneStrings(c.Event),
		Ref:    cloneStrings(c.Ref),
		Branch: cloneStrings(c.Branch),
		Status: cloneStrings(c.Status),
	}
}

// EnvValue is either a literal environment value or a reference to a named
// secret resolved by the execution backend at run time. Compiled graphs
// never carry resolved secret material.
type EnvValue struct {
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
	FromSecret string `json:"from_secret,omitempty" yaml:"from_secret,omitempty"`
}

// IsSecret reports whether the value must be resolved from the secret store.
func (v EnvValue) IsSecret() bool {
	return v.FromSecret != ""
}

// UnmarshalYAML accepts either a plain scalar or a {from_secret: name} map.
func (v *EnvValue) UnmarshalYAML(unmarshal func(any) error) error {
	var literal string
	if err := unmarshal(&literal); err == nil {
		*v = EnvValue{Value: literal}
		return nil
	}
	var ref struct {
		FromSecret string `yaml:"from_secret"`
	}
	if err := unmarshal(&ref); err != nil {
		return fmt.Errorf("pipeline: environment value must be a string or from_secret reference: %w", err)
	}
	if strings.TrimSpace(ref.FromSecret) == "" {
		return fmt.Errorf("pipeline: from_secret reference is empty")
	}
	*v = EnvValue{FromSecret: strings.TrimSpace(ref.FromSecret)}
	return nil
}

// Step is the atomic unit of execution: a container image plus an ordered
// command list. Steps declared with the same group tag back-to-back may run
// concurrently; ungrouped steps run strictly in declaration order.
type Step struct {
	Name        string              `json:"name" yaml:"name"`
	Image       string              `json:"image" yaml:"image"`
	Commands    []string            `json:"commands,omitempty" yaml:"commands,omitempty"`
	Environment map[string]EnvValue `json:"environment,omitempty" yaml:"environment,omitempty"`
	Group       string              `json:"group,omitempty" yaml:"group,omitempty"`
	When        Conditions          `json:"when,omitempty" yaml:"when,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	clone := Step{
		Name:     s.Name,
		Image:    s.Image,
		Group:    s.Group,
		Commands: cloneStrings(s.Commands),
		When:     s.When.Clone(),
	}
	if len(s.Environment) > 0 {
		clone.Environment = make(map[string]EnvValue, len(s.Environment))
		for key, value := range s.Environment {
			clone.Environment[key] = value
		}
	}
	return clone
}

// Validate ensures the step is usable.
func (s Step) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("pipeline: step name is required")
	}
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("pipeline: step %s: image is required", s.Name)
	}
	return nil
}

// Pipeline is a named, ordered group of steps sharing a platform, a trigger
// predicate, and dependency edges onto other pipelines.
type Pipeline struct {
	Name        string      `json:"name" yaml:"name"`
	Platform    Platform    `json:"platform,omitempty" yaml:"platform,omitempty"`
	Steps       []Step      `json:"steps" yaml:"steps"`
	DependsOn   []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Trigger     Conditions  `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Concurrency Concurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// Clone returns a deep copy of the pipeline.
func (p Pipeline) Clone() Pipeline {
	clone := Pipeline{
		Name:        p.Name,
		Platform:    p.Platform,
		DependsOn:   cloneStrings(p.DependsOn),
		Trigger:     p.Trigger.Clone(),
		Concurrency: p.Concurrency,
	}
	if len(p.Steps) > 0 {
		clone.Steps = make([]Step, len(p.Steps))
		for i, step := range p.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	return clone
}

// Validate ensures the pipeline is self-consistent.
func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s: at least one step is required", p.Name)
	}
	seen := map[string]struct{}{}
	for idx, step := range p.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("pipeline %s step[%d]: %w", p.Name, idx, err)
		}
		if _, exists := seen[step.Name]; exists {
			return fmt.Errorf("pipeline %s: duplicate step name %s", p.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	for _, dep := range p.DependsOn {
		if dep == p.Name {
			return fmt.Errorf("pipeline %s: depends on itself", p.Name)
		}
	}
	if p.Concurrency.Limit < 0 {
		return fmt.Errorf("pipeline %s: concurrency limit must be >= 0", p.Name)
	}
	if p.Concurrency.Limit > 0 && p.Concurrency.Group == "" {
		return fmt.Errorf("pipeline %s: concurrency limit requires a group name", p.Name)
	}
	return nil
}

// Normalized clones the pipeline, trims surrounding whitespace from names
// and dependencies, deduplicates dependencies, and validates the result.
func (p Pipeline) Normalized() (Pipeline, error) {
	clone := p.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	clone.DependsOn = dedupe(clone.DependsOn)
	for i := range clone.Steps {
		clone.Steps[i].Name = strings.TrimSpace(clone.Steps[i].Name)
	}
	if err := clone.Validate(); err != nil {
		return Pipeline{}, err
	}
	return clone, nil
}

// StepBatches splits the step list into execution batches: each batch is
// either a single ungrouped step or a maximal run of consecutive steps
// sharing the same group tag. Batches execute sequentially; steps inside a
// batch may run concurrently.
func (p Pipeline) StepBatches() [][]Step {
	var batches [][]Step
	for _, step := range p.Steps {
		n := len(batches)
		if step.Group != "" && n > 0 {
			last := batches[n-1]
			if last[0].Group == step.Group {
				batches[n-1] = append(last, step)
				continue
			}
		}
		batches = append(batches, []Step{step})
	}
	return batches
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, exists := set[value]; exists {
			continue
		}
		set[value] = struct{}{}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
