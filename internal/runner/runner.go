// Package runner defines the execution backend contract. RunStep is the
// engine's only outward call per step; everything about how a container
// image actually runs belongs to the backend behind the interface.
package runner

import (
	"context"
	"fmt"

	"github.com/gantryci/gantry/internal/pipeline"
)

// StepRun carries everything a backend needs to execute one step. The
// environment is fully resolved; secret references never cross this
// boundary unresolved.
type StepRun struct {
	Pipeline    string
	Step        string
	Image       string
	Commands    []string
	Environment map[string]string
	Platform    pipeline.Platform
}

// StepRunner executes a single step and reports its outcome. A nil error
// means the step completed with a zero exit status.
type StepRunner interface {
	RunStep(ctx context.Context, run StepRun) error
}

// SecretStore resolves a named secret reference to its value at execution
// time. The engine never caches a looked-up value beyond the step using it.
type SecretStore interface {
	Lookup(name string) (string, bool)
}

// StepExecutionError reports a non-zero exit from a step. It fails the
// owning pipeline but never aborts sibling pipelines directly.
type StepExecutionError struct {
	Pipeline string
	Step     string
	ExitCode int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("runner: pipeline %s step %s exited with code %d", e.Pipeline, e.Step, e.ExitCode)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// ResolveEnv flattens a step's environment for execution, pulling secret
// references from the store. A missing secret fails the step before the
// backend is invoked.
func ResolveEnv(pipelineName string, step pipeline.Step, secrets SecretStore) (map[string]string, error) {
	if len(step.Environment) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(step.Environment))
	for key, value := range step.Environment {
		if !value.IsSecret() {
			out[key] = value.Value
			continue
		}
		if secrets == nil {
			return nil, fmt.Errorf("runner: pipeline %s step %s: no secret store for secret %q", pipelineName, step.Name, value.FromSecret)
		}
		resolved, ok := secrets.Lookup(value.FromSecret)
		if !ok {
			return nil, fmt.Errorf("runner: pipeline %s step %s: secret %q not found", pipelineName, step.Name, value.FromSecret)
		}
		out[key] = resolved
	}
	return out, nil
}
