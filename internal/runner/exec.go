package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Options configure the local exec backend.
type Options struct {
	// Stdout and Stderr receive step command output. Nil writers discard.
	Stdout io.Writer
	Stderr io.Writer
	// Dir is the working directory commands run in.
	Dir string
	// Env is the base process environment; step environment is appended.
	Env []string
	// Shell overrides the command interpreter (default "sh").
	Shell string
	// DryRun prints commands without executing them.
	DryRun bool
	// Now supplies timestamps for log lines (injectable for tests).
	Now func() time.Time
}

// ExecRunner executes step commands locally through the shell. The step's
// image is recorded in the log line but not pulled; container isolation is
// the business of remote backends behind the same interface.
type ExecRunner struct {
	opts Options
}

// NewExecRunner creates a local backend with the supplied options.
func NewExecRunner(opts Options) *ExecRunner {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ExecRunner{opts: opts}
}

// RunStep runs each command in order, failing fast on the first non-zero
// exit. Context cancellation kills the in-flight command.
func (r *ExecRunner) RunStep(ctx context.Context, run StepRun) error {
	env := append(append([]string{}, r.opts.Env...), flattenEnv(run.Environment)...)
	for _, command := range run.Commands {
		fmt.Fprintf(r.opts.Stdout, "[%s] %s/%s (%s) $ %s\n",
			r.opts.Now().Format(time.RFC3339), run.Pipeline, run.Step, run.Image, command)
		if r.opts.DryRun {
			continue
		}
		cmd := exec.CommandContext(ctx, r.opts.Shell, "-c", command)
		cmd.Dir = r.opts.Dir
		cmd.Env = env
		cmd.Stdout = r.opts.Stdout
		cmd.Stderr = r.opts.Stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			code := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
			return &StepExecutionError{
				Pipeline: run.Pipeline,
				Step:     run.Step,
				ExitCode: code,
				Err:      err,
			}
		}
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key + "=" + env[key]
	}
	return out
}
