package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/internal/compiler"
	"github.com/gantryci/gantry/internal/config"
	"github.com/gantryci/gantry/internal/history"
	"github.com/gantryci/gantry/internal/runner"
	"github.com/gantryci/gantry/internal/scheduler"
	"github.com/gantryci/gantry/internal/trigger"
	"github.com/gantryci/gantry/internal/tui"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile the manifest and execute it for a synthesized event",
		RunE:  runRun,
	}
	flags := cmd.Flags()
	flags.String("event", trigger.EventManual, "event type (push|tag|pull_request|manual)")
	flags.String("ref", "", "event ref, e.g. refs/heads/main")
	flags.String("branch", "", "event branch (derived from ref when empty)")
	flags.String("status", "", "prior build status (success|failure)")
	flags.String("actor", "", "event actor")
	flags.Bool("dry-run", false, "print step commands without executing them")
	flags.Bool("watch", false, "show the live run dashboard")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	projectDir, cfg, err := project(cmd)
	if err != nil {
		return err
	}
	if err := config.InitDir(projectDir); err != nil {
		return err
	}
	logger := openLogger(cmd, cfg)
	defer logger.Close()

	g, err := compiler.CompileFile(cfg.Manifest)
	if err != nil {
		return err
	}
	ev, err := eventFromFlags(cmd)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(cfg.Secrets)
	if err != nil {
		return err
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}
	execOpts := runner.Options{Dir: projectDir, DryRun: dryRun}
	if !watch {
		execOpts.Stdout = cmd.OutOrStdout()
		execOpts.Stderr = cmd.ErrOrStderr()
	}
	store, err := history.New(cfg.History)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		Runner:  runner.NewExecRunner(execOpts),
		Secrets: secrets,
		History: store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	run, err := sched.Start(cmd.Context(), g, ev)
	if err != nil {
		return err
	}
	if watch {
		if err := tui.Watch(fmt.Sprintf("gantry run (%s)", ev.Type), run); err != nil {
			return err
		}
	}
	result := run.Wait()

	record := history.NewRecord(run.Event(), result)
	if err := store.Append(record); err != nil {
		return err
	}

	printResult(cmd, result)
	if result.Failed() {
		return fmt.Errorf("run %s failed", record.RunID)
	}
	return nil
}

func eventFromFlags(cmd *cobra.Command) (trigger.Event, error) {
	flags := cmd.Flags()
	var ev trigger.Event
	var err error
	if ev.Type, err = flags.GetString("event"); err != nil {
		return trigger.Event{}, err
	}
	if ev.Ref, err = flags.GetString("ref"); err != nil {
		return trigger.Event{}, err
	}
	if ev.Branch, err = flags.GetString("branch"); err != nil {
		return trigger.Event{}, err
	}
	if ev.PriorStatus, err = flags.GetString("status"); err != nil {
		return trigger.Event{}, err
	}
	if ev.Actor, err = flags.GetString("actor"); err != nil {
		return trigger.Event{}, err
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return trigger.Event{}, err
	}
	return ev, nil
}

func printResult(cmd *cobra.Command, result *scheduler.Result) {
	out := cmd.OutOrStdout()
	for _, status := range result.Pipelines {
		switch status.State {
		case scheduler.StateSkipped:
			if status.BlockedBy != "" {
				fmt.Fprintf(out, "%-10s %s (blocked by %s)\n", status.State, status.Name, status.BlockedBy)
			} else {
				fmt.Fprintf(out, "%-10s %s (%s)\n", status.State, status.Name, status.Detail)
			}
		case scheduler.StateFailed:
			fmt.Fprintf(out, "%-10s %s: %s\n", status.State, status.Name, status.Error)
		default:
			fmt.Fprintf(out, "%-10s %s\n", status.State, status.Name)
		}
	}
}
