package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/internal/compiler"
	"github.com/gantryci/gantry/internal/config"
	"github.com/gantryci/gantry/internal/eventhook"
	"github.com/gantryci/gantry/internal/history"
	"github.com/gantryci/gantry/internal/runner"
	"github.com/gantryci/gantry/internal/scheduler"
	"github.com/gantryci/gantry/internal/trigger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event intake server and schedule runs for incoming events",
		RunE:  runServe,
	}
	flags := cmd.Flags()
	flags.String("host", "", "listen host (default 127.0.0.1)")
	flags.Int("port", 0, "listen port (default 8765)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	projectDir, cfg, err := project(cmd)
	if err != nil {
		return err
	}
	if err := config.InitDir(projectDir); err != nil {
		return err
	}
	logger := openLogger(cmd, cfg)
	defer logger.Close()

	secrets, err := config.LoadSecrets(cfg.Secrets)
	if err != nil {
		return err
	}
	store, err := history.New(cfg.History)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		Runner:  runner.NewExecRunner(runner.Options{Dir: projectDir}),
		Secrets: secrets,
		History: store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Each accepted event compiles the manifest fresh, so manifest edits
	// between deliveries take effect without a restart. Runs outlive the
	// HTTP request that accepted them, so they bind to the server context.
	launcher := eventhook.LauncherFunc(func(_ context.Context, ev trigger.Event) (string, error) {
		g, err := compiler.CompileFile(cfg.Manifest)
		if err != nil {
			return "", err
		}
		run, err := sched.Start(ctx, g, ev)
		if err != nil {
			return "", err
		}
		record := history.NewRecord(ev, &scheduler.Result{})
		go func() {
			result := run.Wait()
			record.Pipelines = result.Pipelines
			record.StartedAt = result.StartedAt
			record.FinishedAt = result.FinishedAt
			record.Failed = result.Failed()
			if err := store.Append(record); err != nil {
				logger.Printf("serve: record run %s: %v", record.RunID, err)
			}
		}()
		return record.RunID, nil
	})

	settings := eventhook.DefaultSettings()
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		settings.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		settings.Port = port
	}
	server := eventhook.NewServer(settings,
		eventhook.WithLauncher(launcher),
		eventhook.WithLogger(logger),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}
	cmd.Printf("listening on %s\n", server.Addr())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
