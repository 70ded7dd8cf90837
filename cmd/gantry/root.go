package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/internal/config"
	"github.com/gantryci/gantry/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gantry",
		Short:         "Gantry compiles and schedules declarative CI pipelines",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("manifest", "f", "", "pipeline manifest file (default: project config)")
	persistent.String("project", "", "project directory (default: working directory)")

	cmd.AddCommand(newCompileCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// project resolves the project directory and its configuration; the
// --manifest flag overrides the configured manifest path.
func project(cmd *cobra.Command) (string, config.ProjectConfig, error) {
	dir, err := cmd.Flags().GetString("project")
	if err != nil {
		return "", config.ProjectConfig{}, err
	}
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return "", config.ProjectConfig{}, err
		}
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return "", config.ProjectConfig{}, err
	}
	if manifest, _ := cmd.Flags().GetString("manifest"); manifest != "" {
		cfg.Manifest = manifest
	}
	return dir, cfg, nil
}

// openLogger opens the engine log; failures degrade to a nil (discarding)
// logger rather than blocking the run.
func openLogger(cmd *cobra.Command, cfg config.ProjectConfig) *logging.Logger {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		cmd.PrintErrf("warning: %v\n", err)
		return nil
	}
	return logger
}
