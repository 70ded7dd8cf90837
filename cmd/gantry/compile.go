package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/internal/compiler"
)

func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the manifest and print the pipeline graph",
		RunE:  runCompile,
	}
	cmd.Flags().Bool("layers", false, "print the topological layering instead of the pipeline list")
	return cmd
}

func runCompile(cmd *cobra.Command, _ []string) error {
	_, cfg, err := project(cmd)
	if err != nil {
		return err
	}
	g, err := compiler.CompileFile(cfg.Manifest)
	if err != nil {
		return err
	}
	layers, err := cmd.Flags().GetBool("layers")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if layers {
		for i, layer := range g.Layers() {
			fmt.Fprintf(out, "layer %d: %s\n", i, strings.Join(layer, ", "))
		}
		return nil
	}
	for _, node := range g.Nodes() {
		fmt.Fprintf(out, "%s", node.Name)
		if len(node.Dependencies) > 0 {
			fmt.Fprintf(out, "  (depends on %s)", strings.Join(node.Dependencies, ", "))
		}
		fmt.Fprintln(out)
		for _, step := range node.Pipeline.Steps {
			fmt.Fprintf(out, "  - %s [%s]\n", step.Name, step.Image)
		}
	}
	return nil
}
