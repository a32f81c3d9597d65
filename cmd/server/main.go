package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "taskorchestrator",
		Short:         "Browser automation task orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (env vars override it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the task dispatchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serveCmd)

	// running the binary without a subcommand serves
	root.RunE = serveCmd.RunE
	return root
}
