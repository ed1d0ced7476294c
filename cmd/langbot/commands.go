package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RockChinQ/LangBot/internal/app"
)

// buildRunCmd creates the "run" command that starts the bot.
func buildRunCmd() *cobra.Command {
	var (
		configDir string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		Long: `Start the bot with all configured platform adapters.

The process will:
1. Load the configuration bundles from the config directory
2. Open the sqlite store and restore persisted bots
3. Initialize LLM requesters and agent runners
4. Start the message pipeline workers
5. Start all enabled platform adapters
6. Serve the control-plane HTTP API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config directory
  langbot run

  # Start with a custom config directory
  langbot run --config /etc/langbot

  # Start with debug logging
  langbot run --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configDir, debug)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config", "c", "data/config",
		"Directory holding the configuration bundle files")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runBot(parent context.Context, configDir string, debug bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{
		ConfigDir: configDir,
		Debug:     debug,
		Version:   version,
	})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("langbot %s (commit: %s)\n", version, commit)
		},
	}
}
