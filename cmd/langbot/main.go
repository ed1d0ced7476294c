// Package main provides the CLI entry point for the LangBot IM gateway.
//
// LangBot connects messaging platforms (Telegram, OneBot v11) to LLM
// providers (OpenAI, Anthropic) and third-party agent platforms (Dify,
// Coze) through a staged message pipeline with sessions, commands, and
// a plugin event bus.
//
// # Basic Usage
//
// Start the bot:
//
//	langbot run --config data/config
//
// Print the version:
//
//	langbot version
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "langbot",
		Short: "LangBot - IM bot gateway for LLM applications",
		Long: `LangBot connects messaging platforms to LLM providers and agent
platforms through a staged message pipeline.

Supported platforms: Telegram, OneBot v11 (aiocqhttp)
Supported providers: OpenAI, Anthropic
Supported agent runners: local agent, Dify, Coze`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
