// Package main provides the CLI entry point for Overseer, an agent
// execution core.
//
// Overseer runs bounded observe/think/act reasoning loops against LLM
// providers (Anthropic, OpenAI), with policy-gated tool execution, human
// approval for risky actions, and a semantic memory store.
//
// # Basic Usage
//
// Run an agent against an event:
//
//	overseer run contact-curator --event contact.created --payload '{"email":"a@b.com"}'
//
// Review and resolve approvals:
//
//	overseer approvals list
//	overseer approvals approve <approval-id>
//
// Start the background service (metrics and the approval sweeper):
//
//	overseer serve --config overseer.yaml
//
// # Environment Variables
//
//   - OVERSEER_CONFIG: Path to configuration file (default: overseer.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models and embeddings
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
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

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "overseer",
		Short: "Overseer - agent execution core",
		Long: `Overseer executes autonomous agents as bounded reasoning loops.

Each run observes its trigger and relevant memories, asks an LLM provider
to decide the next action, and executes tools under the agent's access
policy. Risky actions suspend the run for human approval.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildAgentsCmd(),
		buildApprovalsCmd(),
		buildMemoryCmd(),
		buildUsageCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("OVERSEER_CONFIG"); env != "" {
		return env
	}
	return "overseer.yaml"
}
