// commands.go contains the cobra command definitions. Each builder wires
// a command to its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Overseer background service",
		Long: `Start the background service: the Prometheus metrics endpoint and the
approval sweeper that expires lapsed requests.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  overseer serve

  # Start with custom config
  overseer serve --config /etc/overseer/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		event      string
		payload    string
		scheduled  bool
	)

	cmd := &cobra.Command{
		Use:   "run <agent-slug>",
		Short: "Execute an agent once against a trigger",
		Example: `  # Trigger an agent with an event payload
  overseer run contact-curator --event contact.created --payload '{"email":"a@b.com"}'

  # Simulate a scheduled run
  overseer run daily-digest --scheduled`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), resolveConfigPath(configPath), args[0], event, payload, scheduled)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&event, "event", "e", "", "Event name for the trigger")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Trigger payload as a JSON object of strings")
	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "Run as a scheduled trigger (payload may be empty)")
	return cmd
}

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect configured agents",
	}
	cmd.AddCommand(buildAgentsListCmd(), buildAgentsShowCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath string
	var tenantID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listAgents(cmd.Context(), resolveConfigPath(configPath), tenantID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Scope to one tenant")
	return cmd
}

func buildAgentsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <agent-slug>",
		Short: "Show one agent with its stats and recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showAgent(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review and resolve pending approval requests",
	}
	cmd.AddCommand(buildApprovalsListCmd(), buildApprovalsResolveCmd(true), buildApprovalsResolveCmd(false))
	return cmd
}

func buildApprovalsListCmd() *cobra.Command {
	var configPath string
	var tenantID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listApprovals(cmd.Context(), resolveConfigPath(configPath), tenantID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Scope to one tenant")
	return cmd
}

func buildApprovalsResolveCmd(approve bool) *cobra.Command {
	use, short := "approve <approval-id>", "Approve a pending request and resume its execution"
	if !approve {
		use, short = "deny <approval-id>", "Deny a pending request and fail its execution"
	}

	var configPath string
	var note string
	var resolvedBy string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveApproval(cmd.Context(), resolveConfigPath(configPath), args[0], approve, resolvedBy, note)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&note, "note", "", "Reviewer note recorded with the decision")
	cmd.Flags().StringVar(&resolvedBy, "by", "cli", "Reviewer identity recorded with the decision")
	return cmd
}

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain the semantic memory store",
	}
	cmd.AddCommand(buildMemorySearchCmd(), buildMemoryConsolidateCmd())
	return cmd
}

func buildMemorySearchCmd() *cobra.Command {
	var configPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <agent-slug> <query>",
		Short: "Search an agent's memories by semantic similarity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return searchMemory(cmd.Context(), resolveConfigPath(configPath), args[0], args[1], limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum results")
	return cmd
}

func buildMemoryConsolidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "consolidate <agent-slug>",
		Short: "Merge near-duplicate memories and prune stale low-importance ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return consolidateMemory(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildUsageCmd() *cobra.Command {
	var configPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "usage <agent-slug>",
		Short: "Aggregate token and tool usage over an agent's recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showUsage(cmd.Context(), resolveConfigPath(configPath), args[0], limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "How many recent executions to aggregate")
	return cmd
}
