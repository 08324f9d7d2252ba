package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

type serveOptions struct {
	configPath string
	debug      bool
	stdio      bool
	httpAddr   string
}

// buildServeCmd creates the "serve" command that runs the bridge.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long: `Start the bridge with the MCP endpoint, the agent hub and metrics.

The server will:
1. Load configuration from the specified file (or agentbridge.yaml)
2. Open the artifact store
3. Serve MCP over HTTP and, when enabled, over stdin/stdout
4. Accept agent connections on the hub path
5. Prune old artifacts on the configured schedule

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentbridge serve

  # Serve a single MCP client over stdio as well
  agentbridge serve --config /etc/agentbridge.yaml --stdio`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runServe(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&opts.stdio, "stdio", false, "Also serve MCP over stdin/stdout")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "Override server.http_addr")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

// =============================================================================
// Agent Commands
// =============================================================================

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agent credentials",
	}
	cmd.AddCommand(buildAgentsTokenCmd())
	return cmd
}

func buildAgentsTokenCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a registration token for an agent",
		Long: `Sign an HS256 token with agents.jwt_secret. The agent sends it in the
token field of its register frame.`,
		Example: `  agentbridge agents token --agent-id weather --expiry 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiryOverride *time.Duration
			if cmd.Flags().Changed("expiry") {
				expiryOverride = &expiry
			}
			return runAgentsToken(cmd.OutOrStdout(), resolveConfigPath(configPath), agentID, expiryOverride)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent id the token is bound to")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default agents.token_expiry; 0 never expires)")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentbridge %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
