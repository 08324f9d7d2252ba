// Package main provides the CLI entry point for agentbridge.
//
// agentbridge exposes the skills of remote agents as MCP tools. Agents dial
// the hub over WebSocket and announce their skills; MCP clients call those
// skills as tools over HTTP or stdio.
//
// # Basic Usage
//
// Start the bridge:
//
//	agentbridge serve --config agentbridge.yaml
//
// Check a configuration file:
//
//	agentbridge config validate --config agentbridge.yaml
//
// Issue a registration token for an agent:
//
//	agentbridge agents token --agent-id weather
//
// # Environment Variables
//
//   - AGENTBRIDGE_CONFIG: Path to configuration file (default: agentbridge.yaml)
//
// Configuration files may reference any environment variable with ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "agentbridge.yaml"

func main() {
	// Logs go to stderr; stdout may carry the stdio transport.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentbridge",
		Short: "agentbridge - expose remote agent skills as MCP tools",
		Long: `agentbridge accepts agent connections over WebSocket and publishes every
announced skill as an MCP tool. Tool calls are forwarded to the owning agent
and its streamed text, status updates and files are returned as MCP content.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildAgentsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit path, then AGENTBRIDGE_CONFIG, then
// the default file name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENTBRIDGE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
