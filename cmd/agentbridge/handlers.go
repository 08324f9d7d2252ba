package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/agentbridge/internal/agenthub"
	"github.com/haasonsaas/agentbridge/internal/config"
	"github.com/haasonsaas/agentbridge/internal/observability"
)

// runServe loads the configuration, wires the bridge and serves until a
// shutdown signal arrives.
func runServe(ctx context.Context, opts serveOptions, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.stdio {
		cfg.Server.Stdio = true
	}
	if opts.httpAddr != "" {
		cfg.Server.HTTPAddr = opts.httpAddr
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	logger.Info("starting agentbridge",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
		"artifacts_backend", cfg.Artifacts.Backend,
		"call_timeout", cfg.Bridge.CallTimeout,
	)
	if cfg.Agents.AllowAny {
		logger.Warn("agent authentication disabled (agents.allow_any)")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer closeCancel()
		a.close(closeCtx)
	}()

	if err := a.run(ctx, stdin, stdout); err != nil {
		return err
	}
	logger.Info("agentbridge stopped")
	return nil
}

// runConfigValidate loads the file and reports the effective settings.
func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	auth := "tokens"
	switch {
	case cfg.Agents.AllowAny:
		auth = "allow_any"
	case cfg.Agents.JWTSecret != "" && len(cfg.Agents.Tokens) > 0:
		auth = "jwt+tokens"
	case cfg.Agents.JWTSecret != "":
		auth = "jwt"
	}
	transports := []string{}
	if cfg.Server.HTTPAddr != "" {
		transports = append(transports, "http "+cfg.Server.HTTPAddr+cfg.Server.MCPPath)
	}
	if cfg.Server.Stdio {
		transports = append(transports, "stdio")
	}

	fmt.Fprintf(out, "config ok: %s\n", configPath)
	fmt.Fprintf(out, "  transports:   %s\n", strings.Join(transports, ", "))
	fmt.Fprintf(out, "  agent hub:    %s (auth: %s)\n", cfg.Agents.Path, auth)
	fmt.Fprintf(out, "  call timeout: %s\n", cfg.Bridge.CallTimeout)
	fmt.Fprintf(out, "  artifacts:    %s (prune %s, max age %s)\n", cfg.Artifacts.Backend, cfg.Artifacts.PruneSchedule, cfg.Artifacts.MaxAge)
	return nil
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

// runAgentsToken signs a registration token for agentID.
func runAgentsToken(out io.Writer, configPath, agentID string, expiry *time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Agents.JWTSecret == "" {
		return fmt.Errorf("agents.jwt_secret is not configured")
	}
	lifetime := cfg.Agents.TokenExpiry
	if expiry != nil {
		lifetime = *expiry
	}
	token, err := agenthub.IssueToken(cfg.Agents.JWTSecret, agentID, lifetime)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
