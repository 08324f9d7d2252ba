package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/agentbridge/internal/agenthub"
	"github.com/haasonsaas/agentbridge/internal/artifacts"
	"github.com/haasonsaas/agentbridge/internal/bindings"
	"github.com/haasonsaas/agentbridge/internal/bridge"
	"github.com/haasonsaas/agentbridge/internal/config"
	"github.com/haasonsaas/agentbridge/internal/materialize"
	"github.com/haasonsaas/agentbridge/internal/mcp"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/ratelimit"
	"github.com/haasonsaas/agentbridge/internal/resources"
)

// app is the fully wired bridge.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry      *prometheus.Registry
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	store     artifacts.Store
	server    *mcp.Server
	bindings  *bindings.Synchronizer
	resources *resources.Registry
	bridge    *bridge.Bridge
	hub       *agenthub.Hub
	cleanup   *artifacts.CleanupService
}

// newApp wires every component from cfg. The bridge and the hub refer to
// each other: the hub feeds task events into the bridge, and the bridge
// submits tasks to the hub.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	}
	if traceCfg.ServiceVersion == "" {
		traceCfg.ServiceVersion = version
	}
	if cfg.Observability.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Observability.Tracing.Endpoint
	}
	tracer, traceShutdown := observability.NewTracer(traceCfg)

	store, err := artifacts.Open(ctx, cfg.Artifacts.StoreOptions(), logger)
	if err != nil {
		return nil, err
	}

	server := mcp.NewServer(mcp.ServerOptions{
		Name:         "agentbridge",
		Version:      version,
		Instructions: "Each tool forwards its message to a skill of a connected agent. Files produced by agents are returned inline or as agent-file resources.",
	}, logger)
	tools := bindings.NewSynchronizer(server, logger)
	fileRegistry := resources.NewRegistry(store, logger)
	materializer := materialize.New(materialize.Config{
		Loader:   store,
		Registry: fileRegistry,
		Limits:   cfg.Bridge.InlineLimits,
		Metrics:  metrics,
	}, logger)

	var cleaner bridge.SessionCleaner
	if cfg.Artifacts.DeleteOnSessionEnd {
		cleaner = store
	}
	br := bridge.New(bridge.Options{
		Config: bridge.Config{
			CallTimeout:       cfg.Bridge.CallTimeout,
			MaterializerGrace: cfg.Bridge.MaterializerGrace,
		},
		Tools:        tools,
		Materializer: materializer,
		Resources:    fileRegistry,
		Artifacts:    cleaner,
		Metrics:      metrics,
		Tracer:       tracer,
	}, logger)

	hub := agenthub.New(agenthub.Options{
		Config: agenthub.Config{
			MaxFrameBytes:    cfg.Agents.MaxFrameBytes,
			HandshakeTimeout: cfg.Agents.HandshakeTimeout,
			Auth: agenthub.AuthConfig{
				JWTSecret: cfg.Agents.JWTSecret,
				Tokens:    cfg.Agents.Tokens,
				AllowAny:  cfg.Agents.AllowAny,
			},
		},
		Sink:            br,
		Announcer:       tools,
		Store:           store,
		Metrics:         metrics,
		RegisterLimiter: ratelimit.NewLimiter(cfg.Agents.RegisterRateLimit),
	}, logger)
	br.SetRuntime(hub)

	server.SetToolHandler(br)
	server.RegisterResourceTemplate(mcp.ResourceTemplate{
		URITemplate: resources.URITemplate,
		Name:        "agent-file",
		Description: "Files produced by agents during this session",
	}, br)
	server.OnSessionClosed(br.CloseSession)

	a := &app{
		cfg:           cfg,
		logger:        logger,
		registry:      registry,
		metrics:       metrics,
		tracer:        tracer,
		traceShutdown: traceShutdown,
		store:         store,
		server:        server,
		bindings:      tools,
		resources:     fileRegistry,
		bridge:        br,
		hub:           hub,
	}
	if pruner, ok := store.(artifacts.Pruner); ok {
		a.cleanup = artifacts.NewCleanupService(pruner, cfg.Artifacts.PruneSchedule, cfg.Artifacts.MaxAge, logger)
		a.cleanup.SetMetrics(metrics)
	}
	return a, nil
}

// handler routes the MCP endpoint, the agent hub and metrics.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.MCPPath, mcp.NewHTTPHandler(a.server))
	mux.Handle(a.cfg.Agents.Path, a.hub)
	if a.cfg.Observability.Metrics.Enabled {
		mux.Handle(a.cfg.Observability.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok agents=%d in_flight=%d\n", len(a.hub.Agents()), a.bridge.InFlight())
	})
	return mux
}

// run serves every enabled transport until ctx is canceled or one of them
// fails. In stdio-only mode the bridge stops when stdin closes.
func (a *app) run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.HTTPAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http listening", "addr", addr, "mcp_path", a.cfg.Server.MCPPath, "agents_path", a.cfg.Agents.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			_ = a.hub.Close()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return a.server.RunIdleSweeper(gctx, a.cfg.Server.SessionIdleTimeout, sweepInterval(a.cfg.Server.SessionIdleTimeout))
		})
	}

	if a.cfg.Server.Stdio {
		g.Go(func() error {
			if a.cfg.Server.HTTPAddr == "" {
				defer cancel()
			}
			a.logger.Info("serving MCP over stdio")
			if err := a.server.ServeStdio(gctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio transport: %w", err)
			}
			return nil
		})
	}

	if a.cleanup != nil {
		g.Go(func() error {
			return a.cleanup.Run(gctx)
		})
	}

	return g.Wait()
}

// sweepInterval checks for idle sessions a few times per timeout, but at
// most once a minute.
func sweepInterval(idle time.Duration) time.Duration {
	return min(max(idle/4, time.Second), time.Minute)
}

// close releases the store and flushes traces.
func (a *app) close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing artifact store failed", "error", err)
	}
	if err := a.traceShutdown(ctx); err != nil {
		a.logger.Warn("flushing traces failed", "error", err)
	}
}
