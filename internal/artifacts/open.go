package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/agentbridge/internal/retry"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend   string // memory, local, s3, sql, redis
	LocalPath string
	S3        S3StoreConfig
	SQL       SQLStoreConfig
	Redis     RedisStoreConfig
	// Retry governs connection attempts to remote backends. The zero value
	// tries once.
	Retry retry.Policy
}

// Open builds the store named by opts.Backend. Remote backends are retried
// per opts.Retry so the bridge can start before its storage is reachable.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))

	var connect func(ctx context.Context) (Store, error)
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "local":
		store, err := nilIfErr(NewLocalStore(opts.LocalPath))
		if err != nil {
			return nil, fmt.Errorf("open local artifact store: %w", err)
		}
		return store, nil
	case "s3":
		connect = func(ctx context.Context) (Store, error) {
			s3cfg := opts.S3
			return nilIfErr(NewS3Store(ctx, &s3cfg))
		}
	case "sql":
		if _, _, err := parseDriver(opts.SQL.Driver); err != nil {
			return nil, fmt.Errorf("open sql artifact store: %w", err)
		}
		connect = func(ctx context.Context) (Store, error) {
			return nilIfErr(OpenSQLStore(ctx, opts.SQL, logger))
		}
	case "redis":
		connect = func(ctx context.Context) (Store, error) {
			return nilIfErr(NewRedisStore(ctx, opts.Redis))
		}
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", opts.Backend)
	}

	attempt := 0
	store, attempts, err := retry.DoValue(ctx, opts.Retry, func(ctx context.Context) (Store, error) {
		attempt++
		store, err := connect(ctx)
		if err != nil {
			logger.Warn("artifact store connection failed", "backend", backend, "attempt", attempt, "error", err)
		}
		return store, err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s artifact store after %d attempts: %w", backend, attempts, err)
	}
	return store, nil
}

// nilIfErr keeps a typed nil pointer out of the Store interface.
func nilIfErr[T Store](s T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
