package artifacts

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLStoreConfig selects a database for artifact bytes.
type SQLStoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	DSN    string
}

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

// SQLStore keeps artifact bytes in a relational table.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	logger  *slog.Logger
	now     func() time.Time
}

// OpenSQLStore opens the database, checks connectivity and creates the
// schema when missing.
func OpenSQLStore(ctx context.Context, cfg SQLStoreConfig, logger *slog.Logger) (*SQLStore, error) {
	dialect, driver, err := parseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sql artifact store dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open artifact database: %w", err)
	}
	if dialect == dialectSQLite {
		// Writers serialize on the database file.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping artifact database: %w", err)
	}
	store, err := NewSQLStore(ctx, db, cfg.Driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database handle and ensures the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	dialect, _, err := parseDriver(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "artifacts-sql"),
		now:     time.Now,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func parseDriver(driver string) (sqlDialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return dialectSQLite, "sqlite", nil
	case "postgres", "postgresql", "cockroach":
		return dialectPostgres, "postgres", nil
	default:
		return 0, "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// Save inserts data as the next version inside a transaction.
func (s *SQLStore) Save(ctx context.Context, obj Object, data io.Reader) (int, error) {
	if err := obj.Validate(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return 0, fmt.Errorf("read artifact data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin artifact tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(version), 0) FROM artifact_blobs
		WHERE session_key = ? AND filename = ?
	`), obj.SessionKey, obj.Filename)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("query artifact version: %w", err)
	}
	version := current + 1

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO artifact_blobs (
			session_key, filename, version, mime_type, owner, size, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		obj.SessionKey,
		obj.Filename,
		version,
		obj.MimeType,
		obj.Owner,
		int64(buf.Len()),
		buf.Bytes(),
		s.now().UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit artifact: %w", err)
	}
	return version, nil
}

// LoadBytes selects a stored version.
func (s *SQLStore) LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	var row *sql.Row
	if version == Latest {
		row = s.db.QueryRowContext(ctx, s.rebind(`
			SELECT data FROM artifact_blobs
			WHERE session_key = ? AND filename = ?
			ORDER BY version DESC LIMIT 1
		`), sessionKey, filename)
	} else {
		row = s.db.QueryRowContext(ctx, s.rebind(`
			SELECT data FROM artifact_blobs
			WHERE session_key = ? AND filename = ? AND version = ?
		`), sessionKey, filename, version)
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(sessionKey, filename, version)
		}
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	return data, nil
}

// DeleteSession deletes every row of a session.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM artifact_blobs WHERE session_key = ?`), sessionKey); err != nil {
		return fmt.Errorf("delete session artifacts: %w", err)
	}
	return nil
}

// PruneOlderThan deletes rows created before cutoff.
func (s *SQLStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM artifact_blobs WHERE created_at < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned artifacts", "count", n)
	}
	return int(n), nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == dialectPostgres {
		blob = "BYTEA"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS artifact_blobs (
			session_key TEXT NOT NULL,
			filename TEXT NOT NULL,
			version INTEGER NOT NULL,
			mime_type TEXT,
			owner TEXT,
			size BIGINT NOT NULL,
			data ` + blob + `,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (session_key, filename, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifact_blobs_created_at ON artifact_blobs (created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure artifacts schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
