// Package sqlstore persists the state of an MCP server in SQL: sessions, the message log, the
// per-session event streams and tasks. It speaks SQLite (pure Go by default, cgo with the
// sqlite_cgo build tag) and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Store implements mcp.Store on a database/sql handle.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
	now     func() time.Time
}

// Option represents the options for the store.
type Option func(*Store)

var _ mcp.Store = (*Store)(nil)

// WithLogger sets the logger of the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "sqlstore"))
	}
}

// Open connects to the database named by dsn, applies pending migrations and returns the
// store. dialect is DialectSQLite or DialectPostgres.
func Open(ctx context.Context, dialect, dsn string, options ...Option) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = openSQLite(ctx, dsn)
	case DialectPostgres:
		db, err = openPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := New(ctx, db, dialect, options...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies pending migrations.
func New(ctx context.Context, db *sql.DB, dialect string, options ...Option) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With(slog.String("component", "sqlstore")),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func openSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(SQLiteDriver, dsn)
	if err != nil {
		return nil, err
	}

	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// rebind rewrites ? placeholders for the dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
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

// forUpdate is the row locking suffix of a select that precedes an update in a transaction.
// SQLite locks the database on write and has a single connection, so it needs none.
func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", slog.String("err", rerr.Error()))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
