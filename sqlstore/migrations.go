package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Masterminds/semver/v3"
)

// Migration is one schema step. The statements run in order inside one transaction and must
// be valid in both dialects.
type Migration struct {
	Version    string
	Statements []string
}

// Migrations lists every schema step. Versions are applied in semantic version order.
var Migrations = []Migration{
	{
		Version: "1.0.0",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				event_counter BIGINT NOT NULL DEFAULT 0,
				state TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				direction TEXT NOT NULL,
				type TEXT NOT NULL,
				jsonrpc_id TEXT NOT NULL DEFAULT '',
				method TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				is_ping INTEGER NOT NULL DEFAULT 0,
				acknowledged INTEGER NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				session_id TEXT NOT NULL,
				event_id BIGINT NOT NULL,
				data TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (session_id, event_id)
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				status TEXT NOT NULL,
				state TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
		},
	},
	{
		Version: "1.1.0",
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_request ON messages (session_id, direction, jsonrpc_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_created ON events (created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status, updated_at)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks (session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		},
	},
}

// SchemaVersion returns the newest applied migration version, 0.0.0 on an empty database.
func (s *Store) SchemaVersion(ctx context.Context) (*semver.Version, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan schema version: %w", err)
		}
		version, err := semver.NewVersion(v)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", v, err)
		}
		if version.GreaterThan(current) {
			current = version
		}
	}
	return current, rows.Err()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	type step struct {
		version   *semver.Version
		migration Migration
	}
	steps := make([]step, 0, len(Migrations))
	for _, m := range Migrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		steps = append(steps, step{version: v, migration: m})
	}
	slices.SortFunc(steps, func(a, b step) int { return a.version.Compare(b.version) })

	for _, st := range steps {
		if !current.LessThan(st.version) {
			continue
		}
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range st.migration.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to apply migration %s: %w", st.migration.Version, err)
				}
			}
			_, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
				st.migration.Version, unixNano(s.now()))
			if err != nil {
				return fmt.Errorf("failed to record migration %s: %w", st.migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied migration", slog.String("version", st.migration.Version))
		current = st.version
	}
	return nil
}
