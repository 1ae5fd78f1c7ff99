package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"time"
)

// Migration is one ordered schema change. Statements must be valid for both SQLite and PostgreSQL.
type Migration struct {
	Version    int
	Name       string
	Statements []string
	// Run, when set, executes after Statements inside the same transaction.
	Run func(ctx context.Context, s *SQL, tx *sql.Tx) error
}

// Migrations is the schema history, applied in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_ledger_and_subscriptions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS seen_posts (
				forum_id TEXT NOT NULL,
				external_id TEXT NOT NULL,
				seen_at BIGINT NOT NULL,
				PRIMARY KEY (forum_id, external_id)
			)`,
			`CREATE TABLE IF NOT EXISTS subscriptions (
				id TEXT PRIMARY KEY,
				forum_id TEXT NOT NULL,
				recipient BIGINT NOT NULL,
				kind TEXT NOT NULL,
				pattern TEXT NOT NULL DEFAULT '',
				pattern_key TEXT NOT NULL DEFAULT '',
				active INTEGER NOT NULL DEFAULT 1,
				created_at BIGINT NOT NULL,
				UNIQUE (forum_id, recipient, kind, pattern_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_subscriptions_forum ON subscriptions (forum_id, active)`,
		},
	},
	{
		Version: 2,
		Name:    "create_notifications",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS notifications (
				forum_id TEXT NOT NULL,
				post_id TEXT NOT NULL,
				recipient BIGINT NOT NULL,
				kind TEXT NOT NULL,
				pattern TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				PRIMARY KEY (forum_id, post_id, recipient)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_trigger ON notifications (forum_id, kind, pattern)`,
			`CREATE TABLE IF NOT EXISTS blocked_recipients (
				forum_id TEXT NOT NULL,
				recipient BIGINT NOT NULL,
				blocked_at BIGINT NOT NULL,
				PRIMARY KEY (forum_id, recipient)
			)`,
		},
	},
	{
		Version: 3,
		Name:    "create_source_health",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS source_health (
				forum_id TEXT PRIMARY KEY,
				mode TEXT NOT NULL,
				auth_failures INTEGER NOT NULL DEFAULT 0,
				transient_failures INTEGER NOT NULL DEFAULT 0,
				last_success BIGINT NOT NULL DEFAULT 0,
				degraded_at BIGINT NOT NULL DEFAULT 0,
				credential_fingerprint TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		Version: 4,
		Name:    "rekey_keyword_subscriptions",
		Run:     rekeyKeywords,
	},
	{
		Version: 5,
		Name:    "add_health_config_flagged",
		Statements: []string{
			`ALTER TABLE source_health ADD COLUMN config_flagged INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// rekeyKeywords recomputes keyword pattern keys so escape sequences keep their case.
// The new keys are finer than the old ones, so the unique constraint still holds.
func rekeyKeywords(ctx context.Context, s *SQL, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx,
		s.rebind(`SELECT id, pattern FROM subscriptions WHERE kind = ?`), string(notifier.KindKeyword))
	if err != nil {
		return fmt.Errorf("query keyword subscriptions: %w", err)
	}
	keys := make(map[string]string)
	for rows.Next() {
		var id, pattern string
		if err := rows.Scan(&id, &pattern); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan keyword subscription: %w", err)
		}
		keys[id] = PatternKey(notifier.KindKeyword, pattern)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close keyword subscriptions: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate keyword subscriptions: %w", err)
	}

	for id, key := range keys {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE subscriptions SET pattern_key = ? WHERE id = ?`), key, id); err != nil {
			return fmt.Errorf("rekey subscription %s: %w", id, err)
		}
	}
	return nil
}

// migrate applies every migration newer than the recorded schema version.
func (s *SQL) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		s.logger.Info("Applied schema migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (s *SQL) apply(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back migration", "version", m.Version, "error", rbErr)
		}
	}()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if m.Run != nil {
		if err := m.Run(ctx, s, tx); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Name, time.Now().Unix()); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version.
func (s *SQL) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}
