package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQL is a Store backed by SQLite or PostgreSQL.
type SQL struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

var _ Store = (*SQL)(nil)

// OpenSQL connects to the database, verifies the connection and applies pending migrations.
// For SQLite, dsn is a file path.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQL, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQL{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Database ready", "driver", driver)
	return s, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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

// insertIfAbsent runs an INSERT ... ON CONFLICT DO NOTHING and reports whether a row was added.
func (s *SQL) insertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkSeen records a post as processed.
func (s *SQL) MarkSeen(ctx context.Context, forumID, externalID string) (bool, error) {
	inserted, err := s.insertIfAbsent(ctx,
		`INSERT INTO seen_posts (forum_id, external_id, seen_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		forumID, externalID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return inserted, nil
}

// RecordNotification inserts a notification record if absent.
func (s *SQL) RecordNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	inserted, err := s.insertIfAbsent(ctx,
		`INSERT INTO notifications (forum_id, post_id, recipient, kind, pattern, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		rec.ForumID, rec.PostID, rec.Recipient, string(rec.Kind), rec.Pattern, created.Unix())
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	return inserted, nil
}

// IsUnreachable reports whether the recipient was marked unreachable on the forum.
func (s *SQL) IsUnreachable(ctx context.Context, forumID string, recipient int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT 1 FROM blocked_recipients WHERE forum_id = ? AND recipient = ?`),
		forumID, recipient).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blocked recipient: %w", err)
	}
	return true, nil
}

// MarkUnreachable records that the recipient can no longer be reached on the forum.
func (s *SQL) MarkUnreachable(ctx context.Context, forumID string, recipient int64) error {
	if _, err := s.insertIfAbsent(ctx,
		`INSERT INTO blocked_recipients (forum_id, recipient, blocked_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		forumID, recipient, time.Now().Unix()); err != nil {
		return fmt.Errorf("mark recipient unreachable: %w", err)
	}
	return nil
}

// ClearUnreachable removes the recipient's unreachable mark on the forum.
func (s *SQL) ClearUnreachable(ctx context.Context, forumID string, recipient int64) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM blocked_recipients WHERE forum_id = ? AND recipient = ?`),
		forumID, recipient); err != nil {
		return fmt.Errorf("clear unreachable recipient: %w", err)
	}
	return nil
}

const healthColumns = `forum_id, mode, auth_failures, transient_failures, last_success, degraded_at, credential_fingerprint, config_flagged`

func scanHealth(row interface{ Scan(...any) error }) (*notifier.HealthState, error) {
	var st notifier.HealthState
	var mode string
	var lastSuccess, degradedAt, flagged int64
	if err := row.Scan(&st.ForumID, &mode, &st.AuthFailures, &st.TransientFailures, &lastSuccess, &degradedAt, &st.CredentialFingerprint, &flagged); err != nil {
		return nil, err
	}
	st.ConfigFlagged = flagged != 0
	st.Mode = notifier.HealthMode(mode)
	st.LastSuccess = fromUnix(lastSuccess)
	st.DegradedAt = fromUnix(degradedAt)
	return &st, nil
}

// LoadHealth returns the stored health state, or a nominal state.
func (s *SQL) LoadHealth(ctx context.Context, forumID string) (*notifier.HealthState, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+healthColumns+` FROM source_health WHERE forum_id = ?`), forumID)
	st, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nominal(forumID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load health: %w", err)
	}
	return st, nil
}

// SaveHealth upserts the forum's health state.
func (s *SQL) SaveHealth(ctx context.Context, st *notifier.HealthState) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO source_health (`+healthColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (forum_id) DO UPDATE SET
			mode = excluded.mode,
			auth_failures = excluded.auth_failures,
			transient_failures = excluded.transient_failures,
			last_success = excluded.last_success,
			degraded_at = excluded.degraded_at,
			credential_fingerprint = excluded.credential_fingerprint,
			config_flagged = excluded.config_flagged`),
		st.ForumID, string(st.Mode), st.AuthFailures, st.TransientFailures,
		unix(st.LastSuccess), unix(st.DegradedAt), st.CredentialFingerprint, boolInt(st.ConfigFlagged))
	if err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	return nil
}

// ListHealth returns every stored health state ordered by forum.
func (s *SQL) ListHealth(ctx context.Context) ([]*notifier.HealthState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+healthColumns+` FROM source_health ORDER BY forum_id`)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()

	var states []*notifier.HealthState
	for rows.Next() {
		st, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// AddSubscription inserts sub unless an equivalent subscription exists.
func (s *SQL) AddSubscription(ctx context.Context, sub *notifier.Subscription) (bool, error) {
	active := 0
	if sub.Active {
		active = 1
	}
	inserted, err := s.insertIfAbsent(ctx,
		`INSERT INTO subscriptions (id, forum_id, recipient, kind, pattern, pattern_key, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		sub.ID, sub.ForumID, sub.Recipient, string(sub.Kind), sub.Pattern, PatternKey(sub.Kind, sub.Pattern), active, sub.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("add subscription: %w", err)
	}
	return inserted, nil
}

// RemoveSubscription deletes the recipient's subscription of the given kind and pattern.
func (s *SQL) RemoveSubscription(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM subscriptions WHERE forum_id = ? AND recipient = ? AND kind = ? AND pattern_key = ?`),
		forumID, recipient, string(kind), PatternKey(kind, pattern))
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// subscriptions.created_at holds Unix nanoseconds so listings keep creation order.
const subscriptionColumns = `id, forum_id, recipient, kind, pattern, active, created_at`

func (s *SQL) querySubscriptions(ctx context.Context, query string, args ...any) ([]*notifier.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*notifier.Subscription
	for rows.Next() {
		var sub notifier.Subscription
		var kind string
		var active int
		var created int64
		if err := rows.Scan(&sub.ID, &sub.ForumID, &sub.Recipient, &kind, &sub.Pattern, &active, &created); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Kind = notifier.Kind(kind)
		sub.Active = active == 1
		sub.CreatedAt = time.Unix(0, created).UTC()
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// ListSubscriptions returns the recipient's subscriptions on a forum in creation order.
func (s *SQL) ListSubscriptions(ctx context.Context, forumID string, recipient int64) ([]*notifier.Subscription, error) {
	subs, err := s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE forum_id = ? AND recipient = ? ORDER BY created_at, id`,
		forumID, recipient)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// ActiveSubscriptions returns every active subscription on a forum.
func (s *SQL) ActiveSubscriptions(ctx context.Context, forumID string) ([]*notifier.Subscription, error) {
	subs, err := s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE forum_id = ? AND active = 1 ORDER BY created_at, id`,
		forumID)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// PatternCounts returns notification counts per trigger on a forum, most frequent first.
func (s *SQL) PatternCounts(ctx context.Context, forumID string) ([]notifier.PatternCount, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT kind, pattern, COUNT(*) FROM notifications
		WHERE forum_id = ? GROUP BY kind, pattern ORDER BY 3 DESC, 2`), forumID)
	if err != nil {
		return nil, fmt.Errorf("count patterns: %w", err)
	}
	defer rows.Close()

	var counts []notifier.PatternCount
	for rows.Next() {
		var pc notifier.PatternCount
		var kind string
		if err := rows.Scan(&kind, &pc.Pattern, &pc.Count); err != nil {
			return nil, fmt.Errorf("scan pattern count: %w", err)
		}
		pc.Kind = notifier.Kind(kind)
		counts = append(counts, pc)
	}
	return counts, rows.Err()
}

// Stats returns global usage counters.
func (s *SQL) Stats(ctx context.Context) (*notifier.Stats, error) {
	var st notifier.Stats
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT
		(SELECT COUNT(DISTINCT recipient) FROM subscriptions),
		(SELECT COUNT(*) FROM subscriptions WHERE kind = ?),
		(SELECT COUNT(*) FROM subscriptions WHERE kind = ?),
		(SELECT COUNT(*) FROM subscriptions WHERE kind = ?),
		(SELECT COUNT(*) FROM seen_posts),
		(SELECT COUNT(*) FROM notifications),
		(SELECT COUNT(*) FROM blocked_recipients)`),
		string(notifier.KindKeyword), string(notifier.KindAuthor), string(notifier.KindAll),
	).Scan(&st.Recipients, &st.Keywords, &st.Authors, &st.SubscribeAll, &st.PostsSeen, &st.Notifications, &st.BlockedTargets)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	return &st, nil
}
