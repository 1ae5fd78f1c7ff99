// Package storage persists the dedup ledger, notification records, source health and
// subscriptions. Two backends share one contract: a SQL database (SQLite or PostgreSQL)
// and an object bucket (Cloud Storage, or a local directory for development).
package storage

import (
	"context"
	"errors"
	"forumwatch/pkg/notifier"
	"io/fs"
	"strings"
	"time"
	"unicode"

	"cloud.google.com/go/storage"
)

// ErrNotFound is returned when a requested object or row does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store is the persistence contract shared by all backends.
type Store interface {
	// MarkSeen records a post as processed and reports whether this call inserted it.
	MarkSeen(ctx context.Context, forumID, externalID string) (bool, error)

	// RecordNotification inserts rec unless one exists for the same forum, post and recipient.
	RecordNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error)
	IsUnreachable(ctx context.Context, forumID string, recipient int64) (bool, error)
	MarkUnreachable(ctx context.Context, forumID string, recipient int64) error
	// ClearUnreachable removes the mark set by MarkUnreachable. Clearing an unmarked recipient is not an error.
	ClearUnreachable(ctx context.Context, forumID string, recipient int64) error

	// LoadHealth returns the forum's health state, or a nominal state if none is stored.
	LoadHealth(ctx context.Context, forumID string) (*notifier.HealthState, error)
	SaveHealth(ctx context.Context, state *notifier.HealthState) error
	ListHealth(ctx context.Context) ([]*notifier.HealthState, error)

	// AddSubscription inserts sub unless the recipient already holds the same kind and pattern.
	AddSubscription(ctx context.Context, sub *notifier.Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) (bool, error)
	ListSubscriptions(ctx context.Context, forumID string, recipient int64) ([]*notifier.Subscription, error)
	ActiveSubscriptions(ctx context.Context, forumID string) ([]*notifier.Subscription, error)

	PatternCounts(ctx context.Context, forumID string) ([]notifier.PatternCount, error)
	Stats(ctx context.Context) (*notifier.Stats, error)

	Close() error
}

// IsNotFound checks if an error indicates a missing object or row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, storage.ErrObjectNotExist) ||
		errors.Is(err, fs.ErrNotExist)
}

// PatternKey is the uniqueness key of a subscription pattern. Author names compare
// case-insensitively. Keywords are case-insensitive regular expressions, so they are
// lowercased too, except for escape sequences: \d and \D match opposite sets.
func PatternKey(kind notifier.Kind, pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if kind != notifier.KindKeyword {
		return strings.ToLower(pattern)
	}

	var b strings.Builder
	b.Grow(len(pattern))
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			b.WriteRune(r)
			escaped = true
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func nominal(forumID string) *notifier.HealthState {
	return &notifier.HealthState{ForumID: forumID, Mode: notifier.HealthNominal}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
