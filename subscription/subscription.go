// Package subscription is the command surface over subscriptions: create, remove and list,
// with per-recipient limits, plus the cached read path used by the poller.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"forumwatch/cache"
	"forumwatch/match"
	"forumwatch/pkg/notifier"
	"forumwatch/storage"
	"log/slog"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Per-recipient, per-forum limits on active subscriptions.
const (
	MaxKeywords = 5
	MaxAuthors  = 5
)

const (
	maxPatternLength = 100
	activeTTL        = 5 * time.Minute
)

var (
	ErrLimitReached      = errors.New("subscription limit reached")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
)

// Store is the subscription persistence the service needs.
type Store interface {
	AddSubscription(ctx context.Context, sub *notifier.Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) (bool, error)
	ListSubscriptions(ctx context.Context, forumID string, recipient int64) ([]*notifier.Subscription, error)
	ActiveSubscriptions(ctx context.Context, forumID string) ([]*notifier.Subscription, error)
	PatternCounts(ctx context.Context, forumID string) ([]notifier.PatternCount, error)
	Stats(ctx context.Context) (*notifier.Stats, error)
	ClearUnreachable(ctx context.Context, forumID string, recipient int64) error
}

// Service manages subscriptions.
type Service struct {
	store  Store
	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time

	// mu makes the limit check and the insert one step within this process.
	mu sync.Mutex
}

// New creates a subscription service. c may be nil to disable caching.
func New(store Store, c cache.Cache, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  c,
		logger: logger,
		now:    time.Now,
	}
}

type request struct {
	Kind    notifier.Kind
	Pattern string
}

func (r request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required, validation.In(notifier.KindKeyword, notifier.KindAuthor, notifier.KindAll)),
		validation.Field(&r.Pattern,
			validation.When(r.Kind != notifier.KindAll, validation.Required, validation.RuneLength(1, maxPatternLength)),
			validation.When(r.Kind == notifier.KindKeyword, validation.By(compiles))),
	)
}

func compiles(value any) error {
	s, _ := value.(string)
	if _, err := match.Compile(s); err != nil {
		return fmt.Errorf("not a valid regular expression: %w", err)
	}
	return nil
}

// cleanPattern trims the pattern and strips a leading "@" from author handles.
func cleanPattern(kind notifier.Kind, pattern string) string {
	pattern = strings.TrimSpace(pattern)
	switch kind {
	case notifier.KindAuthor:
		return strings.TrimSpace(strings.TrimPrefix(pattern, "@"))
	case notifier.KindAll:
		return ""
	default:
		return pattern
	}
}

// Subscribe creates a subscription for recipient on forumID.
func (s *Service) Subscribe(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) (*notifier.Subscription, error) {
	pattern = cleanPattern(kind, pattern)
	if err := (request{Kind: kind, Pattern: pattern}).Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.ListSubscriptions(ctx, forumID, recipient)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	key := storage.PatternKey(kind, pattern)
	count := 0
	for _, sub := range existing {
		if !sub.Active || sub.Kind != kind {
			continue
		}
		if storage.PatternKey(sub.Kind, sub.Pattern) == key {
			return nil, ErrAlreadySubscribed
		}
		count++
	}
	if limit := limitFor(kind); limit > 0 && count >= limit {
		return nil, fmt.Errorf("%w: at most %d %s subscriptions", ErrLimitReached, limit, kind)
	}

	sub := &notifier.Subscription{
		ID:        uuid.NewString(),
		Recipient: recipient,
		ForumID:   forumID,
		Kind:      kind,
		Pattern:   pattern,
		CreatedAt: s.now().UTC(),
		Active:    true,
	}
	added, err := s.store.AddSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("add subscription: %w", err)
	}
	if !added {
		return nil, ErrAlreadySubscribed
	}
	s.invalidate(ctx, forumID)
	if err := s.Reachable(ctx, forumID, recipient); err != nil {
		s.logger.Warn("Failed to clear unreachable mark", "forum", forumID, "recipient", recipient, "error", err)
	}

	s.logger.Info("Subscription created",
		"forum", forumID,
		"recipient", recipient,
		"kind", kind,
		"pattern", pattern)
	return sub, nil
}

// Reachable clears a recipient's unreachable mark. Called whenever the recipient is known
// to accept messages again, such as after a successful reply to one of their commands.
func (s *Service) Reachable(ctx context.Context, forumID string, recipient int64) error {
	if err := s.store.ClearUnreachable(ctx, forumID, recipient); err != nil {
		return fmt.Errorf("clear unreachable: %w", err)
	}
	return nil
}

func limitFor(kind notifier.Kind) int {
	switch kind {
	case notifier.KindKeyword:
		return MaxKeywords
	case notifier.KindAuthor:
		return MaxAuthors
	default:
		return 0
	}
}

// Unsubscribe removes a subscription. Patterns compare case-insensitively.
func (s *Service) Unsubscribe(ctx context.Context, forumID string, recipient int64, kind notifier.Kind, pattern string) error {
	pattern = cleanPattern(kind, pattern)
	removed, err := s.store.RemoveSubscription(ctx, forumID, recipient, kind, pattern)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	if !removed {
		return ErrNotSubscribed
	}
	s.invalidate(ctx, forumID)

	s.logger.Info("Subscription removed",
		"forum", forumID,
		"recipient", recipient,
		"kind", kind,
		"pattern", pattern)
	return nil
}

// SubscribeAll subscribes recipient to every post on forumID.
func (s *Service) SubscribeAll(ctx context.Context, forumID string, recipient int64) error {
	_, err := s.Subscribe(ctx, forumID, recipient, notifier.KindAll, "")
	return err
}

// UnsubscribeAll removes the subscribe-all flag. Keyword and author subscriptions stay.
func (s *Service) UnsubscribeAll(ctx context.Context, forumID string, recipient int64) error {
	return s.Unsubscribe(ctx, forumID, recipient, notifier.KindAll, "")
}

// List returns a recipient's subscriptions on forumID, oldest first.
func (s *Service) List(ctx context.Context, forumID string, recipient int64) ([]*notifier.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, forumID, recipient)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

func activeKey(forumID string) string {
	return "subs:active:" + forumID
}

// Active returns every active subscription on forumID, read through the cache.
func (s *Service) Active(ctx context.Context, forumID string) ([]*notifier.Subscription, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(ctx, activeKey(forumID)); ok {
			var subs []*notifier.Subscription
			if err := json.Unmarshal(data, &subs); err == nil {
				return subs, nil
			}
			s.logger.Warn("Discarding undecodable cached subscriptions", "forum", forumID)
		}
	}

	subs, err := s.store.ActiveSubscriptions(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("load active subscriptions: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(subs); err == nil {
			s.cache.Set(ctx, activeKey(forumID), data, activeTTL)
		}
	}
	return subs, nil
}

func (s *Service) invalidate(ctx context.Context, forumID string) {
	if s.cache != nil {
		s.cache.Delete(ctx, activeKey(forumID))
	}
}

// KeywordStats returns notification counts per trigger on forumID, busiest first.
func (s *Service) KeywordStats(ctx context.Context, forumID string) ([]notifier.PatternCount, error) {
	counts, err := s.store.PatternCounts(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("pattern counts: %w", err)
	}
	return counts, nil
}

// Stats returns global usage totals.
func (s *Service) Stats(ctx context.Context) (*notifier.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}
