// Package dispatch turns subscription matches into deliveries, at most once per post and recipient.
package dispatch

import (
	"context"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
	"sync"
	"time"
)

// Store persists notification records and unreachable recipients.
type Store interface {
	RecordNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error)
	IsUnreachable(ctx context.Context, forumID string, recipient int64) (bool, error)
	MarkUnreachable(ctx context.Context, forumID string, recipient int64) error
}

// Transport delivers a rendered notification to a recipient.
type Transport interface {
	Deliver(ctx context.Context, d *notifier.Delivery) (notifier.DeliveryOutcome, error)
}

// Skip reasons reported in Result.
const (
	SkipDuplicate   = "already_notified"
	SkipUnreachable = "recipient_unreachable"
)

// Result is the outcome of one recipient's notification for a post.
type Result struct {
	Recipient int64
	Kind      notifier.Kind
	Pattern   string
	Outcome   notifier.DeliveryOutcome // empty when skipped
	Skipped   string
	Err       error
}

// Options tune delivery.
type Options struct {
	Timeout time.Duration // per delivery call
	Pace    time.Duration // minimum gap between deliveries
}

// Dispatcher delivers matches through a transport.
type Dispatcher struct {
	store     Store
	transport Transport
	logger    *slog.Logger
	opts      Options

	mu       sync.Mutex
	lastSend map[string]time.Time // per forum, each forum has its own bot
}

// New creates a new dispatcher. A zero Timeout defaults to 30 seconds.
func New(store Store, transport Transport, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		logger:    logger,
		opts:      opts,
		lastSend:  make(map[string]time.Time),
	}
}

// Collapse keeps one match per recipient: the highest priority kind (all > author > keyword),
// and the earliest match among equals. Recipients keep their first-seen order.
func Collapse(matches []notifier.Match) []notifier.Match {
	best := make(map[int64]int)
	var out []notifier.Match
	for _, m := range matches {
		if m.Subscription == nil {
			continue
		}
		r := m.Subscription.Recipient
		i, ok := best[r]
		if !ok {
			best[r] = len(out)
			out = append(out, m)
			continue
		}
		if m.Subscription.Kind.Priority() > out[i].Subscription.Kind.Priority() {
			out[i] = m
		}
	}
	return out
}

// Dispatch notifies each matched recipient about post. The notification record is written
// before delivery, so a crash or transient failure never produces a second delivery.
// Store errors abort the dispatch; delivery failures do not.
func (d *Dispatcher) Dispatch(ctx context.Context, forum *notifier.Forum, post *notifier.Post, matches []notifier.Match) ([]Result, error) {
	var results []Result
	for _, m := range Collapse(matches) {
		sub := m.Subscription
		res := Result{Recipient: sub.Recipient, Kind: sub.Kind, Pattern: sub.Pattern}

		blocked, err := d.store.IsUnreachable(ctx, forum.ID, sub.Recipient)
		if err != nil {
			return results, fmt.Errorf("check recipient %d: %w", sub.Recipient, err)
		}
		if blocked {
			res.Skipped = SkipUnreachable
			results = append(results, res)
			continue
		}

		inserted, err := d.store.RecordNotification(ctx, &notifier.NotificationRecord{
			ForumID:   forum.ID,
			PostID:    post.ExternalID,
			Recipient: sub.Recipient,
			Kind:      sub.Kind,
			Pattern:   sub.Pattern,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return results, fmt.Errorf("record notification for %d: %w", sub.Recipient, err)
		}
		if !inserted {
			d.logger.Debug("Notification already recorded", "forum", forum.ID, "post_id", post.ExternalID, "recipient", sub.Recipient)
			res.Skipped = SkipDuplicate
			results = append(results, res)
			continue
		}

		if err := d.pace(ctx, forum.ID); err != nil {
			return results, err
		}
		res.Outcome, res.Err = d.deliver(ctx, &notifier.Delivery{Forum: forum, Post: post, Subscription: sub, Trigger: m.Trigger})

		switch res.Outcome {
		case notifier.DeliveryOK:
			d.logger.Info("Notification delivered",
				"forum", forum.ID,
				"post_id", post.ExternalID,
				"recipient", sub.Recipient,
				"kind", sub.Kind,
				"pattern", sub.Pattern)
		case notifier.DeliveryRecipientUnreachable:
			d.logger.Warn("Recipient unreachable, suppressing future deliveries",
				"forum", forum.ID,
				"recipient", sub.Recipient,
				"error", res.Err)
			if err := d.store.MarkUnreachable(ctx, forum.ID, sub.Recipient); err != nil {
				return append(results, res), fmt.Errorf("mark recipient %d unreachable: %w", sub.Recipient, err)
			}
		default:
			d.logger.Warn("Notification delivery failed",
				"forum", forum.ID,
				"post_id", post.ExternalID,
				"recipient", sub.Recipient,
				"error", res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

// deliver calls the transport with a bounded deadline. Errors without a classification are transient.
func (d *Dispatcher) deliver(ctx context.Context, delivery *notifier.Delivery) (notifier.DeliveryOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	outcome, err := d.transport.Deliver(ctx, delivery)
	if outcome == "" {
		outcome = notifier.DeliveryOK
		if err != nil {
			outcome = notifier.DeliveryTransient
		}
	}
	return outcome, err
}

func (d *Dispatcher) pace(ctx context.Context, forumID string) error {
	if d.opts.Pace <= 0 {
		return nil
	}
	d.mu.Lock()
	last := d.lastSend[forumID]
	d.mu.Unlock()

	if wait := d.opts.Pace - time.Since(last); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	d.mu.Lock()
	d.lastSend[forumID] = time.Now()
	d.mu.Unlock()
	return nil
}
