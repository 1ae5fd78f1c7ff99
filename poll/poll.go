// Package poll runs the per-forum cycle: fetch, health check, dedup, match and dispatch.
package poll

import (
	"context"
	"fmt"
	"forumwatch/dispatch"
	"forumwatch/health"
	"forumwatch/pkg/notifier"
	"forumwatch/source"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultPostTimeout bounds one post's dedup, match and dispatch unit.
const DefaultPostTimeout = 2 * time.Minute

// Fetcher retrieves raw records from a forum.
type Fetcher interface {
	Fetch(ctx context.Context, forum *notifier.Forum, mode notifier.SourceMode) ([]source.Record, notifier.FetchOutcome, error)
	Probe(ctx context.Context, forum *notifier.Forum) (notifier.FetchOutcome, error)
}

// Health decides the source mode and records fetch outcomes.
type Health interface {
	EffectiveMode(ctx context.Context, forum *notifier.Forum) (notifier.SourceMode, error)
	Observe(ctx context.Context, forum *notifier.Forum, mode notifier.SourceMode, outcome notifier.FetchOutcome) (health.Decision, error)
}

// Ledger is the dedup gate.
type Ledger interface {
	MarkSeen(ctx context.Context, forumID, externalID string) (bool, error)
}

// Subscriptions supplies the active subscriptions of a forum.
type Subscriptions interface {
	Active(ctx context.Context, forumID string) ([]*notifier.Subscription, error)
}

// Matcher evaluates subscriptions against a post.
type Matcher interface {
	Match(post *notifier.Post, subs []*notifier.Subscription) []notifier.Match
}

// Dispatcher delivers matches.
type Dispatcher interface {
	Dispatch(ctx context.Context, forum *notifier.Forum, post *notifier.Post, matches []notifier.Match) ([]dispatch.Result, error)
}

// Report summarizes one cycle.
type Report struct {
	ForumID   string                `json:"forum_id"`
	CycleID   string                `json:"cycle_id"`
	Mode      notifier.SourceMode   `json:"mode,omitempty"`
	Outcome   notifier.FetchOutcome `json:"outcome,omitempty"`
	Fetched   int                   `json:"fetched"`
	Invalid   int                   `json:"invalid"`
	New       int                   `json:"new"`
	Matched   int                   `json:"matched"`
	Delivered int                   `json:"delivered"`
	Failed    int                   `json:"failed"`
	Degraded  bool                  `json:"degraded,omitempty"`
	Skipped   bool                  `json:"skipped,omitempty"` // busy or disabled
	Error     string                `json:"error,omitempty"`
	Duration  time.Duration         `json:"duration"`
}

// Monitor runs poll cycles.
type Monitor struct {
	fetcher       Fetcher
	health        Health
	ledger        Ledger
	subscriptions Subscriptions
	matcher       Matcher
	dispatcher    Dispatcher
	logger        *slog.Logger
	postTimeout   time.Duration
}

// Deps are the collaborators of a Monitor.
type Deps struct {
	Fetcher       Fetcher
	Health        Health
	Ledger        Ledger
	Subscriptions Subscriptions
	Matcher       Matcher
	Dispatcher    Dispatcher
}

// New creates a new poll monitor. A zero postTimeout uses DefaultPostTimeout.
func New(deps Deps, logger *slog.Logger, postTimeout time.Duration) *Monitor {
	if postTimeout == 0 {
		postTimeout = DefaultPostTimeout
	}
	return &Monitor{
		fetcher:       deps.Fetcher,
		health:        deps.Health,
		ledger:        deps.Ledger,
		subscriptions: deps.Subscriptions,
		matcher:       deps.Matcher,
		dispatcher:    deps.Dispatcher,
		logger:        logger,
		postTimeout:   postTimeout,
	}
}

// RunCycle performs one cycle for forum. Fetch failures are not errors: they are recorded by the
// health monitor and the cycle ends early. Store errors abort the cycle and are returned.
// Cancelling ctx stops the cycle between posts; a post already started runs to completion.
func (m *Monitor) RunCycle(ctx context.Context, forum *notifier.Forum) (*Report, error) {
	start := time.Now()
	report := &Report{ForumID: forum.ID, CycleID: uuid.NewString()[:8]}
	defer func() { report.Duration = time.Since(start) }()

	log := m.logger.With("forum", forum.ID, "cycle", report.CycleID)

	mode, err := m.health.EffectiveMode(ctx, forum)
	if err != nil {
		return report, fmt.Errorf("effective mode: %w", err)
	}
	report.Mode = mode

	records, outcome, fetchErr := m.fetcher.Fetch(ctx, forum, mode)
	report.Outcome = outcome
	report.Fetched = len(records)

	decision, err := m.health.Observe(ctx, forum, mode, outcome)
	if err != nil {
		return report, fmt.Errorf("observe health: %w", err)
	}
	report.Degraded = decision.Degraded
	if !decision.Proceed {
		log.Warn("Fetch failed, skipping cycle", "mode", mode, "outcome", outcome, "error", fetchErr)
		return report, nil
	}

	posts, errs := source.Normalize(forum.ID, records)
	report.Invalid = len(errs)
	for _, err := range errs {
		log.Debug("Skipping invalid record", "error", err)
	}

	subs, err := m.subscriptions.Active(ctx, forum.ID)
	if err != nil {
		return report, fmt.Errorf("load subscriptions: %w", err)
	}

	for _, post := range posts {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled, stopping cycle", "processed_new", report.New)
			return report, ctx.Err()
		default:
		}

		if err := m.processPost(ctx, forum, post, subs, report); err != nil {
			return report, fmt.Errorf("post %s: %w", post.ExternalID, err)
		}
	}

	log.Info("Cycle completed",
		"mode", mode,
		"fetched", report.Fetched,
		"invalid", report.Invalid,
		"new", report.New,
		"matched", report.Matched,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"duration", time.Since(start).String())
	return report, nil
}

// processPost is the unit of work shutdown waits for. It runs detached from ctx's cancellation
// so a post is never left marked seen but undispatched by a shutdown.
func (m *Monitor) processPost(ctx context.Context, forum *notifier.Forum, post *notifier.Post, subs []*notifier.Subscription, report *Report) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.postTimeout)
	defer cancel()

	isNew, err := m.ledger.MarkSeen(ctx, forum.ID, post.ExternalID)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if !isNew {
		return nil
	}
	report.New++

	matches := m.matcher.Match(post, subs)
	if len(matches) == 0 {
		return nil
	}
	report.Matched += len(matches)

	m.logger.Info("New post matched",
		"forum", forum.ID,
		"post_id", post.ExternalID,
		"title", post.Title,
		"matches", len(matches))

	results, err := m.dispatcher.Dispatch(ctx, forum, post, matches)
	for _, r := range results {
		switch {
		case r.Skipped != "":
		case r.Outcome == notifier.DeliveryOK:
			report.Delivered++
		default:
			report.Failed++
		}
	}
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// Probe checks the forum's credential and feeds the outcome to the health monitor.
// Forums that are not currently using the API are left alone.
func (m *Monitor) Probe(ctx context.Context, forum *notifier.Forum) error {
	mode, err := m.health.EffectiveMode(ctx, forum)
	if err != nil {
		return fmt.Errorf("effective mode: %w", err)
	}
	if mode != notifier.ModeAPI {
		return nil
	}

	outcome, probeErr := m.fetcher.Probe(ctx, forum)
	if _, err := m.health.Observe(ctx, forum, notifier.ModeAPI, outcome); err != nil {
		return fmt.Errorf("observe health: %w", err)
	}
	if outcome != notifier.FetchOK {
		m.logger.Warn("Credential probe failed", "forum", forum.ID, "outcome", outcome, "error", probeErr)
	} else {
		m.logger.Debug("Credential probe ok", "forum", forum.ID)
	}
	return nil
}
