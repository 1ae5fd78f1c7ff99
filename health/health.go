// Package health tracks per-forum source health and falls back to the public feed
// when the authenticated source keeps rejecting its credential.
package health

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
	"sync"
	"time"
)

// DefaultThreshold is the number of consecutive auth failures that degrades a forum.
const DefaultThreshold = 3

// Store persists health state.
type Store interface {
	LoadHealth(ctx context.Context, forumID string) (*notifier.HealthState, error)
	SaveHealth(ctx context.Context, state *notifier.HealthState) error
}

// ConfigWriter flips a forum's degraded flag in the configuration store.
type ConfigWriter interface {
	SetDegraded(forumID string, degraded bool) error
}

// Alerter notifies the operator about a degradation.
type Alerter interface {
	Alert(ctx context.Context, ev *notifier.DegradationEvent) error
}

// Alerters fans an event out to several channels. Every channel is tried.
type Alerters []Alerter

// Alert sends ev to every alerter and joins their errors.
func (a Alerters) Alert(ctx context.Context, ev *notifier.DegradationEvent) error {
	var errs []error
	for _, alerter := range a {
		if alerter == nil {
			continue
		}
		if err := alerter.Alert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Decision is the result of observing a fetch outcome.
type Decision struct {
	// Proceed is true when the cycle should go on to dedup, match and dispatch.
	Proceed bool
	// Degraded is true only for the observation that caused the transition.
	Degraded bool
	State    *notifier.HealthState
}

// Monitor is the source health state machine.
type Monitor struct {
	store     Store
	config    ConfigWriter
	alerter   Alerter
	logger    *slog.Logger
	threshold int
	now       func() time.Time

	mu sync.Mutex // serializes load-modify-save between a forum's cycle and its probe
}

// New creates a health monitor. config and alerter may be nil. A threshold below 1 uses DefaultThreshold.
func New(store Store, config ConfigWriter, alerter Alerter, logger *slog.Logger, threshold int) *Monitor {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		store:     store,
		config:    config,
		alerter:   alerter,
		logger:    logger,
		threshold: threshold,
		now:       time.Now,
	}
}

// Fingerprint identifies a credential without storing it.
func Fingerprint(credential string) string {
	if credential == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// EffectiveMode returns the source mode the next fetch should use.
// A degraded forum is restored to its API source once its configured credential changes,
// or once an operator clears the degraded flag this monitor wrote to the config.
func (m *Monitor) EffectiveMode(ctx context.Context, forum *notifier.Forum) (notifier.SourceMode, error) {
	if forum.Mode != notifier.ModeAPI {
		return notifier.ModeRSS, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.LoadHealth(ctx, forum.ID)
	if err != nil {
		return "", fmt.Errorf("load health: %w", err)
	}

	if st.Mode == notifier.HealthDegraded {
		fp := Fingerprint(forum.Credential)
		switch {
		case fp != "" && fp != st.CredentialFingerprint:
			m.logger.Info("Credential replaced, restoring authenticated source", "forum", forum.ID)
		case st.ConfigFlagged && !forum.Degraded:
			m.logger.Info("Degraded flag cleared in config, restoring authenticated source", "forum", forum.ID)
		default:
			return notifier.ModeRSS, nil
		}
		if err := m.recover(ctx, forum, st); err != nil {
			return "", err
		}
		return notifier.ModeAPI, nil
	}

	if forum.Degraded {
		return notifier.ModeRSS, nil
	}
	return notifier.ModeAPI, nil
}

func (m *Monitor) recover(ctx context.Context, forum *notifier.Forum, st *notifier.HealthState) error {
	st.Mode = notifier.HealthNominal
	st.AuthFailures = 0
	st.DegradedAt = time.Time{}
	st.CredentialFingerprint = ""
	st.ConfigFlagged = false
	if err := m.store.SaveHealth(ctx, st); err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	if m.config != nil {
		if err := m.config.SetDegraded(forum.ID, false); err != nil {
			m.logger.Warn("Failed to clear degraded flag in config", "forum", forum.ID, "error", err)
		}
	}
	return nil
}

// Observe applies one fetch outcome, made in mode, to the forum's health state.
// Only the observation that crosses the threshold writes the config flag and alerts.
func (m *Monitor) Observe(ctx context.Context, forum *notifier.Forum, mode notifier.SourceMode, outcome notifier.FetchOutcome) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.LoadHealth(ctx, forum.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load health: %w", err)
	}
	now := m.now().UTC()
	d := Decision{State: st}

	switch outcome {
	case notifier.FetchOK:
		st.AuthFailures = 0
		st.TransientFailures = 0
		st.LastSuccess = now
		d.Proceed = true

	case notifier.FetchUnreachable:
		st.TransientFailures++
		m.logger.Warn("Forum unreachable, skipping cycle",
			"forum", forum.ID,
			"mode", mode,
			"transient_failures", st.TransientFailures)

	case notifier.FetchAuthFailed:
		if mode != notifier.ModeAPI {
			break
		}
		st.AuthFailures++
		m.logger.Warn("Forum credential rejected",
			"forum", forum.ID,
			"auth_failures", st.AuthFailures,
			"threshold", m.threshold)
		if st.Mode == notifier.HealthNominal && st.AuthFailures >= m.threshold {
			st.Mode = notifier.HealthDegraded
			st.DegradedAt = now
			st.CredentialFingerprint = Fingerprint(forum.Credential)
			d.Degraded = true
		}

	default:
		return d, fmt.Errorf("unknown fetch outcome %q", outcome)
	}

	if err := m.store.SaveHealth(ctx, st); err != nil {
		return d, fmt.Errorf("save health: %w", err)
	}

	if d.Degraded {
		m.degrade(ctx, forum, st)
	}
	return d, nil
}

// degrade runs the side effects of a transition. Both are best effort; the persisted state already
// switches the forum to its public feed. A successful config write is recorded so that a later
// manual clear of the flag can be told apart from a write that never happened.
func (m *Monitor) degrade(ctx context.Context, forum *notifier.Forum, st *notifier.HealthState) {
	m.logger.Error("Forum degraded to public feed",
		"forum", forum.ID,
		"auth_failures", st.AuthFailures)

	if m.config != nil {
		if err := m.config.SetDegraded(forum.ID, true); err != nil {
			m.logger.Warn("Failed to write degraded flag to config", "forum", forum.ID, "error", err)
		} else {
			st.ConfigFlagged = true
			if err := m.store.SaveHealth(ctx, st); err != nil {
				m.logger.Warn("Failed to record degraded flag", "forum", forum.ID, "error", err)
			}
		}
	}

	if m.alerter == nil {
		return
	}
	ev := &notifier.DegradationEvent{
		ForumID:      forum.ID,
		ForumName:    forum.Name,
		PreviousMode: notifier.ModeAPI,
		NewMode:      notifier.ModeRSS,
		Failures:     st.AuthFailures,
		At:           st.DegradedAt,
	}
	if err := m.alerter.Alert(ctx, ev); err != nil {
		m.logger.Error("Failed to send degradation alert", "forum", forum.ID, "error", err)
	}
}
