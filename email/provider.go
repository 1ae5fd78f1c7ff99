// Package email sends operator alerts by email through pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Alerter emails degradation events to the operator.
type Alerter struct {
	provider Provider
	to       string
	logger   *slog.Logger
}

// NewAlerter creates an alerter that writes to the operator address to.
func NewAlerter(provider Provider, to string, logger *slog.Logger) *Alerter {
	return &Alerter{
		provider: provider,
		to:       to,
		logger:   logger,
	}
}

// Alert implements health.Alerter.
func (a *Alerter) Alert(ctx context.Context, ev *notifier.DegradationEvent) error {
	if a.to == "" {
		return errors.New("no alert address configured")
	}
	subject := alertSubject(ev)

	a.logger.Info("Sending degradation alert email",
		"to", a.to,
		"forum", ev.ForumID,
		"subject", subject)

	if err := a.provider.Send(ctx, a.to, subject, formatAlertBody(ev)); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
