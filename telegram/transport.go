package telegram

import (
	"context"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Transport delivers notifications through each forum's own bot.
type Transport struct {
	logger *slog.Logger
	opts   Options

	mu      sync.RWMutex
	senders map[string]Sender
}

// NewTransport creates a transport with no bots registered.
func NewTransport(logger *slog.Logger, opts Options) *Transport {
	if opts.Attempts == 0 {
		opts.Attempts = DefaultOptions.Attempts
	}
	return &Transport{
		logger:  logger,
		opts:    opts,
		senders: make(map[string]Sender),
	}
}

// Register sets the bot used for forumID.
func (t *Transport) Register(forumID string, s Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders[forumID] = s
}

// Sender returns the bot registered for forumID.
func (t *Transport) Sender(forumID string) (Sender, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.senders[forumID]
	return s, ok
}

// Deliver sends d to its recipient and classifies the result.
func (t *Transport) Deliver(ctx context.Context, d *notifier.Delivery) (notifier.DeliveryOutcome, error) {
	sender, ok := t.Sender(d.Post.ForumID)
	if !ok {
		return notifier.DeliveryTransient, fmt.Errorf("no bot registered for forum %q", d.Post.ForumID)
	}

	msg := tgbotapi.NewMessage(d.Subscription.Recipient, RenderNotification(d))
	msg.ParseMode = tgbotapi.ModeHTML

	err := send(ctx, sender, msg, t.opts, t.logger)
	outcome := Classify(err)
	switch outcome {
	case notifier.DeliveryOK:
		t.logger.Debug("Notification sent", "forum", d.Post.ForumID, "chat_id", d.Subscription.Recipient, "post_id", d.Post.ExternalID)
		return outcome, nil
	case notifier.DeliveryRecipientUnreachable:
		t.logger.Info("Recipient unreachable", "forum", d.Post.ForumID, "chat_id", d.Subscription.Recipient, "error", err)
	default:
		t.logger.Warn("Notification send failed", "forum", d.Post.ForumID, "chat_id", d.Subscription.Recipient, "error", err)
	}
	return outcome, fmt.Errorf("send to %d: %w", d.Subscription.Recipient, err)
}

// Alerter sends degradation alerts to the operator's chat, through the degraded forum's bot.
type Alerter struct {
	transport *Transport
	chatID    int64
}

// NewAlerter creates an alerter that writes to chatID.
func NewAlerter(transport *Transport, chatID int64) *Alerter {
	return &Alerter{transport: transport, chatID: chatID}
}

// Alert implements health.Alerter.
func (a *Alerter) Alert(ctx context.Context, ev *notifier.DegradationEvent) error {
	sender, ok := a.transport.Sender(ev.ForumID)
	if !ok {
		return fmt.Errorf("no bot registered for forum %q", ev.ForumID)
	}
	msg := tgbotapi.NewMessage(a.chatID, RenderAlert(ev))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if err := send(ctx, sender, msg, a.transport.opts, a.transport.logger); err != nil {
		return fmt.Errorf("send admin alert: %w", err)
	}
	a.transport.logger.Info("Admin alert sent", "forum", ev.ForumID, "chat_id", a.chatID)
	return nil
}
