// Package telegram delivers notifications and operator alerts through Telegram bots
// and serves the subscription commands recipients send to them.
package telegram

import (
	"context"
	"errors"
	"forumwatch/pkg/notifier"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender sends one message through a bot. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options control send retries.
type Options struct {
	Attempts uint
	Delay    time.Duration
}

// DefaultOptions retries network failures and rate limits three times, two seconds apart.
var DefaultOptions = Options{Attempts: 3, Delay: 2 * time.Second}

// NewBot connects to the Bot API with token. The token is verified with getMe.
func NewBot(token string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
}

// Classify maps a send error to a delivery outcome.
func Classify(err error) notifier.DeliveryOutcome {
	if err == nil {
		return notifier.DeliveryOK
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return notifier.DeliveryTransient
	}
	switch {
	case apiErr.Code == http.StatusForbidden:
		return notifier.DeliveryRecipientUnreachable
	case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "chat not found"):
		return notifier.DeliveryRecipientUnreachable
	default:
		return notifier.DeliveryTransient
	}
}

// retryable reports whether a send failure is worth another attempt.
// API rejections are final except for rate limiting.
func retryable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests
	}
	return true
}

func send(ctx context.Context, sender Sender, msg tgbotapi.MessageConfig, opts Options, logger *slog.Logger) error {
	var lastErr error
	err := retry.Do(
		func() error {
			_, lastErr = sender.Send(msg)
			return lastErr
		},
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying Telegram send", "chat_id", msg.ChatID, "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
