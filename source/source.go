// Package source fetches recent posts from forums through their public feed or authenticated API.
package source

import (
	"context"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	userAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	maxResponseSize = 8 << 20
)

// Record is a source-specific post record prior to normalization.
type Record struct {
	GUID      string // feed item GUID
	TopicID   int64  // API topic id
	Title     string
	Link      string
	Author    string
	Published time.Time
}

// AuthError indicates the forum rejected the session credential.
type AuthError struct {
	URL    string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential rejected by %s: %s", e.URL, e.Reason)
}

// IsAuthError checks if an error is a credential rejection.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// StatusError is a non-success HTTP status that is not a credential rejection.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// Options bounds network work per fetch.
type Options struct {
	Timeout  time.Duration // whole fetch including retries
	Attempts uint
	Delay    time.Duration
}

// DefaultOptions are used when a zero Options is passed to New.
var DefaultOptions = Options{
	Timeout:  45 * time.Second,
	Attempts: 3,
	Delay:    time.Second,
}

// Sources fetches posts for any forum in either mode.
type Sources struct {
	client *http.Client
	logger *slog.Logger
	opts   Options
}

// New creates a new source fetcher.
func New(client *http.Client, logger *slog.Logger, opts Options) *Sources {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.Attempts == 0 {
		opts.Attempts = DefaultOptions.Attempts
	}
	if opts.Delay == 0 {
		opts.Delay = DefaultOptions.Delay
	}
	return &Sources{
		client: client,
		logger: logger,
		opts:   opts,
	}
}

// Fetch retrieves recent records for forum using the given mode.
// The error is non-nil whenever the outcome is not FetchOK.
func (s *Sources) Fetch(ctx context.Context, forum *notifier.Forum, mode notifier.SourceMode) ([]Record, notifier.FetchOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var records []Record
	var err error
	switch mode {
	case notifier.ModeAPI:
		records, err = s.fetchLatest(ctx, forum)
	case notifier.ModeRSS:
		records, err = s.fetchFeed(ctx, forum)
	default:
		return nil, notifier.FetchUnreachable, fmt.Errorf("unknown source mode %q", mode)
	}
	outcome := classify(mode, err)
	if err != nil {
		s.logger.Warn("Forum fetch failed",
			"forum", forum.ID,
			"mode", mode,
			"outcome", outcome,
			"error", err)
		return nil, outcome, err
	}

	s.logger.Info("Forum fetched", "forum", forum.ID, "mode", mode, "records", len(records))
	return records, notifier.FetchOK, nil
}

// classify maps a fetch error to an outcome. The public feed cannot report auth failures.
func classify(mode notifier.SourceMode, err error) notifier.FetchOutcome {
	switch {
	case err == nil:
		return notifier.FetchOK
	case mode == notifier.ModeAPI && IsAuthError(err):
		return notifier.FetchAuthFailed
	default:
		return notifier.FetchUnreachable
	}
}

// response is a fully read HTTP response.
type response struct {
	status      int
	contentType string
	finalURL    string
	body        []byte
}

// do performs an HTTP request with bounded retries. Auth errors and client errors are not retried.
// check inspects each response and may turn it into an error.
func (s *Sources) do(ctx context.Context, newReq func() (*http.Request, error), check func(*response) error) (*response, error) {
	var out *response
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = s.attempt(newReq, check, &out)
			return lastErr
		},
		retry.Attempts(s.opts.Attempts),
		retry.Delay(s.opts.Delay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		// Report the last attempt's own error so callers can classify it.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return out, nil
}

func (s *Sources) attempt(newReq func() (*http.Request, error), check func(*response) error, out **response) error {
	req, err := newReq()
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	s.logger.Debug("HTTP request starting", "method", req.Method, "url", req.URL.String())
	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		s.logger.Warn("HTTP request failed",
			"url", req.URL.String(),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	s.logger.Debug("HTTP request completed",
		"url", req.URL.String(),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(body))

	r := &response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		finalURL:    resp.Request.URL.String(),
		body:        body,
	}
	if err := check(r); err != nil {
		return err
	}
	*out = r
	return nil
}

func retryable(err error) bool {
	if IsAuthError(err) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return true
}

// isLoginURL reports whether a final request URL landed on a login page.
func isLoginURL(u string) bool {
	return strings.Contains(u, "/login") || strings.Contains(u, "/session/sso")
}
