package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"forumwatch/pkg/notifier"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event() *notifier.DegradationEvent {
	return &notifier.DegradationEvent{
		ForumID:      "linux-do",
		ForumName:    "Linux <do>",
		PreviousMode: notifier.ModeAPI,
		NewMode:      notifier.ModeRSS,
		Failures:     3,
		At:           time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestAlerterSendsOnce(t *testing.T) {
	mock := NewMockProvider(discard())
	a := NewAlerter(mock, "ops@example.com", discard())

	if err := a.Alert(context.Background(), event()); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	msg := sent[0]
	if msg.To != "ops@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "Linux <do>") {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{
		"Linux &lt;do&gt;",
		"<code>api</code> &rarr; <code>rss</code>",
		"3 consecutive",
		"Mar 1, 2025 at 12:30 PM UTC",
	} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestAlerterRequiresAddress(t *testing.T) {
	a := NewAlerter(NewMockProvider(discard()), "", discard())
	if err := a.Alert(context.Background(), event()); err == nil {
		t.Error("Alert() without an address should fail")
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain subject", "plain subject"},
		{"evil\r\nBcc: victim@example.com", "evilBcc: victim@example.com"},
		{"tab\there", "tabhere"},
		{"ünïcode ✓", "ünïcode ✓"},
	}
	for _, tt := range tests {
		if got := sanitizeEmailHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRawMessage(t *testing.T) {
	raw := rawMessage("ops@example.com", "hi\nBcc: x", "<p>body</p>")
	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg := string(decoded)
	if !strings.Contains(msg, "Subject: hiBcc: x\r\n") {
		t.Errorf("subject header not sanitized:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>body</p>") {
		t.Errorf("body not after headers:\n%s", msg)
	}
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key-123", "alerts@example.com", "forumwatch", discard())
	b.endpoint = srv.URL
	b.delay = time.Millisecond

	if err := b.Send(context.Background(), "ops@example.com", "subject", "<p>x</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if apiKey != "key-123" {
		t.Errorf("api-key header = %q", apiKey)
	}
	if got.Sender.Email != "alerts@example.com" || len(got.To) != 1 || got.To[0].Email != "ops@example.com" || got.HTML != "<p>x</p>" {
		t.Errorf("request = %+v", got)
	}
}

func TestBrevoRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"server error retried", http.StatusBadGateway, 3},
		{"rate limit retried", http.StatusTooManyRequests, 3},
		{"bad request not retried", http.StatusBadRequest, 1},
		{"unauthorized not retried", http.StatusUnauthorized, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			b := NewBrevoProvider("key", "from@example.com", "", discard())
			b.endpoint = srv.URL
			b.delay = time.Millisecond

			if err := b.Send(context.Background(), "to@example.com", "s", "b"); err == nil {
				t.Error("Send() should fail")
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}
