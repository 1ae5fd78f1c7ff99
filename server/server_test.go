package server

import (
	"context"
	"encoding/json"
	"errors"
	"forumwatch/pkg/notifier"
	"forumwatch/poll"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type fakePoller struct {
	calls   int
	reports []*poll.Report
}

func (f *fakePoller) CheckAll(context.Context) []*poll.Report {
	f.calls++
	return f.reports
}

type fakeForums []*notifier.Forum

func (f fakeForums) Forums() []*notifier.Forum { return f }

type fakeHealth map[string]*notifier.HealthState

func (f fakeHealth) LoadHealth(_ context.Context, forumID string) (*notifier.HealthState, error) {
	if st, ok := f[forumID]; ok {
		return st, nil
	}
	return &notifier.HealthState{ForumID: forumID, Mode: notifier.HealthNominal}, nil
}

type fakeStats struct {
	err error
}

func (f fakeStats) Stats(context.Context) (*notifier.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &notifier.Stats{Recipients: 3, Keywords: 4, Notifications: 12}, nil
}

func (f fakeStats) KeywordStats(_ context.Context, forumID string) ([]notifier.PatternCount, error) {
	if forumID == "linux-do" {
		return []notifier.PatternCount{{Kind: notifier.KindKeyword, Pattern: "docker", Count: 9}}, nil
	}
	return nil, nil
}

func newTestServer(t *testing.T, password string) (*httptest.Server, *fakePoller) {
	t.Helper()
	var hash string
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		hash = string(h)
	}
	poller := &fakePoller{reports: []*poll.Report{{ForumID: "linux-do", New: 2}}}
	s := New(&Config{
		Poller: poller,
		Forums: fakeForums{
			{ID: "linux-do", Name: "Linux.do", Mode: notifier.ModeAPI, Enabled: true, Interval: time.Minute},
			{ID: "nodeseek", Name: "NodeSeek", Mode: notifier.ModeRSS, Enabled: true, Interval: time.Minute},
		},
		Health: fakeHealth{
			"linux-do": {ForumID: "linux-do", Mode: notifier.HealthDegraded, AuthFailures: 3},
		},
		Stats:        fakeStats{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PasswordHash: hash,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv, poller
}

func do(t *testing.T, method, url, password string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if password != "" {
		req.SetBasicAuth("admin", password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"healthy"}` {
		t.Errorf("body = %s", body)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	srv, poller := newTestServer(t, "secret")

	tests := []struct {
		name     string
		method   string
		path     string
		password string
		want     int
	}{
		{"forums without auth", http.MethodGet, "/forums", "", http.StatusUnauthorized},
		{"forums wrong password", http.MethodGet, "/forums", "nope", http.StatusUnauthorized},
		{"forums", http.MethodGet, "/forums", "secret", http.StatusOK},
		{"stats", http.MethodGet, "/stats", "secret", http.StatusOK},
		{"poll without auth", http.MethodPost, "/pollz", "", http.StatusUnauthorized},
		{"poll wrong method", http.MethodGet, "/pollz", "secret", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.password)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if poller.calls != 0 {
		t.Errorf("poller ran %d times without a valid request", poller.calls)
	}
}

func TestPoll(t *testing.T) {
	srv, poller := newTestServer(t, "")
	resp := do(t, http.MethodPost, srv.URL+"/pollz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status  string         `json:"status"`
		Reports []*poll.Report `json:"reports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if poller.calls != 1 || body.Status != "completed" || len(body.Reports) != 1 || body.Reports[0].New != 2 {
		t.Errorf("calls = %d, body = %+v", poller.calls, body)
	}
}

func TestForums(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := do(t, http.MethodGet, srv.URL+"/forums", "")
	var views []forumView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("forums = %d, want 2", len(views))
	}
	if !views[0].Degraded || views[0].Health.AuthFailures != 3 {
		t.Errorf("linux-do = %+v", views[0])
	}
	if views[1].Degraded || views[1].SourceMode != notifier.ModeRSS {
		t.Errorf("nodeseek = %+v", views[1])
	}
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := do(t, http.MethodGet, srv.URL+"/stats", "")
	var body struct {
		Totals   notifier.Stats                     `json:"totals"`
		Triggers map[string][]notifier.PatternCount `json:"triggers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Totals.Recipients != 3 || body.Totals.Notifications != 12 {
		t.Errorf("totals = %+v", body.Totals)
	}
	if got := body.Triggers["linux-do"]; len(got) != 1 || got[0].Pattern != "docker" || got[0].Count != 9 {
		t.Errorf("linux-do triggers = %+v", got)
	}
	if got, ok := body.Triggers["nodeseek"]; !ok || len(got) != 0 {
		t.Errorf("nodeseek triggers = %+v, %v", got, ok)
	}
}

func TestStatsError(t *testing.T) {
	s := New(&Config{
		Forums: fakeForums{},
		Stats:  fakeStats{err: errors.New("db down")},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
