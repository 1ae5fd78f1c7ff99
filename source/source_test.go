package source

import (
	"context"
	"encoding/json"
	"forumwatch/pkg/notifier"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
<title>Test Forum - Latest topics</title>
<link>https://forum.test</link>
<description>Latest topics</description>
<item>
<title>Docker tips</title>
<dc:creator><![CDATA[alice]]></dc:creator>
<link>https://forum.test/t/docker-tips/101</link>
<pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
<guid isPermaLink="false">forum.test-topic-101</guid>
</item>
<item>
<title>Weather today</title>
<dc:creator><![CDATA[bob]]></dc:creator>
<link>https://forum.test/t/weather-today/102</link>
<pubDate>Mon, 02 Jan 2006 16:04:05 +0000</pubDate>
<guid isPermaLink="false">forum.test-topic-102</guid>
</item>
</channel>
</rss>`

const testLatest = `{
  "users": [{"id": 1, "username": "alice"}, {"id": 2, "username": "carol"}],
  "topic_list": {"topics": [
    {"id": 101, "title": "Docker tips", "slug": "docker-tips", "created_at": "2024-01-02T12:34:56.789Z",
     "posters": [{"user_id": 2, "description": "Most Recent Poster"}, {"user_id": 1, "description": "Original Poster, Most Recent Poster"}]},
    {"id": 102, "title": "Weather today", "slug": "", "created_at": "",
     "posters": [{"user_id": 2, "description": "Frequent Poster"}]}
  ]}
}`

func testSources(timeout time.Duration) *Sources {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&http.Client{}, logger, Options{Timeout: timeout, Attempts: 1, Delay: time.Millisecond})
}

func TestFetchFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		if _, err := io.WriteString(w, testFeed); err != nil {
			t.Errorf("write feed: %v", err)
		}
	}))
	defer srv.Close()

	forum := &notifier.Forum{ID: "test", FeedURL: srv.URL + "/latest.rss"}
	records, outcome, err := testSources(time.Second).Fetch(context.Background(), forum, notifier.ModeRSS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if outcome != notifier.FetchOK {
		t.Errorf("outcome = %q, want ok", outcome)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Title != "Docker tips" || records[0].Author != "alice" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[0].GUID != "forum.test-topic-101" {
		t.Errorf("GUID = %q", records[0].GUID)
	}
	if records[0].Published.IsZero() {
		t.Error("expected published time to be parsed")
	}
}

func TestFetchOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		mode    notifier.SourceMode
		handler http.HandlerFunc
		want    notifier.FetchOutcome
	}{
		{
			name: "api ok",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Cookie") != "_t=secret" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, testLatest)
			},
			want: notifier.FetchOK,
		},
		{
			name: "api forbidden",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			want: notifier.FetchAuthFailed,
		},
		{
			name: "api unauthorized",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			want: notifier.FetchAuthFailed,
		},
		{
			name: "api redirected to login",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/login" {
					w.Header().Set("Content-Type", "text/html")
					_, _ = io.WriteString(w, "<html><body>sign in</body></html>")
					return
				}
				http.Redirect(w, r, "/login", http.StatusFound)
			},
			want: notifier.FetchAuthFailed,
		},
		{
			name: "api login page in place of json",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				_, _ = io.WriteString(w, `<html><head><title>Log In - Test Forum</title></head><body><form id="login-form"></form></body></html>`)
			},
			want: notifier.FetchAuthFailed,
		},
		{
			name: "api server error",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: notifier.FetchUnreachable,
		},
		{
			name: "feed forbidden is not an auth failure",
			mode: notifier.ModeRSS,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			want: notifier.FetchUnreachable,
		},
		{
			name: "api timeout",
			mode: notifier.ModeAPI,
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			want: notifier.FetchUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			forum := &notifier.Forum{
				ID:         "test",
				FeedURL:    srv.URL + "/latest.rss",
				BaseURL:    srv.URL,
				Credential: "_t=secret",
			}
			_, outcome, err := testSources(200*time.Millisecond).Fetch(context.Background(), forum, tt.mode)
			if outcome != tt.want {
				t.Errorf("outcome = %q, want %q (err = %v)", outcome, tt.want, err)
			}
			if tt.want != notifier.FetchOK && err == nil {
				t.Error("expected error for failed outcome")
			}
		})
	}
}

func TestLatestRecords(t *testing.T) {
	var latest latestResponse
	if err := json.Unmarshal([]byte(testLatest), &latest); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	records := latestRecords("https://forum.test", &latest)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	first := records[0]
	if first.Author != "alice" {
		t.Errorf("author = %q, want original poster alice", first.Author)
	}
	if first.Link != "https://forum.test/t/docker-tips/101" {
		t.Errorf("link = %q", first.Link)
	}
	if first.Published.IsZero() {
		t.Error("expected created_at to be parsed")
	}

	second := records[1]
	if second.Author != "carol" {
		t.Errorf("author = %q, want first poster carol", second.Author)
	}
	if second.Link != "https://forum.test/t/topic/102" {
		t.Errorf("link = %q", second.Link)
	}
}

func TestFetchViaProxy(t *testing.T) {
	var gotCookies []proxyCookie
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req proxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotCookies = req.Cookies
		resp := map[string]any{
			"status":  "ok",
			"message": "",
			"solution": map[string]any{
				"url":      req.URL,
				"status":   200,
				"response": "<html><head></head><body><pre>" + testLatest + "</pre></body></html>",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer proxy.Close()

	forum := &notifier.Forum{
		ID:         "test",
		BaseURL:    "https://forum.test",
		Credential: "_t=secret; _forum_session=abc",
		ProxyURL:   proxy.URL,
	}
	records, outcome, err := testSources(time.Second).Fetch(context.Background(), forum, notifier.ModeAPI)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if outcome != notifier.FetchOK || len(records) != 2 {
		t.Fatalf("outcome = %q, records = %d", outcome, len(records))
	}
	if len(gotCookies) != 2 || gotCookies[0].Name != "_t" || gotCookies[1].Value != "abc" {
		t.Errorf("cookies = %+v", gotCookies)
	}
}

func TestFetchViaProxyUpstreamForbidden(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","solution":{"url":"https://forum.test/latest.json","status":403,"response":""}}`)
	}))
	defer proxy.Close()

	forum := &notifier.Forum{ID: "test", BaseURL: "https://forum.test", ProxyURL: proxy.URL}
	_, outcome, _ := testSources(time.Second).Fetch(context.Background(), forum, notifier.ModeAPI)
	if outcome != notifier.FetchAuthFailed {
		t.Errorf("outcome = %q, want auth_failed", outcome)
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   notifier.FetchOutcome
	}{
		{"valid session", http.StatusOK, `{"notifications":[]}`, notifier.FetchOK},
		{"not logged in", http.StatusOK, `{"error_type":"not_logged_in"}`, notifier.FetchAuthFailed},
		{"forbidden", http.StatusForbidden, `{"error_type":"not_logged_in"}`, notifier.FetchAuthFailed},
		{"server error", http.StatusServiceUnavailable, ``, notifier.FetchUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/notifications.json" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			forum := &notifier.Forum{ID: "test", BaseURL: srv.URL, Credential: "_t=x"}
			got, _ := testSources(time.Second).Probe(context.Background(), forum)
			if got != tt.want {
				t.Errorf("Probe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCookies(t *testing.T) {
	got := parseCookies(" _t=abc; cf_clearance=x=y ;bogus; =empty")
	if len(got) != 2 {
		t.Fatalf("got %d cookies, want 2: %+v", len(got), got)
	}
	if got[1].Name != "cf_clearance" || got[1].Value != "x=y" {
		t.Errorf("second cookie = %+v", got[1])
	}
}
