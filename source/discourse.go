package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// latestResponse is the subset of a Discourse /latest.json payload we read.
type latestResponse struct {
	Users []struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"users"`
	TopicList struct {
		Topics []struct {
			ID        int64  `json:"id"`
			Title     string `json:"title"`
			Slug      string `json:"slug"`
			CreatedAt string `json:"created_at"`
			Posters   []struct {
				UserID      int64  `json:"user_id"`
				Description string `json:"description"`
			} `json:"posters"`
		} `json:"topics"`
	} `json:"topic_list"`
}

// probeResponse is the error envelope Discourse returns for rejected sessions.
type probeResponse struct {
	ErrorType string `json:"error_type"`
}

func (s *Sources) fetchLatest(ctx context.Context, forum *notifier.Forum) ([]Record, error) {
	base := strings.TrimRight(forum.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("forum %s has no API base URL", forum.ID)
	}
	body, err := s.getJSON(ctx, forum, base+"/latest.json?order=created")
	if err != nil {
		return nil, err
	}

	var latest latestResponse
	if err := json.Unmarshal(body, &latest); err != nil {
		return nil, fmt.Errorf("decode latest topics: %w", err)
	}
	return latestRecords(base, &latest), nil
}

func latestRecords(base string, latest *latestResponse) []Record {
	users := make(map[int64]string, len(latest.Users))
	for _, u := range latest.Users {
		users[u.ID] = u.Username
	}

	records := make([]Record, 0, len(latest.TopicList.Topics))
	for _, topic := range latest.TopicList.Topics {
		rec := Record{
			TopicID: topic.ID,
			Title:   strings.TrimSpace(topic.Title),
		}
		slug := topic.Slug
		if slug == "" {
			slug = "topic"
		}
		if topic.ID > 0 {
			rec.Link = fmt.Sprintf("%s/t/%s/%d", base, slug, topic.ID)
		}
		if t, err := time.Parse(time.RFC3339, topic.CreatedAt); err == nil {
			rec.Published = t
		}

		// The topic author carries an "Original Poster" description; fall back to the first poster.
		for _, p := range topic.Posters {
			if strings.Contains(p.Description, "Original Poster") || strings.Contains(p.Description, "原始发帖人") {
				rec.Author = users[p.UserID]
				break
			}
		}
		if rec.Author == "" && len(topic.Posters) > 0 {
			rec.Author = users[topic.Posters[0].UserID]
		}
		records = append(records, rec)
	}
	return records
}

// Probe checks whether the forum's session credential is still accepted.
func (s *Sources) Probe(ctx context.Context, forum *notifier.Forum) (notifier.FetchOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	base := strings.TrimRight(forum.BaseURL, "/")
	body, err := s.getJSON(ctx, forum, base+"/notifications.json?limit=1")
	if err == nil {
		var probe probeResponse
		if json.Unmarshal(body, &probe) == nil && probe.ErrorType == "not_logged_in" {
			err = &AuthError{URL: base, Reason: "not logged in"}
		}
	}
	outcome := classify(notifier.ModeAPI, err)
	if err != nil {
		s.logger.Warn("Credential probe failed", "forum", forum.ID, "outcome", outcome, "error", err)
		return outcome, err
	}
	s.logger.Debug("Credential probe succeeded", "forum", forum.ID)
	return notifier.FetchOK, nil
}

// getJSON fetches an authenticated JSON document, directly or through the forum's FlareSolverr proxy.
func (s *Sources) getJSON(ctx context.Context, forum *notifier.Forum, target string) ([]byte, error) {
	if forum.ProxyURL != "" {
		return s.getViaProxy(ctx, forum, target)
	}

	resp, err := s.do(ctx,
		func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
			req.Header.Set("Referer", strings.TrimRight(forum.BaseURL, "/")+"/")
			if forum.Credential != "" {
				req.Header.Set("Cookie", forum.Credential)
			}
			return req, nil
		},
		func(r *response) error {
			return checkAPIResponse(target, r.status, r.finalURL, r.contentType, r.body)
		},
	)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// checkAPIResponse turns credential rejections into AuthError and other failures into StatusError.
func checkAPIResponse(target string, status int, finalURL, contentType string, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{URL: target, Reason: fmt.Sprintf("HTTP %d", status)}
	case isLoginURL(finalURL):
		return &AuthError{URL: target, Reason: "redirected to " + finalURL}
	case status != http.StatusOK:
		return &StatusError{URL: target, Code: status}
	case strings.Contains(contentType, "text/html") && isLoginPage(body):
		return &AuthError{URL: target, Reason: "login page served"}
	}
	return nil
}

// isLoginPage reports whether an HTML document is a forum sign-in page.
func isLoginPage(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find("form#login-form, input[name=password], #login-account-password").Length() > 0 {
		return true
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	return strings.Contains(title, "log in") || strings.Contains(title, "login") || strings.Contains(title, "登录")
}

type proxyCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type proxyRequest struct {
	Cmd        string        `json:"cmd"`
	URL        string        `json:"url"`
	MaxTimeout int           `json:"maxTimeout"`
	Cookies    []proxyCookie `json:"cookies,omitempty"`
}

type proxyResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		Response string `json:"response"`
	} `json:"solution"`
}

// getViaProxy asks a FlareSolverr instance to fetch target with the forum cookie.
func (s *Sources) getViaProxy(ctx context.Context, forum *notifier.Forum, target string) ([]byte, error) {
	payload, err := json.Marshal(proxyRequest{
		Cmd:        "request.get",
		URL:        target,
		MaxTimeout: int(s.opts.Timeout / time.Millisecond),
		Cookies:    parseCookies(forum.Credential),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal proxy request: %w", err)
	}
	endpoint := strings.TrimRight(forum.ProxyURL, "/") + "/v1"

	var body []byte
	_, err = s.do(ctx,
		func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		func(r *response) error {
			if r.status != http.StatusOK {
				return &StatusError{URL: endpoint, Code: r.status}
			}
			var pr proxyResponse
			if err := json.Unmarshal(r.body, &pr); err != nil {
				return fmt.Errorf("decode proxy response: %w", err)
			}
			if pr.Status != "ok" {
				return fmt.Errorf("proxy error: %s", pr.Message)
			}
			sol := pr.Solution
			html := []byte(sol.Response)
			contentType := "application/json"
			if !json.Valid(html) {
				contentType = "text/html"
			}
			if err := checkAPIResponse(target, sol.Status, sol.URL, contentType, html); err != nil {
				return err
			}
			extracted, err := extractJSON(html)
			if err != nil {
				return err
			}
			body = extracted
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// extractJSON returns the JSON document in body. Browsers render JSON responses inside a <pre> element.
func extractJSON(body []byte) ([]byte, error) {
	if json.Valid(body) {
		return body, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse proxy body: %w", err)
	}
	pre := strings.TrimSpace(doc.Find("pre").First().Text())
	if pre == "" || !json.Valid([]byte(pre)) {
		return nil, errors.New("no JSON document in proxy response")
	}
	return []byte(pre), nil
}

// parseCookies splits a Cookie header value into name/value pairs.
func parseCookies(header string) []proxyCookie {
	var cookies []proxyCookie
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		cookies = append(cookies, proxyCookie{Name: name, Value: value})
	}
	return cookies
}
