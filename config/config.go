// Package config loads the forum configuration file and writes back the degraded flag.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Source types accepted in the file.
const (
	SourceRSS       = "rss"
	SourceDiscourse = "discourse"
)

// Defaults applied to fields left out of the file.
const (
	DefaultFetchInterval       = 60
	DefaultCookieCheckInterval = 300
)

// Legacy single-forum files become this forum.
const (
	legacyForumID      = "linux-do"
	legacyForumName    = "Linux.do"
	legacyRSSURL       = "https://linux.do/latest.rss"
	legacyDiscourseURL = "https://linux.do"
)

// forumIDPattern matches the ids the storage backends accept as key segments.
var forumIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ForumConfig is one forum entry in the file.
type ForumConfig struct {
	ForumID             string `json:"forum_id"`
	Name                string `json:"name"`
	BotToken            string `json:"bot_token"`
	SourceType          string `json:"source_type,omitempty"`
	RSSURL              string `json:"rss_url,omitempty"`
	DiscourseURL        string `json:"discourse_url,omitempty"`
	DiscourseCookie     string `json:"discourse_cookie,omitempty"`
	FlareSolverrURL     string `json:"flaresolverr_url,omitempty"`
	CookieCheckInterval *int   `json:"cookie_check_interval,omitempty"` // seconds, 0 disables
	FetchInterval       int    `json:"fetch_interval,omitempty"`        // seconds
	Enabled             *bool  `json:"enabled,omitempty"`
	Degraded            bool   `json:"degraded,omitempty"`
}

// Config is the parsed configuration.
type Config struct {
	Forums      []ForumConfig `json:"forums"`
	AdminChatID int64         `json:"admin_chat_id,omitempty"`
	AlertEmail  string        `json:"alert_email,omitempty"`
}

// file is the on-disk layout, including the legacy single-forum fields.
type file struct {
	Config

	BotToken            string `json:"bot_token,omitempty"`
	SourceType          string `json:"source_type,omitempty"`
	RSSURL              string `json:"rss_url,omitempty"`
	DiscourseURL        string `json:"discourse_url,omitempty"`
	DiscourseCookie     string `json:"discourse_cookie,omitempty"`
	FlareSolverrURL     string `json:"flaresolverr_url,omitempty"`
	CookieCheckInterval *int   `json:"cookie_check_interval,omitempty"`
	FetchInterval       int    `json:"fetch_interval,omitempty"`
	Degraded            bool   `json:"degraded,omitempty"`
}

// isLegacy reports whether the file uses the single-forum layout.
func (f *file) isLegacy() bool {
	return len(f.Forums) == 0 && f.BotToken != ""
}

func (f *file) legacyForum() ForumConfig {
	enabled := true
	fc := ForumConfig{
		ForumID:             legacyForumID,
		Name:                legacyForumName,
		BotToken:            f.BotToken,
		SourceType:          f.SourceType,
		RSSURL:              f.RSSURL,
		DiscourseURL:        f.DiscourseURL,
		DiscourseCookie:     f.DiscourseCookie,
		FlareSolverrURL:     f.FlareSolverrURL,
		CookieCheckInterval: f.CookieCheckInterval,
		FetchInterval:       f.FetchInterval,
		Enabled:             &enabled,
		Degraded:            f.Degraded,
	}
	if fc.RSSURL == "" {
		fc.RSSURL = legacyRSSURL
	}
	if fc.DiscourseURL == "" {
		fc.DiscourseURL = legacyDiscourseURL
	}
	return fc
}

// Parse decodes and validates a configuration file. Legacy single-forum files are converted.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if f.isLegacy() {
		f.Forums = []ForumConfig{f.legacyForum()}
	}

	cfg := f.Config
	for i := range cfg.Forums {
		cfg.Forums[i].applyDefaults()
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (fc *ForumConfig) applyDefaults() {
	fc.ForumID = strings.TrimSpace(fc.ForumID)
	if fc.SourceType == "" {
		fc.SourceType = SourceRSS
	}
	fc.DiscourseURL = strings.TrimRight(fc.DiscourseURL, "/")
	if fc.RSSURL == "" && fc.DiscourseURL != "" {
		fc.RSSURL = fc.DiscourseURL + "/latest.rss"
	}
	if fc.FetchInterval == 0 {
		fc.FetchInterval = DefaultFetchInterval
	}
	if fc.CookieCheckInterval == nil {
		n := DefaultCookieCheckInterval
		fc.CookieCheckInterval = &n
	}
	if fc.Enabled == nil {
		enabled := true
		fc.Enabled = &enabled
	}
}

// envKey turns a forum id into an environment variable prefix: "linux-do" becomes "FORUMWATCH_LINUX_DO_".
func envKey(forumID string) string {
	return "FORUMWATCH_" + strings.ToUpper(strings.ReplaceAll(forumID, "-", "_")) + "_"
}

// applyEnv lets secrets live outside the file. FORUMWATCH_<ID>_BOT_TOKEN and
// FORUMWATCH_<ID>_COOKIE replace the forum's token and session cookie; ADMIN_CHAT_ID
// and ALERT_EMAIL replace the global settings.
func applyEnv(cfg *Config) {
	for i := range cfg.Forums {
		fc := &cfg.Forums[i]
		prefix := envKey(fc.ForumID)
		if v := os.Getenv(prefix + "BOT_TOKEN"); v != "" {
			fc.BotToken = v
		}
		if v := os.Getenv(prefix + "COOKIE"); v != "" {
			fc.DiscourseCookie = v
		}
	}
	if v := os.Getenv("ADMIN_CHAT_ID"); v != "" {
		var id int64
		if _, err := fmt.Sscan(v, &id); err == nil {
			cfg.AdminChatID = id
		}
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		cfg.AlertEmail = v
	}
}

func httpURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

// Validate implements validation.Validatable.
func (fc ForumConfig) Validate() error {
	discourse := fc.SourceType == SourceDiscourse
	return validation.ValidateStruct(&fc,
		validation.Field(&fc.ForumID, validation.Required, validation.Match(forumIDPattern)),
		validation.Field(&fc.Name, validation.Required),
		validation.Field(&fc.BotToken, validation.Required),
		validation.Field(&fc.SourceType, validation.In(SourceRSS, SourceDiscourse)),
		validation.Field(&fc.RSSURL, validation.Required, validation.By(httpURL)),
		validation.Field(&fc.DiscourseURL, validation.When(discourse, validation.Required), validation.By(httpURL)),
		validation.Field(&fc.DiscourseCookie, validation.When(discourse, validation.Required)),
		validation.Field(&fc.FlareSolverrURL, validation.By(httpURL)),
		validation.Field(&fc.FetchInterval, validation.Min(1)),
		validation.Field(&fc.CookieCheckInterval, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Forums, validation.Required),
	); err != nil {
		return err
	}

	ids := make(map[string]bool)
	tokens := make(map[string]string)
	for _, fc := range c.Forums {
		if ids[fc.ForumID] {
			return fmt.Errorf("duplicate forum_id %q", fc.ForumID)
		}
		ids[fc.ForumID] = true
		// One bot can only have one update consumer.
		if other, ok := tokens[fc.BotToken]; ok {
			return fmt.Errorf("forums %q and %q share a bot_token", other, fc.ForumID)
		}
		tokens[fc.BotToken] = fc.ForumID
	}
	return nil
}

// Forum converts the entry to the runtime forum description.
func (fc ForumConfig) Forum() *notifier.Forum {
	mode := notifier.ModeRSS
	if fc.SourceType == SourceDiscourse {
		mode = notifier.ModeAPI
	}
	probe := 0
	if fc.CookieCheckInterval != nil {
		probe = *fc.CookieCheckInterval
	}
	return &notifier.Forum{
		ID:            fc.ForumID,
		Name:          fc.Name,
		Mode:          mode,
		FeedURL:       fc.RSSURL,
		BaseURL:       fc.DiscourseURL,
		Credential:    fc.DiscourseCookie,
		ProxyURL:      fc.FlareSolverrURL,
		Interval:      time.Duration(fc.FetchInterval) * time.Second,
		ProbeInterval: time.Duration(probe) * time.Second,
		BotToken:      fc.BotToken,
		Enabled:       fc.Enabled == nil || *fc.Enabled,
		Degraded:      fc.Degraded,
	}
}
