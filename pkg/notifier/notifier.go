// Package notifier defines the shared domain types for forum monitoring.
package notifier

import "time"

// SourceMode selects how a forum is fetched.
type SourceMode string

const (
	// ModeRSS reads the forum's public feed.
	ModeRSS SourceMode = "rss"
	// ModeAPI reads the forum's authenticated JSON API.
	ModeAPI SourceMode = "api"
)

// HealthMode is the source health of a forum.
type HealthMode string

const (
	HealthNominal  HealthMode = "nominal"
	HealthDegraded HealthMode = "degraded"
)

// FetchOutcome classifies a source fetch.
type FetchOutcome string

const (
	FetchOK          FetchOutcome = "ok"
	FetchAuthFailed  FetchOutcome = "auth_failed"
	FetchUnreachable FetchOutcome = "unreachable"
)

// DeliveryOutcome classifies a delivery attempt.
type DeliveryOutcome string

const (
	DeliveryOK                   DeliveryOutcome = "ok"
	DeliveryRecipientUnreachable DeliveryOutcome = "recipient_unreachable"
	DeliveryTransient            DeliveryOutcome = "transient_failure"
)

// Kind is the trigger type of a subscription.
type Kind string

const (
	KindKeyword Kind = "keyword"
	KindAuthor  Kind = "author"
	KindAll     Kind = "all"
)

// Priority orders kinds when several subscriptions of one recipient match the same post.
// Higher wins.
func (k Kind) Priority() int {
	switch k {
	case KindAll:
		return 3
	case KindAuthor:
		return 2
	case KindKeyword:
		return 1
	default:
		return 0
	}
}

// Forum is one monitored discussion source.
type Forum struct {
	ID            string
	Name          string
	Mode          SourceMode
	FeedURL       string
	BaseURL       string
	Credential    string // session cookie for ModeAPI
	ProxyURL      string // optional FlareSolverr endpoint
	Interval      time.Duration
	ProbeInterval time.Duration // 0 disables the credential probe
	BotToken      string
	Enabled       bool
	Degraded      bool
}

// Post is a normalized topic observed on a forum.
type Post struct {
	ForumID     string
	ExternalID  string
	Title       string
	Author      string
	URL         string
	PublishedAt time.Time
}

// Subscription is a recipient's standing interest in a forum.
type Subscription struct {
	ID        string    `json:"id"`
	Recipient int64     `json:"recipient"`
	ForumID   string    `json:"forum_id"`
	Kind      Kind      `json:"kind"`
	Pattern   string    `json:"pattern,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Match is a subscription satisfied by a post.
type Match struct {
	Subscription *Subscription
	Trigger      string // matched keyword pattern, author handle, or empty for KindAll
}

// NotificationRecord marks a post as delivered (or attempted) to a recipient.
type NotificationRecord struct {
	ForumID   string    `json:"forum_id"`
	PostID    string    `json:"post_id"`
	Recipient int64     `json:"recipient"`
	Kind      Kind      `json:"kind"`
	Pattern   string    `json:"pattern,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthState is the persisted source health of a forum.
type HealthState struct {
	ForumID               string     `json:"forum_id"`
	Mode                  HealthMode `json:"mode"`
	AuthFailures          int        `json:"auth_failures"`
	TransientFailures     int        `json:"transient_failures"`
	LastSuccess           time.Time  `json:"last_success"`
	DegradedAt            time.Time  `json:"degraded_at"`
	CredentialFingerprint string     `json:"credential_fingerprint,omitempty"`
	// ConfigFlagged is set once the degraded flag has been written to the forum config.
	ConfigFlagged bool `json:"config_flagged,omitempty"`
}

// DegradationEvent is sent to the operator when a forum falls back to its public feed.
type DegradationEvent struct {
	ForumID      string
	ForumName    string
	PreviousMode SourceMode
	NewMode      SourceMode
	Failures     int
	At           time.Time
}

// Delivery is the structured message handed to a delivery transport.
type Delivery struct {
	Forum        *Forum
	Post         *Post
	Subscription *Subscription
	Trigger      string
}

// PatternCount is the number of notifications a single trigger produced.
type PatternCount struct {
	Kind    Kind   `json:"kind"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Stats is a global usage summary.
type Stats struct {
	Recipients     int `json:"recipients"`
	Keywords       int `json:"keywords"`
	Authors        int `json:"authors"`
	SubscribeAll   int `json:"subscribe_all"`
	PostsSeen      int `json:"posts_seen"`
	Notifications  int `json:"notifications"`
	BlockedTargets int `json:"blocked"`
}
