// Package match evaluates posts against recipient subscriptions.
package match

import (
	"forumwatch/pkg/notifier"
	"log/slog"
	"regexp"
	"sync"

	"golang.org/x/text/cases"
)

// Matcher evaluates subscriptions. It holds only a cache of compiled keyword patterns
// and is safe for concurrent use.
type Matcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp // nil for patterns that failed to compile
}

// New creates a new matcher.
func New(logger *slog.Logger) *Matcher {
	return &Matcher{
		logger:   logger,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Match returns one match per subscription satisfied by post. A recipient holding an active
// "all" subscription matches once and their other subscriptions are not evaluated.
// Inactive subscriptions and subscriptions for other forums are ignored.
func (m *Matcher) Match(post *notifier.Post, subs []*notifier.Subscription) []notifier.Match {
	byRecipient := make(map[int64][]*notifier.Subscription)
	var order []int64
	for _, sub := range subs {
		if sub == nil || !sub.Active || sub.ForumID != post.ForumID {
			continue
		}
		if _, seen := byRecipient[sub.Recipient]; !seen {
			order = append(order, sub.Recipient)
		}
		byRecipient[sub.Recipient] = append(byRecipient[sub.Recipient], sub)
	}

	fold := cases.Fold()
	author := fold.String(post.Author)

	var matches []notifier.Match
	for _, recipient := range order {
		recipientSubs := byRecipient[recipient]
		if all := findAll(recipientSubs); all != nil {
			matches = append(matches, notifier.Match{Subscription: all})
			continue
		}

		for _, sub := range recipientSubs {
			switch sub.Kind {
			case notifier.KindAuthor:
				if post.Author != "" && fold.String(sub.Pattern) == author {
					matches = append(matches, notifier.Match{Subscription: sub, Trigger: sub.Pattern})
				}
			case notifier.KindKeyword:
				re := m.compile(sub)
				if re != nil && re.MatchString(post.Title) {
					matches = append(matches, notifier.Match{Subscription: sub, Trigger: sub.Pattern})
				}
			}
		}
	}
	return matches
}

func findAll(subs []*notifier.Subscription) *notifier.Subscription {
	for _, sub := range subs {
		if sub.Kind == notifier.KindAll {
			return sub
		}
	}
	return nil
}

// compile returns the case-insensitive regexp for a keyword subscription, or nil if the
// pattern does not compile. Failures are logged once per pattern.
func (m *Matcher) compile(sub *notifier.Subscription) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()

	if re, ok := m.patterns[sub.Pattern]; ok {
		return re
	}
	re, err := Compile(sub.Pattern)
	m.patterns[sub.Pattern] = re
	if err != nil {
		m.logger.Warn("Skipping keyword subscription with invalid pattern",
			"subscription_id", sub.ID,
			"recipient", sub.Recipient,
			"pattern", sub.Pattern,
			"error", err)
		return nil
	}
	return re
}

// Compile compiles a keyword pattern the way the matcher evaluates it: as a
// case-insensitive, unanchored regular expression.
func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
