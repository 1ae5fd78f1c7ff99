package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrMissingTitle is reported for records without a title.
	ErrMissingTitle = errors.New("missing title")
	// ErrMissingID is reported for records without any usable identifier.
	ErrMissingID = errors.New("missing external id")

	topicGUIDRegex = regexp.MustCompile(`topic-(\d+)$`)
	topicPathRegex = regexp.MustCompile(`/t/[^/]+/(\d+)`)
)

// Normalize converts raw records into posts. Records that cannot be normalized are
// skipped and reported individually; they never abort the batch.
func Normalize(forumID string, records []Record) ([]*notifier.Post, []error) {
	posts := make([]*notifier.Post, 0, len(records))
	var errs []error
	for i := range records {
		post, err := NormalizeRecord(forumID, &records[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		posts = append(posts, post)
	}
	return posts, errs
}

// NormalizeRecord converts a single raw record into a post.
func NormalizeRecord(forumID string, rec *Record) (*notifier.Post, error) {
	title := strings.TrimSpace(rec.Title)
	if title == "" {
		return nil, ErrMissingTitle
	}
	id := ExternalID(rec)
	if id == "" {
		return nil, ErrMissingID
	}
	return &notifier.Post{
		ForumID:     forumID,
		ExternalID:  id,
		Title:       title,
		Author:      strings.TrimPrefix(strings.TrimSpace(rec.Author), "@"),
		URL:         strings.TrimSpace(rec.Link),
		PublishedAt: rec.Published,
	}, nil
}

// ExternalID derives the stable identifier of a record. Feed items and API topics for the
// same underlying topic resolve to the same id, so a mode switch does not re-announce posts.
func ExternalID(rec *Record) string {
	if rec.TopicID > 0 {
		return strconv.FormatInt(rec.TopicID, 10)
	}
	guid := strings.TrimSpace(rec.GUID)
	if m := topicGUIDRegex.FindStringSubmatch(guid); m != nil {
		return m[1]
	}
	link := strings.TrimSpace(rec.Link)
	if m := topicPathRegex.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	if guid != "" {
		return guid
	}
	if link != "" {
		sum := sha256.Sum256([]byte(link))
		return hex.EncodeToString(sum[:])
	}
	return ""
}
