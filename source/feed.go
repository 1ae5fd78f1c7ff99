package source

import (
	"bytes"
	"context"
	"fmt"
	"forumwatch/pkg/notifier"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"
)

func (s *Sources) fetchFeed(ctx context.Context, forum *notifier.Forum) ([]Record, error) {
	if forum.FeedURL == "" {
		return nil, fmt.Errorf("forum %s has no feed URL", forum.ID)
	}

	resp, err := s.do(ctx,
		func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, forum.FeedURL, http.NoBody)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
			return req, nil
		},
		func(r *response) error {
			if r.status != http.StatusOK {
				return &StatusError{URL: forum.FeedURL, Code: r.status}
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	return parseFeed(resp.body)
}

func parseFeed(body []byte) ([]Record, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	records := make([]Record, 0, len(feed.Items))
	for _, item := range feed.Items {
		rec := Record{
			GUID:   strings.TrimSpace(item.GUID),
			Title:  strings.TrimSpace(item.Title),
			Link:   strings.TrimSpace(item.Link),
			Author: itemAuthor(item),
		}
		switch {
		case item.PublishedParsed != nil:
			rec.Published = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			rec.Published = *item.UpdatedParsed
		}
		records = append(records, rec)
	}
	return records, nil
}

func itemAuthor(item *gofeed.Item) string {
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return item.DublinCoreExt.Creator[0]
	}
	return ""
}
