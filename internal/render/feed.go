package render

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const (
	DefaultFeedTTL   = 15 * time.Minute
	DefaultFeedItems = 5
)

// FeedItem is one entry of a content feed.
type FeedItem struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	Published   time.Time `json:"published"`
}

// Feed is the cached head of an RSS or Atom feed.
type Feed struct {
	Title     string
	Items     []FeedItem
	FetchedAt time.Time
}

func (f *Feed) bindings() map[string]any {
	items := make([]map[string]any, 0, len(f.Items))
	for _, it := range f.Items {
		items = append(items, map[string]any{
			"title":       it.Title,
			"link":        it.Link,
			"description": it.Description,
			"published":   it.Published,
		})
	}
	return map[string]any{"title": f.Title, "items": items}
}

// FeedCache fetches feeds with gofeed and keeps them for a TTL. When a
// refresh fails a stale copy is served if one exists.
type FeedCache struct {
	parser   *gofeed.Parser
	ttl      time.Duration
	maxItems int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Feed
}

func NewFeedCache(client *http.Client, ttl time.Duration, maxItems int) *FeedCache {
	if ttl <= 0 {
		ttl = DefaultFeedTTL
	}
	if maxItems <= 0 {
		maxItems = DefaultFeedItems
	}
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	p.UserAgent = "campaign-engine/1.0"
	return &FeedCache{parser: p, ttl: ttl, maxItems: maxItems, now: time.Now, entries: make(map[string]*Feed)}
}

// Get returns the feed at url, fetching it when the cached copy is missing
// or older than the TTL.
func (c *FeedCache) Get(ctx context.Context, url string) (*Feed, error) {
	now := c.now()
	c.mu.Lock()
	cached := c.entries[url]
	c.mu.Unlock()
	if cached != nil && now.Sub(cached.FetchedAt) < c.ttl {
		return cached, nil
	}

	parsed, err := c.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		if cached != nil {
			logger.Warn("render: feed refresh failed, serving stale copy", "url", url, "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("fetch feed %s: %w", url, err)
	}

	feed := &Feed{Title: parsed.Title, FetchedAt: now}
	for _, item := range parsed.Items {
		if len(feed.Items) == c.maxItems {
			break
		}
		fi := FeedItem{Title: item.Title, Link: item.Link, Description: item.Description}
		switch {
		case item.PublishedParsed != nil:
			fi.Published = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			fi.Published = *item.UpdatedParsed
		}
		feed.Items = append(feed.Items, fi)
	}

	c.mu.Lock()
	c.entries[url] = feed
	c.mu.Unlock()
	return feed, nil
}
