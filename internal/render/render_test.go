package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

// =============================================================================
// Render
// =============================================================================

func TestRenderSubstitutesAttributes(t *testing.T) {
	r := New()
	out, err := r.Render(context.Background(), domain.ContentRef{
		Subject: "Hi {{ first_name | default: \"Friend\" }}",
		HTML:    "<p>Hello {{ first_name | capitalize }} from {{ city | titlecase }}</p>",
		Text:    "Hello {{ first_name }}",
	}, map[string]any{"first_name": "jANE", "city": "new york"})
	require.NoError(t, err)
	assert.Equal(t, "Hi jANE", out.Subject)
	assert.Equal(t, "<p>Hello Jane from New York</p>", out.HTML)
	assert.Equal(t, "Hello jANE", out.Text)
}

func TestRenderFilters(t *testing.T) {
	r := New()
	tests := []struct {
		name  string
		tpl   string
		attrs map[string]any
		want  string
	}{
		{"default on missing", `{{ nick | default: "Friend" }}`, nil, "Friend"},
		{"default on empty", `{{ nick | default: "Friend" }}`, map[string]any{"nick": ""}, "Friend"},
		{"default keeps value", `{{ nick | default: "Friend" }}`, map[string]any{"nick": "JJ"}, "JJ"},
		{"truncate", `{{ bio | truncate: 8 }}`, map[string]any{"bio": "A long biography"}, "A lon..."},
		{"truncate short", `{{ bio | truncate: 50 }}`, map[string]any{"bio": "short"}, "short"},
		{"urlencode", `{{ email | urlencode }}`, map[string]any{"email": "a+b@x.io"}, "a%2Bb%40x.io"},
		{"escape", `{{ note | escape }}`, map[string]any{"note": "<b>&"}, "&lt;b&gt;&amp;"},
		{"currency float", `{{ price | currency }}`, map[string]any{"price": 19.5}, "$19.50"},
		{"currency int", `{{ price | currency }}`, map[string]any{"price": 7}, "$7.00"},
		{"currency string", `{{ price | currency }}`, map[string]any{"price": "3.456"}, "$3.46"},
		{"titlecase hyphen", `{{ n | titlecase }}`, map[string]any{"n": "mary-jane o'neil"}, "Mary-Jane O'neil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(context.Background(), domain.ContentRef{Subject: tt.tpl}, tt.attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Subject)
		})
	}
}

func TestRenderDerivesTextFromHTML(t *testing.T) {
	r := New()
	out, err := r.Render(context.Background(), domain.ContentRef{
		Subject: "s",
		HTML: `<html><head><style>p{color:red}</style></head><body>` +
			`<h1>Welcome {{ name }}</h1>` +
			`<p>Read <a href="https://acme.test/post">the post</a>.<br>Thanks</p>` +
			`<ul><li>One</li><li>Two</li></ul><script>track()</script></body></html>`,
	}, map[string]any{"name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Jane\nRead the post (https://acme.test/post).\nThanks\n- One\n- Two", out.Text)
}

func TestRenderParseError(t *testing.T) {
	r := New()
	_, err := r.Render(context.Background(), domain.ContentRef{Subject: "ok", HTML: "{% if x %}never closed"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render html")
	assert.Error(t, r.Parse("{% for x in xs %}"))
	assert.NoError(t, r.Parse("{{ fine }}"))
}

func TestRenderCachesBySource(t *testing.T) {
	r := New()
	ref := domain.ContentRef{Subject: "Hi {{ n }}"}
	for i := 0; i < 3; i++ {
		out, err := r.Render(context.Background(), ref, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Hi %d", i), out.Subject)
	}
	entries := 0
	r.cache.Range(func(_, _ any) bool { entries++; return true })
	assert.Equal(t, 1, entries)
}

type stubTemplates map[string]domain.ContentRef

func (s stubTemplates) GetTemplate(_ context.Context, id string) (*domain.ContentRef, error) {
	ref, ok := s[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ref, nil
}

func TestRenderStoredTemplate(t *testing.T) {
	r := New(WithTemplates(stubTemplates{
		"welcome": {Subject: "Stored", HTML: "<p>{{ name }}</p>", Text: "{{ name }}"},
	}))
	out, err := r.Render(context.Background(), domain.ContentRef{TemplateID: "welcome", Subject: "Override {{ name }}"},
		map[string]any{"name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, "Override Jane", out.Subject)
	assert.Equal(t, "<p>Jane</p>", out.HTML)

	_, err = r.Render(context.Background(), domain.ContentRef{TemplateID: "missing"}, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// =============================================================================
// Feeds
// =============================================================================

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Acme Blog</title>
<item><title>First</title><link>https://acme.test/1</link><description>One</description><pubDate>Mon, 04 Mar 2024 10:00:00 GMT</pubDate></item>
<item><title>Second</title><link>https://acme.test/2</link><description>Two</description></item>
<item><title>Third</title><link>https://acme.test/3</link><description>Three</description></item>
</channel></rss>`

func TestRenderWithFeed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssBody)
	}))
	defer srv.Close()

	r := New(WithFeeds(NewFeedCache(srv.Client(), time.Minute, 2)))
	ref := domain.ContentRef{
		Subject: "{{ feed.title }}",
		HTML:    "{% for item in feed.items %}<a href=\"{{ item.link }}\">{{ item.title }}</a>{% endfor %}",
		FeedURL: srv.URL,
	}
	out, err := r.Render(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Blog", out.Subject)
	assert.Equal(t, `<a href="https://acme.test/1">First</a><a href="https://acme.test/2">Second</a>`, out.HTML)

	_, err = r.Render(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second render served from cache")
}

func TestFeedCacheServesStaleOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, rssBody)
	}))
	defer srv.Close()

	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	fc := NewFeedCache(srv.Client(), time.Minute, 0)
	fc.now = func() time.Time { return now }

	feed, err := fc.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, feed.Items, 3)
	assert.Equal(t, 2024, feed.Items[0].Published.Year())

	fail.Store(true)
	now = now.Add(2 * time.Minute)
	stale, err := fc.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Same(t, feed, stale)

	_, err = NewFeedCache(srv.Client(), time.Minute, 0).Get(context.Background(), srv.URL)
	assert.Error(t, err)
}
