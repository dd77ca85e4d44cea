// Package render turns a ContentRef into the subject, HTML and text of one
// message using the Liquid template language.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// TemplateSource loads stored templates referenced by ContentRef.TemplateID.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (*domain.ContentRef, error)
}

// Renderer renders content with Liquid. Parsed templates are cached by
// the hash of their source, so identical bodies across campaigns share one
// parse. A Renderer is safe for concurrent use.
type Renderer struct {
	engine    *liquid.Engine
	cache     sync.Map // hash -> *liquid.Template
	feeds     *FeedCache
	templates TemplateSource
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithFeeds enables feed-backed content through fc.
func WithFeeds(fc *FeedCache) Option {
	return func(r *Renderer) { r.feeds = fc }
}

// WithTemplates resolves ContentRef.TemplateID through src.
func WithTemplates(src TemplateSource) Option {
	return func(r *Renderer) { r.templates = src }
}

func New(opts ...Option) *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	registerFilters(r.engine)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render substitutes attrs into ref. Attributes are exposed at the top level;
// when ref has a FeedURL the latest items are bound as "feed". A missing
// text part is derived from the rendered HTML.
func (r *Renderer) Render(ctx context.Context, ref domain.ContentRef, attrs map[string]any) (*domain.RenderedContent, error) {
	if ref.TemplateID != "" && r.templates != nil && ref.HTML == "" {
		stored, err := r.templates.GetTemplate(ctx, ref.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", ref.TemplateID, err)
		}
		subject := ref.Subject
		ref = *stored
		if subject != "" {
			ref.Subject = subject
		}
	}

	bindings := make(liquid.Bindings, len(attrs)+1)
	for k, v := range attrs {
		bindings[k] = v
	}
	if ref.FeedURL != "" && r.feeds != nil {
		feed, err := r.feeds.Get(ctx, ref.FeedURL)
		if err != nil {
			return nil, fmt.Errorf("load feed: %w", err)
		}
		bindings["feed"] = feed.bindings()
	}

	out := &domain.RenderedContent{}
	var err error
	if out.Subject, err = r.renderString(ref.Subject, bindings); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if out.HTML, err = r.renderString(ref.HTML, bindings); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	if out.Text, err = r.renderString(ref.Text, bindings); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	out.Subject = strings.TrimSpace(out.Subject)
	if strings.TrimSpace(out.Text) == "" && out.HTML != "" {
		if out.Text, err = HTMLToText(out.HTML); err != nil {
			logger.Warn("render: text fallback failed", "error", err)
			out.Text = ""
		}
	}
	return out, nil
}

// Parse reports template syntax errors without rendering.
func (r *Renderer) Parse(src string) error {
	_, err := r.template(src)
	return err
}

func (r *Renderer) renderString(src string, b liquid.Bindings) (string, error) {
	if src == "" {
		return "", nil
	}
	tpl, err := r.template(src)
	if err != nil {
		return "", err
	}
	s, serr := tpl.RenderString(b)
	if serr != nil {
		return "", serr
	}
	return s, nil
}

func (r *Renderer) template(src string) (*liquid.Template, error) {
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(key, tpl)
	return tpl, nil
}

// =============================================================================
// Filters
// =============================================================================

func registerFilters(e *liquid.Engine) {
	// {{ first_name | default: "Friend" }}
	e.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	e.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		rs := []rune(strings.ToLower(s))
		rs[0] = unicode.ToUpper(rs[0])
		return string(rs)
	})

	e.RegisterFilter("titlecase", titleCase)

	// {{ bio | truncate: 50 }}
	e.RegisterFilter("truncate", func(s string, length int) string {
		rs := []rune(s)
		if length < 0 || len(rs) <= length {
			return s
		}
		if length <= 3 {
			return string(rs[:length])
		}
		return string(rs[:length-3]) + "..."
	})

	e.RegisterFilter("urlencode", url.QueryEscape)
	e.RegisterFilter("escape", html.EscapeString)
	e.RegisterFilter("currency", currency)
}

func titleCase(s string) string {
	var b strings.Builder
	start := true
	for _, r := range strings.ToLower(s) {
		if start && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			start = false
			continue
		}
		b.WriteRune(r)
		start = unicode.IsSpace(r) || r == '-'
	}
	return b.String()
}

func currency(value any) string {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		f = parsed
	default:
		return fmt.Sprintf("%v", value)
	}
	if f < 0 {
		return fmt.Sprintf("-$%.2f", -f)
	}
	return fmt.Sprintf("$%.2f", f)
}
