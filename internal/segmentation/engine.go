package segmentation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

const (
	defaultPreviewLimit = 10
	maxPreviewLimit     = 100
	defaultBatchSize    = 500
)

// Page is a keyset page over recipients ordered by ID.
type Page struct {
	AfterID string
	Limit   int
}

// RecipientStore evaluates compiled filters against stored recipients.
// Implementations push Compiled.Sqlizer down to the database where they can;
// in-memory stores call Compiled.Match.
type RecipientStore interface {
	// CountRecipients returns the number of matches without loading rows.
	CountRecipients(ctx context.Context, tenant domain.TenantID, q *Compiled) (int, error)
	// FindRecipients returns up to page.Limit matches with ID > page.AfterID, ordered by ID.
	FindRecipients(ctx context.Context, tenant domain.TenantID, q *Compiled, page Page) ([]domain.Recipient, error)
	// GetRecipients loads recipients by ID, skipping unknown IDs.
	GetRecipients(ctx context.Context, tenant domain.TenantID, ids []string) ([]domain.Recipient, error)
}

// Engine resolves filters and segments to recipients.
type Engine struct {
	store     RecipientStore
	compiler  *Compiler
	batchSize int
}

// NewEngine creates a segmentation engine. batchSize bounds each page read
// during Resolve (default 500).
func NewEngine(store RecipientStore, compiler *Compiler, batchSize int) *Engine {
	if compiler == nil {
		compiler = NewCompiler()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{store: store, compiler: compiler, batchSize: batchSize}
}

// Compiler returns the engine's compiler.
func (e *Engine) Compiler() *Compiler { return e.compiler }

// CalculateSize counts recipients matching tree.
func (e *Engine) CalculateSize(ctx context.Context, tenant domain.TenantID, tree domain.FilterNode, now time.Time) (int, error) {
	q, err := e.compiler.Compile(tree, now)
	if err != nil {
		return 0, err
	}
	n, err := e.store.CountRecipients(ctx, tenant, q)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

// Preview returns the first matches ordered by ID. limit defaults to 10 and
// is capped at 100.
func (e *Engine) Preview(ctx context.Context, tenant domain.TenantID, tree domain.FilterNode, now time.Time, limit int) ([]domain.Recipient, error) {
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	if limit > maxPreviewLimit {
		limit = maxPreviewLimit
	}
	q, err := e.compiler.Compile(tree, now)
	if err != nil {
		return nil, err
	}
	rs, err := e.store.FindRecipients(ctx, tenant, q, Page{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("preview recipients: %w", err)
	}
	return rs, nil
}

// Evaluate reports whether a single recipient matches tree.
func (e *Engine) Evaluate(r *domain.Recipient, tree domain.FilterNode, now time.Time) (bool, error) {
	q, err := e.compiler.Compile(tree, now)
	if err != nil {
		return false, err
	}
	return q.Match(r), nil
}

// Resolve streams every member of seg to visit in batches and returns the
// number visited. Static segments load their pinned IDs; dynamic and
// behavioral segments page through the compiled filter. A visit error stops
// the walk and is returned as-is.
func (e *Engine) Resolve(ctx context.Context, tenant domain.TenantID, seg *domain.Segment, now time.Time, visit func([]domain.Recipient) error) (int, error) {
	if seg == nil {
		return 0, fmt.Errorf("%w: nil segment", ErrMalformedTree)
	}
	if seg.Kind == domain.SegmentStatic {
		return e.resolveStatic(ctx, tenant, seg.StaticRecipientIDs, visit)
	}
	if seg.Filter == nil {
		return 0, fmt.Errorf("%w: segment %s has no filter", ErrMalformedTree, seg.ID)
	}
	q, err := e.compiler.Compile(seg.Filter, now)
	if err != nil {
		return 0, err
	}

	total := 0
	page := Page{Limit: e.batchSize}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := e.store.FindRecipients(ctx, tenant, q, page)
		if err != nil {
			return total, fmt.Errorf("find recipients: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		total += len(batch)
		if err := visit(batch); err != nil {
			return total, err
		}
		if len(batch) < page.Limit {
			return total, nil
		}
		page.AfterID = batch[len(batch)-1].ID
	}
}

func (e *Engine) resolveStatic(ctx context.Context, tenant domain.TenantID, ids []string, visit func([]domain.Recipient) error) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += e.batchSize {
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := e.store.GetRecipients(ctx, tenant, ids[start:end])
		if err != nil {
			return total, fmt.Errorf("get recipients: %w", err)
		}
		if len(batch) == 0 {
			continue
		}
		total += len(batch)
		if err := visit(batch); err != nil {
			return total, err
		}
	}
	return total, nil
}
