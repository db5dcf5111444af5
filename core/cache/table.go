package cache

import (
	"context"
	"time"

	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"go.uber.org/zap"
)

// TableCache is the part of a RecordCache that belongs to one schema. Every
// key it writes shares the table prefix, so a write to the table drops them
// all at once.
type TableCache struct {
	cache  *RecordCache
	schema *schema.Schema
	prefix string
}

// Schema returns the cached schema.
func (t *TableCache) Schema() *schema.Schema {
	return t.schema
}

// Expiry returns the lifetime of entries written for qctx: the smallest
// positive value among the call, table, and system timeouts. Zero means the
// entries never expire.
func (t *TableCache) Expiry(qctx *query.Context) time.Duration {
	var call time.Duration
	if qctx != nil {
		call = qctx.Timeout
	}
	return minPositive(call, t.schema.CacheTimeout, t.cache.maxTimeout)
}

func (t *TableCache) recordsKey(l *query.Lookup, qctx *query.Context) string {
	return t.prefix + "q:" + l.Hash() + ":" + qctx.Hash()
}

func (t *TableCache) preloadKey(qctx *query.Context) string {
	return t.prefix + "all:" + qctx.Hash()
}

// Records returns the cached result of an exact lookup.
func (t *TableCache) Records(ctx context.Context, l *query.Lookup, qctx *query.Context) ([]schema.Document, bool) {
	return t.get(ctx, t.recordsKey(l, qctx))
}

// Preloaded returns the whole table when it has been preloaded.
func (t *TableCache) Preloaded(ctx context.Context, qctx *query.Context) ([]schema.Document, bool) {
	return t.get(ctx, t.preloadKey(qctx))
}

func (t *TableCache) setRecords(ctx context.Context, l *query.Lookup, qctx *query.Context, rows []schema.Document, gen uint64) {
	t.set(ctx, t.recordsKey(l, qctx), rows, t.Expiry(qctx), gen)
}

func (t *TableCache) setPreloaded(ctx context.Context, qctx *query.Context, rows []schema.Document, gen uint64) {
	t.set(ctx, t.preloadKey(qctx), rows, t.Expiry(qctx), gen)
}

// preload returns the whole table, loading and caching it when needed.
func (t *TableCache) preload(ctx context.Context, qctx *query.Context, load Loader) ([]schema.Document, error) {
	if rows, ok := t.Preloaded(ctx, qctx); ok {
		return rows, nil
	}
	gen := t.cache.generation(t.schema.Name)
	rows, err := load(ctx, t.schema, &query.Lookup{}, qctx)
	if err != nil {
		return nil, err
	}
	t.setPreloaded(ctx, qctx, rows, gen)
	t.cache.logger.Debug("Preloaded table", zap.String("table", t.schema.Name), zap.Int("rows", len(rows)))
	return rows, nil
}

// Clear drops every entry of the table.
func (t *TableCache) Clear(ctx context.Context) error {
	return t.cache.Invalidate(ctx, t.schema.Name)
}

func (t *TableCache) get(ctx context.Context, key string) ([]schema.Document, bool) {
	rows, ok, err := t.cache.backend.Get(ctx, key)
	if err != nil {
		t.cache.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return rows, ok
}

// set stores rows unless the table was invalidated after gen was taken, so a
// read that raced a write never caches what the write replaced.
func (t *TableCache) set(ctx context.Context, key string, rows []schema.Document, ttl time.Duration, gen uint64) {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	if t.cache.generationLocked(t.schema.Name) != gen {
		t.cache.logger.Debug("Skipped stale cache write", zap.String("key", key))
		return
	}
	if err := t.cache.backend.Set(ctx, key, rows, ttl); err != nil {
		t.cache.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func minPositive(values ...time.Duration) time.Duration {
	var out time.Duration
	for _, v := range values {
		if v > 0 && (out == 0 || v < out) {
			out = v
		}
	}
	return out
}
