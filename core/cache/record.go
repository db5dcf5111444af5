package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/metrics"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Outcome reports how a lookup was resolved.
type Outcome string

const (
	// Hit is an exact match on a previously cached lookup.
	Hit Outcome = "hit"
	// Preload is a lookup answered by filtering a preloaded table.
	Preload Outcome = "preload"
	// Miss is a lookup sent to the database.
	Miss Outcome = "miss"
	// Bypass is a lookup that skipped the cache entirely.
	Bypass Outcome = "bypass"
)

// Loader reads records from the database.
type Loader func(ctx context.Context, s *schema.Schema, l *query.Lookup, qctx *query.Context) ([]schema.Document, error)

// RecordCache caches select results for one database. A nil *RecordCache is
// valid and caches nothing.
type RecordCache struct {
	backend    Backend
	prefix     string
	maxTimeout time.Duration
	workers    int
	processor  *query.Processor
	logger     *zap.Logger

	mu     sync.Mutex
	epoch  uint64
	gens   map[string]uint64
	tables map[string]*TableCache
}

// NewRecordCache creates a cache for the database named by identity. A nil
// backend disables caching.
func NewRecordCache(backend Backend, cfg config.Cache, identity string, logger *zap.Logger) *RecordCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orb"
	}
	return &RecordCache{
		backend:    backend,
		prefix:     fmt.Sprintf("%s:%016x:", prefix, xxhash.Sum64String(identity)),
		maxTimeout: cfg.MaxTimeout,
		workers:    cfg.PreloadWorkers,
		processor:  query.NewProcessor(logger),
		logger:     logger,
		gens:       make(map[string]uint64),
		tables:     make(map[string]*TableCache),
	}
}

// Enabled reports whether lookups are cached.
func (c *RecordCache) Enabled() bool {
	return c != nil && c.backend != nil
}

// Table returns the cache of one schema.
func (c *RecordCache) Table(s *schema.Schema) *TableCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[s.Name]; ok && t.schema == s {
		return t
	}
	t := &TableCache{cache: c, schema: s, prefix: c.tablePrefix(s.Name)}
	c.tables[s.Name] = t
	return t
}

func (c *RecordCache) tablePrefix(table string) string {
	return c.prefix + table + ":"
}

// Select resolves a lookup: an exact cached result first, then a filtered
// preload for simple lookups against preloaded tables, and finally load.
func (c *RecordCache) Select(ctx context.Context, s *schema.Schema, l *query.Lookup, qctx *query.Context, load Loader) ([]schema.Document, Outcome, error) {
	if l == nil {
		l = &query.Lookup{}
	}
	if !c.Enabled() || (qctx != nil && qctx.NoCache) {
		rows, err := load(ctx, s, l, qctx)
		if c != nil {
			metrics.CacheLookups.WithLabelValues(s.Name, string(Bypass)).Inc()
		}
		return rows, Bypass, err
	}

	t := c.Table(s)
	if rows, ok := t.Records(ctx, l, qctx); ok {
		c.observe(s, Hit)
		return rows, Hit, nil
	}

	gen := c.generation(s.Name)
	if s.Preload {
		if local, ok := localLookup(s, l, qctx); ok {
			all, err := t.preload(ctx, qctx, load)
			if err != nil {
				return nil, Miss, err
			}
			rows, err := c.processor.Apply(all, local)
			if err == nil {
				t.setRecords(ctx, l, qctx, rows, gen)
				c.observe(s, Preload)
				return cloneRows(rows), Preload, nil
			}
			c.logger.Debug("Preload filter failed, querying the database", zap.String("table", s.Name), zap.Error(err))
		}
	}

	rows, err := load(ctx, s, l, qctx)
	if err != nil {
		return nil, Miss, err
	}
	t.setRecords(ctx, l, qctx, rows, gen)
	c.observe(s, Miss)
	return rows, Miss, nil
}

func (c *RecordCache) observe(s *schema.Schema, outcome Outcome) {
	metrics.CacheLookups.WithLabelValues(s.Name, string(outcome)).Inc()
	c.logger.Debug("Resolved lookup", zap.String("table", s.Name), zap.String("outcome", string(outcome)))
}

// Invalidate drops every cached result and preload of table.
func (c *RecordCache) Invalidate(ctx context.Context, table string) error {
	if !c.Enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[table]++
	metrics.CacheInvalidations.WithLabelValues(table).Inc()
	if err := c.backend.DeletePrefix(ctx, c.tablePrefix(table)); err != nil {
		return fmt.Errorf("failed to invalidate cache of %s: %w", table, err)
	}
	c.logger.Debug("Invalidated table cache", zap.String("table", table))
	return nil
}

// Clear drops everything cached for this database.
func (c *RecordCache) Clear(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if err := c.backend.DeletePrefix(ctx, c.prefix); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Warm preloads every preload-eligible schema, several tables at a time.
func (c *RecordCache) Warm(ctx context.Context, schemas []*schema.Schema, load Loader) error {
	if !c.Enabled() {
		return nil
	}
	workers := c.workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		c.logger.Error("Preload worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return fmt.Errorf("failed to start preload pool: %w", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range schemas {
		if !s.Preload || s.Abstract {
			continue
		}
		t := c.Table(s)
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if _, err := t.preload(ctx, nil, load); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("preload %s: %w", s.Name, err))
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			return fmt.Errorf("failed to schedule preload of %s: %w", s.Name, err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close releases the backend.
func (c *RecordCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Close()
}

func (c *RecordCache) generation(table string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(table)
}

func (c *RecordCache) generationLocked(table string) uint64 {
	return c.epoch + c.gens[table]
}

// localLookup reports whether l can be answered from a preloaded table and
// returns it rewritten against the row keys, which are field names. Simple
// lookups use the default locale, expand nothing, and only reference
// stored columns of s.
func localLookup(s *schema.Schema, l *query.Lookup, qctx *query.Context) (*query.Lookup, bool) {
	if len(l.Expand) > 0 || qctx.LocaleOrDefault() != query.DefaultLocale {
		return nil, false
	}
	if qctx != nil && qctx.Namespace != "" {
		return nil, false
	}
	local := l.Clone()
	for i, name := range local.Columns {
		field, ok := fieldOf(s, "", name)
		if !ok {
			return nil, false
		}
		local.Columns[i] = field
	}
	for i, o := range local.Order {
		field, ok := fieldOf(s, "", o.Column)
		if !ok {
			return nil, false
		}
		local.Order[i].Column = field
	}
	if query.IsEmpty(l.Where) {
		local.Where = nil
		return local, true
	}
	where, ok := localNode(s, l.Where)
	if !ok {
		return nil, false
	}
	local.Where = where
	return local, true
}

func localNode(s *schema.Schema, n query.Node) (query.Node, bool) {
	switch v := n.(type) {
	case *query.Compound:
		out := &query.Compound{Op: v.Op, Children: make([]query.Node, len(v.Children))}
		for i, child := range v.Children {
			local, ok := localNode(s, child)
			if !ok {
				return nil, false
			}
			out.Children[i] = local
		}
		return out, true
	case *query.Query:
		return localQuery(s, v)
	}
	return nil, false
}

func localQuery(s *schema.Schema, q *query.Query) (*query.Query, bool) {
	out, ok := localColumn(s, q)
	if !ok {
		return nil, false
	}
	switch v := q.Value.(type) {
	case query.Sentinel, *query.Subquery:
		return nil, false
	case *query.Query:
		ref, ok := localColumn(s, v)
		if !ok {
			return nil, false
		}
		out.Value = ref
	}
	return out, true
}

// localColumn maps the column of q and of its math operands to stored
// fields. The value of q is left as is.
func localColumn(s *schema.Schema, q *query.Query) (*query.Query, bool) {
	field, ok := fieldOf(s, q.Table, q.Column)
	if !ok {
		return nil, false
	}
	out := *q
	out.Column = field
	out.Table = ""
	out.Math = make([]query.MathStep, len(q.Math))
	for i, step := range q.Math {
		out.Math[i] = step
		if ref, isRef := step.Value.(*query.Query); isRef {
			local, ok := localColumn(s, ref)
			if !ok {
				return nil, false
			}
			out.Math[i].Value = local
		}
	}
	return &out, true
}

func fieldOf(s *schema.Schema, table, name string) (string, bool) {
	if table != "" && table != s.Name {
		return "", false
	}
	if strings.Contains(name, ".") {
		return "", false
	}
	col := s.FindColumn(name)
	if col == nil || !col.Stored() {
		return "", false
	}
	return col.Field, true
}
