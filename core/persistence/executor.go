package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/cache"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"go.uber.org/zap"
)

// TableInfo describes one table found in the database.
type TableInfo struct {
	Name    string   `json:"name" yaml:"name"`
	Fields  []string `json:"fields" yaml:"fields"`
	Indexes []string `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// Executor runs schema level requests on a Connection. Reads go through the
// record cache, which may be nil; writes invalidate the cache of the table
// they touch.
type Executor struct {
	conn   *Connection
	cache  *cache.RecordCache
	logger *zap.Logger
}

// NewExecutor creates an executor. A nil cache disables caching.
func NewExecutor(conn *Connection, records *cache.RecordCache, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{conn: conn, cache: records, logger: logger}
}

// Connection returns the executor's connection.
func (e *Executor) Connection() *Connection {
	return e.conn
}

// Cache returns the executor's record cache, which may be nil.
func (e *Executor) Cache() *cache.RecordCache {
	return e.cache
}

func (e *Executor) compiler() *dialect.Compiler {
	return e.conn.Compiler()
}

// Select returns the records of s matching l. Rows are keyed by field name.
// For query.AllLocales, translatable columns hold a map of locale to value.
func (e *Executor) Select(ctx context.Context, s *schema.Schema, l *query.Lookup, qctx *query.Context) ([]schema.Document, error) {
	rows, outcome, err := e.cache.Select(ctx, s, l, qctx, e.load)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Selected records",
		zap.String("table", s.Name),
		zap.String("outcome", string(outcome)),
		zap.Int("rows", len(rows)))
	return rows, nil
}

// load reads records straight from the database. It is the cache's loader.
func (e *Executor) load(ctx context.Context, s *schema.Schema, l *query.Lookup, qctx *query.Context) ([]schema.Document, error) {
	out, err := e.compiler().Select(s, l, qctx)
	if err != nil {
		return nil, err
	}
	if out.Empty {
		return []schema.Document{}, nil
	}
	rows, err := e.rows(ctx, out)
	if err != nil {
		return nil, err
	}

	locale := qctx.LocaleOrDefault()
	ds := e.compiler().Store()
	for _, row := range rows {
		if err := ds.RestoreRow(s, row, locale); err != nil {
			return nil, err
		}
	}

	if locale == query.AllLocales {
		if err := e.loadTranslations(ctx, s, l, qctx, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// loadTranslations fills every translatable column of rows with a map of
// locale to value.
func (e *Executor) loadTranslations(ctx context.Context, s *schema.Schema, l *query.Lookup, qctx *query.Context, rows []schema.Document) error {
	sel, err := dialect.SelectColumns(s, l, qctx)
	if err != nil {
		return err
	}
	if len(sel.Translatable) == 0 || len(rows) == 0 {
		return nil
	}
	pk, err := s.PrimaryColumn()
	if err != nil {
		return err
	}

	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row[pk.Field])
	}
	out, err := e.compiler().SelectTranslations(s, sel.Translatable, keys, qctx)
	if err != nil {
		return err
	}
	if out.Empty {
		return nil
	}
	found, err := e.rows(ctx, out)
	if err != nil {
		return err
	}

	ds := e.compiler().Store()
	byKey := make(map[string]map[string]map[string]any, len(rows))
	for _, tr := range found {
		key := fmt.Sprint(tr[s.I18nKey()])
		locale := toString(tr["locale"])
		fields, ok := byKey[key]
		if !ok {
			fields = make(map[string]map[string]any)
			byKey[key] = fields
		}
		for _, col := range sel.Translatable {
			v, err := ds.Restore(col, tr[col.Field], locale)
			if err != nil {
				return err
			}
			if fields[col.Field] == nil {
				fields[col.Field] = make(map[string]any)
			}
			fields[col.Field][locale] = v
		}
	}

	for _, row := range rows {
		fields := byKey[fmt.Sprint(row[pk.Field])]
		for _, col := range sel.Translatable {
			values := fields[col.Field]
			if values == nil {
				values = map[string]any{}
			}
			row[col.Field] = values
		}
	}
	return nil
}

// rows executes a single command read and returns its rows.
func (e *Executor) rows(ctx context.Context, out dialect.Outcome) ([]schema.Document, error) {
	var rows []schema.Document
	for _, cmd := range out.Commands {
		res, err := e.conn.Execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		rows = append(rows, res.Rows...)
	}
	if rows == nil {
		rows = []schema.Document{}
	}
	return rows, nil
}

// Count returns the number of records matching l. A where clause that can
// never match counts zero without a database round trip.
func (e *Executor) Count(ctx context.Context, s *schema.Schema, l *query.Lookup, qctx *query.Context) (int64, error) {
	out, err := e.compiler().SelectCount(s, l, qctx)
	if err != nil {
		return 0, err
	}
	if out.Empty {
		return 0, nil
	}
	rows, err := e.rows(ctx, out)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, row := range rows {
		n, ok := toInt64(row["count"])
		if !ok {
			return 0, fmt.Errorf("%w: unexpected count %v", core.ErrQueryFailed, row["count"])
		}
		total += n
	}
	return total, nil
}

// Distinct returns the ordered unique values of each column among the
// records matching l, keyed by the column names given.
func (e *Executor) Distinct(ctx context.Context, s *schema.Schema, columns []string, l *query.Lookup, qctx *query.Context) (map[string][]any, error) {
	result := make(map[string][]any, len(columns))
	for _, name := range columns {
		col, err := s.Column(name)
		if err != nil {
			return nil, err
		}
		sub := l.Clone()
		sub.Columns = []string{col.Name}
		sub.Distinct = true
		sub.Order = []query.Order{query.Asc(col.Name)}
		if col.Translatable() && qctx.LocaleOrDefault() == query.AllLocales {
			return nil, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "distinct translations need a single locale")
		}

		rows, err := e.Select(ctx, s, sub, qctx)
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			values = append(values, row[col.Field])
		}
		result[name] = values
	}
	return result, nil
}

// tables lists the tables a write to s touches.
func tables(s *schema.Schema) []string {
	if len(s.TranslatableColumns()) > 0 {
		return []string{s.DBName, s.I18nTable()}
	}
	return []string{s.DBName}
}

// Insert validates and inserts records, then writes their translations in
// the same transaction. It returns the primary key of each record.
func (e *Executor) Insert(ctx context.Context, s *schema.Schema, records []schema.Document, qctx *query.Context) ([]any, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var errs []error
	for _, rec := range records {
		if err := schema.ValidateRecord(s, rec, schema.ModeInsert); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	pk, err := s.PrimaryColumn()
	if err != nil {
		return nil, err
	}
	out, err := e.compiler().Insert(s, records, qctx)
	if err != nil {
		return nil, err
	}
	translatable := len(s.TranslatableColumns()) > 0

	var keys []any
	err = e.conn.Transaction(ctx, tables(s), func(tx *Tx) error {
		keys = make([]any, 0, len(records))
		for _, cmd := range out.Commands {
			res, err := tx.Execute(ctx, cmd)
			if err != nil {
				return err
			}
			switch {
			case cmd.Returning:
				for _, row := range res.Rows {
					keys = append(keys, row[pk.Field])
				}
			case cmd.Keys > 0:
				// Drivers without RETURNING report the first generated id of a
				// multi-row insert.
				for i := 0; i < cmd.Keys; i++ {
					keys = append(keys, res.LastInsertID+int64(i))
				}
			}
		}
		if !translatable {
			return nil
		}
		tr, err := e.compiler().InsertTranslations(s, records, keys, qctx, false)
		if err != nil {
			return err
		}
		_, err = tx.ExecuteAll(ctx, tr)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, s)
	return keys, nil
}

// Update writes the changed columns of each record, keyed by primary key,
// and returns the number of rows updated.
func (e *Executor) Update(ctx context.Context, s *schema.Schema, changes []dialect.Change, qctx *query.Context) (int64, error) {
	var errs []error
	for _, change := range changes {
		values := make(schema.Document, len(change.Columns))
		for _, name := range change.Columns {
			col := s.FindColumn(name)
			if col == nil {
				return 0, core.NewColumnError(core.ErrColumnNotFound, s.Name, name, "")
			}
			if v, ok := change.Values[col.Name]; ok {
				values[col.Name] = v
			} else {
				values[col.Name] = change.Values[col.Field]
			}
		}
		if err := schema.ValidateRecord(s, values, schema.ModeUpdate); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	out, err := e.compiler().Update(s, changes, qctx)
	if err != nil {
		return 0, err
	}
	if out.Empty {
		return 0, nil
	}
	return e.write(ctx, s, out)
}

// UpdateWhere sets values on every record matching where and returns the
// number of rows updated.
func (e *Executor) UpdateWhere(ctx context.Context, s *schema.Schema, values schema.Document, where query.Node, qctx *query.Context) (int64, error) {
	if err := schema.ValidateRecord(s, values, schema.ModeUpdate); err != nil {
		return 0, err
	}
	out, err := e.compiler().UpdateWhere(s, values, where, qctx)
	if err != nil {
		return 0, err
	}
	if out.Empty {
		return 0, nil
	}
	return e.write(ctx, s, out)
}

// Delete removes every record matching where and returns how many were
// removed.
func (e *Executor) Delete(ctx context.Context, s *schema.Schema, where query.Node, qctx *query.Context) (int64, error) {
	out, err := e.compiler().Delete(s, where, qctx)
	if err != nil {
		return 0, err
	}
	if out.Empty {
		return 0, nil
	}
	return e.write(ctx, s, out)
}

// write runs out in one transaction and counts the rows of s it touched.
func (e *Executor) write(ctx context.Context, s *schema.Schema, out dialect.Outcome) (int64, error) {
	var total int64
	err := e.conn.Transaction(ctx, tables(s), func(tx *Tx) error {
		total = 0
		results, err := tx.ExecuteAll(ctx, out)
		if err != nil {
			return err
		}
		for i, res := range results {
			if out.Commands[i].Table == s.DBName {
				total += res.Count
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.invalidate(ctx, s)
	return total, nil
}

func (e *Executor) invalidate(ctx context.Context, s *schema.Schema) {
	if !e.cache.Enabled() {
		return
	}
	if err := e.cache.Invalidate(ctx, s.Name); err != nil {
		e.logger.Warn("Failed to invalidate cache", zap.String("table", s.Name), zap.Error(err))
		return
	}
	e.conn.emit(Event{Type: EventCacheInvalidated, Table: s.Name})
}

// ddl runs each command of out on its own.
func (e *Executor) ddl(ctx context.Context, out dialect.Outcome) error {
	if out.Empty {
		return nil
	}
	for _, cmd := range out.Commands {
		if _, err := e.conn.Execute(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// CreateTable creates the table of s, its i18n table, and, when requested,
// its indexes.
func (e *Executor) CreateTable(ctx context.Context, s *schema.Schema, opts dialect.TableOptions, qctx *query.Context) error {
	out, err := e.compiler().CreateTable(s, opts, qctx)
	if err != nil {
		return err
	}
	if err := e.ddl(ctx, out); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.DBName, err)
	}
	e.logger.Info("Created table", zap.String("table", s.DBName))
	if opts.DropIfExists {
		e.invalidate(ctx, s)
	}
	return nil
}

// UpdateTable creates the table of s when it does not exist, and otherwise
// adds the columns the database is missing. Existing columns are never
// changed or removed.
func (e *Executor) UpdateTable(ctx context.Context, s *schema.Schema, qctx *query.Context) error {
	if s.Abstract {
		return nil
	}
	exists, err := e.TableExists(ctx, s.DBName, qctx)
	if err != nil {
		return err
	}
	if !exists {
		return e.CreateTable(ctx, s, dialect.DefaultTableOptions(), qctx)
	}

	existing, err := e.TableColumns(ctx, s.DBName, qctx)
	if err != nil {
		return err
	}
	var existingI18n []string
	i18nExists := false
	if len(s.TranslatableColumns()) > 0 {
		if i18nExists, err = e.TableExists(ctx, s.I18nTable(), qctx); err != nil {
			return err
		}
		if i18nExists {
			if existingI18n, err = e.TableColumns(ctx, s.I18nTable(), qctx); err != nil {
				return err
			}
		}
	}

	m := schema.MissingColumns(s, existing, existingI18n)
	if m.Empty() {
		return nil
	}
	out, err := e.compiler().AlterTable(s, m, i18nExists, qctx)
	if err != nil {
		return err
	}
	if err := e.ddl(ctx, out); err != nil {
		return fmt.Errorf("failed to update table %s: %w", s.DBName, err)
	}
	e.logger.Info("Updated table",
		zap.String("table", s.DBName),
		zap.Int("columns", len(m.Standard)),
		zap.Int("translations", len(m.Translatable)))
	e.invalidate(ctx, s)
	return nil
}

// CreateIndex creates an explicit index.
func (e *Executor) CreateIndex(ctx context.Context, idx *schema.Index, qctx *query.Context) error {
	cmd, err := e.compiler().CreateIndex(idx, qctx)
	if err != nil {
		return err
	}
	_, err = e.conn.Execute(ctx, cmd)
	return err
}

// TableExists reports whether table exists.
func (e *Executor) TableExists(ctx context.Context, table string, qctx *query.Context) (bool, error) {
	res, err := e.conn.Execute(ctx, e.compiler().TableExists(table, qctx))
	if err != nil {
		return false, err
	}
	for _, row := range res.Rows {
		if n, ok := toInt64(row["count"]); ok && n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// TableColumns lists the field names of table.
func (e *Executor) TableColumns(ctx context.Context, table string, qctx *query.Context) ([]string, error) {
	res, err := e.conn.Execute(ctx, e.compiler().TableColumns(table, qctx))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		names = append(names, toString(row["name"]))
	}
	return names, nil
}

// SchemaInfo lists every table of the database with its fields and indexes.
func (e *Executor) SchemaInfo(ctx context.Context, qctx *query.Context) ([]TableInfo, error) {
	res, err := e.conn.Execute(ctx, e.compiler().SchemaInfo(qctx))
	if err != nil {
		return nil, err
	}
	infos := make([]TableInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		infos = append(infos, TableInfo{
			Name:    toString(row["name"]),
			Fields:  splitList(toString(row["fields"])),
			Indexes: splitList(toString(row["indexes"])),
		})
	}
	return infos, nil
}

// Warm preloads the cache of every preload-eligible schema.
func (e *Executor) Warm(ctx context.Context, schemas []*schema.Schema) error {
	return e.cache.Warm(ctx, schemas, e.load)
}

// Close releases the cache and shuts the connection down.
func (e *Executor) Close() error {
	return errors.Join(e.cache.Close(), e.conn.Shutdown())
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
