package dialect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Change is one record of an update: its values, which must include the
// primary key, and the names of the columns that changed.
type Change struct {
	Values  schema.Document
	Columns []string
}

// value reads a column from a record by name, then by field.
func value(rec schema.Document, col *schema.Column) (any, bool) {
	if v, ok := rec[col.Name]; ok {
		return v, true
	}
	v, ok := rec[col.Field]
	return v, ok
}

func defaultValue(col *schema.Column) any {
	if f, ok := col.Default.(func() any); ok {
		return f()
	}
	return col.Default
}

// insertColumns picks the standard columns an insert writes: those present
// in any record, plus required columns and those with a default. Absent
// auto-increment columns are left to the database.
func insertColumns(s *schema.Schema, records []schema.Document) []*schema.Column {
	var cols []*schema.Column
	for _, col := range s.StoredColumns() {
		present := false
		for _, rec := range records {
			if _, ok := value(rec, col); ok {
				present = true
				break
			}
		}
		if present || ((col.Default != nil || col.Test(schema.FlagRequired)) && !col.Test(schema.FlagAutoIncrement)) {
			cols = append(cols, col)
		}
	}
	return cols
}

// Insert compiles the standard columns of records into batched multi-row
// inserts. Translations are written separately with InsertTranslations once
// the primary keys are known.
func (c *Compiler) Insert(s *schema.Schema, records []schema.Document, ctx *query.Context) (Outcome, error) {
	if len(records) == 0 {
		return EmptyOutcome(), nil
	}
	if s.Abstract {
		return Outcome{}, fmt.Errorf("%w: %s is abstract", core.ErrTableNotFound, s.Name)
	}

	table := c.Table(s, ctx)
	returning := ""
	if c.dialect.SupportsReturning {
		returning = c.dialect.Statements.InsertedKeys(c, s)
	}
	cols := insertColumns(s, records)

	if len(cols) == 0 {
		out := Outcome{Commands: make([]Command, 0, len(records))}
		for range records {
			text := fmt.Sprintf("INSERT INTO %s %s", table, c.dialect.DefaultValues)
			if returning != "" {
				text += " " + returning
			}
			out.Commands = append(out.Commands, Command{Text: text, Returning: returning != "", Keys: 1, Table: s.DBName})
		}
		return out, nil
	}

	fields := make([]string, len(cols))
	for i, col := range cols {
		fields[i] = col.Field
	}

	size := BatchSize(c.batchSize, len(cols))
	var out Outcome
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		io := NewIO(c.dialect)
		rows := make([]string, 0, end-start)
		for _, rec := range records[start:end] {
			marks := make([]string, len(cols))
			for i, col := range cols {
				v, ok := value(rec, col)
				if !ok {
					v = defaultValue(col)
				}
				if v == nil && col.Test(schema.FlagRequired) && !col.Test(schema.FlagAutoIncrement) {
					return Outcome{}, core.NewColumnError(core.ErrValueNotFound, s.Name, col.Name, "required column has no value")
				}
				stored, err := c.storeValue(col, v)
				if err != nil {
					return Outcome{}, err
				}
				marks[i] = io.Add(stored)
			}
			rows = append(rows, "("+strings.Join(marks, ", ")+")")
		}
		text := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, c.quoteAll(fields), strings.Join(rows, ", "))
		if returning != "" {
			text += " " + returning
		}
		out.Commands = append(out.Commands, Command{Text: text, Args: io.Args(), Returning: returning != "", Keys: end - start, Table: s.DBName})
	}
	return out, nil
}

// InsertTranslations compiles the translatable columns of records into rows
// of the i18n table. keys holds the primary key of each record. A map value
// holds one entry per locale; any other value is stored for the context
// locale. With upsert set, existing translations are replaced.
func (c *Compiler) InsertTranslations(s *schema.Schema, records []schema.Document, keys []any, ctx *query.Context, upsert bool) (Outcome, error) {
	if len(keys) != len(records) {
		return Outcome{}, fmt.Errorf("%w: %d keys for %d records", core.ErrValueNotFound, len(keys), len(records))
	}
	var cols []*schema.Column
	for _, col := range s.TranslatableColumns() {
		for _, rec := range records {
			if _, ok := value(rec, col); ok {
				cols = append(cols, col)
				break
			}
		}
	}
	return c.translations(s, records, keys, cols, ctx, upsert)
}

func (c *Compiler) translations(s *schema.Schema, records []schema.Document, keys []any, cols []*schema.Column, ctx *query.Context, upsert bool) (Outcome, error) {
	if len(cols) == 0 {
		return EmptyOutcome(), nil
	}

	type row struct {
		key    any
		locale string
		values map[*schema.Column]any
	}
	var rows []row
	for i, rec := range records {
		if keys[i] == nil {
			return Outcome{}, core.NewColumnError(core.ErrValueNotFound, s.Name, "<primary>", "translations need the owner key")
		}
		byLocale := map[string]map[*schema.Column]any{}
		for _, col := range cols {
			v, ok := value(rec, col)
			if !ok {
				continue
			}
			if m, isMap := v.(map[string]any); isMap {
				for loc, item := range m {
					if byLocale[loc] == nil {
						byLocale[loc] = map[*schema.Column]any{}
					}
					byLocale[loc][col] = item
				}
				continue
			}
			loc := locale(ctx)
			if loc == query.AllLocales {
				loc = query.DefaultLocale
			}
			if byLocale[loc] == nil {
				byLocale[loc] = map[*schema.Column]any{}
			}
			byLocale[loc][col] = v
		}
		locales := make([]string, 0, len(byLocale))
		for loc := range byLocale {
			locales = append(locales, loc)
		}
		sort.Strings(locales)
		for _, loc := range locales {
			rows = append(rows, row{key: keys[i], locale: loc, values: byLocale[loc]})
		}
	}
	if len(rows) == 0 {
		return EmptyOutcome(), nil
	}

	fields := []string{s.I18nKey(), "locale"}
	update := make([]string, 0, len(cols))
	for _, col := range cols {
		fields = append(fields, col.Field)
		update = append(update, col.Field)
	}
	suffix := ""
	if upsert {
		suffix = " " + c.dialect.Statements.Upsert(c, []string{s.I18nKey(), "locale"}, update)
	}

	table := c.I18nTable(s, ctx)
	size := BatchSize(c.batchSize, len(fields))
	var out Outcome
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		io := NewIO(c.dialect)
		values := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			marks := []string{io.Add(r.key), io.Add(r.locale)}
			for _, col := range cols {
				stored, err := c.storeValue(col, r.values[col])
				if err != nil {
					return Outcome{}, err
				}
				marks = append(marks, io.Add(stored))
			}
			values = append(values, "("+strings.Join(marks, ", ")+")")
		}
		text := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s", table, c.quoteAll(fields), strings.Join(values, ", "), suffix)
		out.Commands = append(out.Commands, Command{Text: text, Args: io.Args(), Table: s.I18nTable()})
	}
	return out, nil
}

// Update compiles one UPDATE per changed record, keyed by primary key.
// Changed translatable columns are upserted into the i18n table. Records
// without changes are skipped.
func (c *Compiler) Update(s *schema.Schema, changes []Change, ctx *query.Context) (Outcome, error) {
	pk, err := s.PrimaryColumn()
	if err != nil {
		return Outcome{}, err
	}
	table := c.Table(s, ctx)

	var out Outcome
	for _, change := range changes {
		if len(change.Columns) == 0 {
			continue
		}
		key, ok := value(change.Values, pk)
		if !ok || key == nil {
			return Outcome{}, core.NewColumnError(core.ErrValueNotFound, s.Name, pk.Name, "update needs the primary key")
		}

		var standard, translatable []*schema.Column
		for _, name := range change.Columns {
			col, err := s.Column(name)
			if err != nil {
				return Outcome{}, err
			}
			switch {
			case !col.Stored():
				continue
			case col.Translatable():
				translatable = append(translatable, col)
			default:
				standard = append(standard, col)
			}
		}

		if len(standard) > 0 {
			io := NewIO(c.dialect)
			sets := make([]string, len(standard))
			for i, col := range standard {
				v, _ := value(change.Values, col)
				stored, err := c.storeValue(col, v)
				if err != nil {
					return Outcome{}, err
				}
				sets[i] = fmt.Sprintf("%s = %s", c.Quote(col.Field), io.Add(stored))
			}
			text := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), c.Quote(pk.Field), io.Add(key))
			out.Commands = append(out.Commands, Command{Text: text, Args: io.Args(), Table: s.DBName})
		}

		if len(translatable) > 0 {
			tr, err := c.translations(s, []schema.Document{change.Values}, []any{key}, translatable, ctx, true)
			if err != nil {
				return Outcome{}, err
			}
			out.Commands = append(out.Commands, tr.Commands...)
		}
	}
	if len(out.Commands) == 0 {
		return EmptyOutcome(), nil
	}
	return out, nil
}

// UpdateWhere compiles a bulk update of the standard columns in values for
// every row matching where. An update without a where clause needs
// ctx.Force.
func (c *Compiler) UpdateWhere(s *schema.Schema, values schema.Document, where query.Node, ctx *query.Context) (Outcome, error) {
	if len(values) == 0 {
		return Outcome{}, fmt.Errorf("%w: no fields provided for update", core.ErrQueryInvalid)
	}
	if query.IsEmpty(where) && (ctx == nil || !ctx.Force) {
		return Outcome{}, fmt.Errorf("%w: UPDATE without WHERE clause is not allowed, set Force to override", core.ErrQueryInvalid)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	io := NewIO(c.dialect)
	sets := make([]string, 0, len(names))
	for _, name := range names {
		col, err := s.Column(name)
		if err != nil {
			return Outcome{}, err
		}
		if !col.Stored() || col.Translatable() {
			return Outcome{}, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "bulk updates only cover standard columns")
		}
		stored, err := c.storeValue(col, values[name])
		if err != nil {
			return Outcome{}, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", c.Quote(col.Field), io.Add(stored)))
	}

	clause, err := c.Where(s, where, ctx, io)
	if err != nil {
		return Outcome{}, err
	}
	if clause.Null {
		return EmptyOutcome(), nil
	}
	text := fmt.Sprintf("UPDATE %s SET %s", c.Table(s, ctx), strings.Join(sets, ", "))
	if clause.Text != "" {
		text += " WHERE " + clause.Text
	}
	return Single(Command{Text: text, Args: io.Args(), Table: s.DBName}), nil
}

// Delete compiles a delete of every row matching where, returning the
// deleted primary keys where the dialect can. A delete without a where
// clause needs ctx.Force.
func (c *Compiler) Delete(s *schema.Schema, where query.Node, ctx *query.Context) (Outcome, error) {
	if query.IsEmpty(where) && (ctx == nil || !ctx.Force) {
		return Outcome{}, fmt.Errorf("%w: DELETE without WHERE clause is not allowed, set Force to override", core.ErrQueryInvalid)
	}
	io := NewIO(c.dialect)
	clause, err := c.Where(s, where, ctx, io)
	if err != nil {
		return Outcome{}, err
	}
	if clause.Null {
		return EmptyOutcome(), nil
	}
	text := "DELETE FROM " + c.Table(s, ctx)
	if clause.Text != "" {
		text += " WHERE " + clause.Text
	}
	returning := ""
	if c.dialect.SupportsReturning {
		returning = c.dialect.Statements.InsertedKeys(c, s)
	}
	if returning != "" {
		text += " " + returning
	}
	return Single(Command{Text: text, Args: io.Args(), Returning: returning != "", Table: s.DBName}), nil
}
