package dialect

import (
	"fmt"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// i18nAlias names the joined translation table inside a SELECT.
const i18nAlias = "i18n"

// Selection is the set of columns a lookup reads.
type Selection struct {
	Standard     []*schema.Column
	Translatable []*schema.Column
}

// SelectColumns resolves the columns of a lookup. An empty list selects every
// stored column. Virtual columns are skipped; the primary column is always
// included when translations are read separately.
func SelectColumns(s *schema.Schema, l *query.Lookup, ctx *query.Context) (Selection, error) {
	var sel Selection
	if l == nil || len(l.Columns) == 0 {
		sel.Standard = s.StoredColumns()
		sel.Translatable = s.TranslatableColumns()
	} else {
		seen := map[string]bool{}
		for _, name := range l.Columns {
			col, err := s.Column(name)
			if err != nil {
				return Selection{}, err
			}
			if !col.Stored() || seen[col.Name] {
				continue
			}
			seen[col.Name] = true
			if col.Translatable() {
				sel.Translatable = append(sel.Translatable, col)
			} else {
				sel.Standard = append(sel.Standard, col)
			}
		}
	}

	if len(sel.Translatable) > 0 && locale(ctx) == query.AllLocales {
		pk, err := s.PrimaryColumn()
		if err != nil {
			return Selection{}, err
		}
		found := false
		for _, col := range sel.Standard {
			if col == pk {
				found = true
				break
			}
		}
		if !found {
			sel.Standard = append([]*schema.Column{pk}, sel.Standard...)
		}
	}
	return sel, nil
}

// Select compiles a lookup. The outcome is empty when the where clause can
// never match. Translatable columns are joined for the context locale; for
// query.AllLocales they are left to SelectTranslations.
func (c *Compiler) Select(s *schema.Schema, l *query.Lookup, ctx *query.Context) (Outcome, error) {
	if l == nil {
		l = &query.Lookup{}
	}
	io := NewIO(c.dialect)
	text, null, err := c.selectText(s, l, ctx, io, true)
	if err != nil {
		return Outcome{}, err
	}
	if null {
		return EmptyOutcome(), nil
	}
	return Single(Command{Text: text, Args: io.Args(), Returning: true, Table: s.DBName}), nil
}

func (c *Compiler) selectText(s *schema.Schema, l *query.Lookup, ctx *query.Context, io *IO, paged bool) (string, bool, error) {
	if s.Abstract {
		return "", false, fmt.Errorf("%w: %s is abstract", core.ErrTableNotFound, s.Name)
	}
	sel, err := SelectColumns(s, l, ctx)
	if err != nil {
		return "", false, err
	}
	loc := locale(ctx)
	joined := len(sel.Translatable) > 0 && loc != query.AllLocales

	fields := make([]string, 0, len(sel.Standard)+len(sel.Translatable))
	for _, col := range sel.Standard {
		fields = append(fields, fmt.Sprintf("%s AS %s", c.Field(s.DBName, col.Field), c.Quote(col.Field)))
	}
	if joined {
		for _, col := range sel.Translatable {
			fields = append(fields, fmt.Sprintf("%s AS %s", c.Field(i18nAlias, col.Field), c.Quote(col.Field)))
		}
	}
	if len(fields) == 0 {
		return "", false, fmt.Errorf("%w: nothing to select from %s", core.ErrQueryInvalid, s.Name)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if l.Distinct {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(strings.Join(fields, ", "))
	sb.WriteString(" FROM " + c.Table(s, ctx))

	if joined {
		pk, err := s.PrimaryColumn()
		if err != nil {
			return "", false, err
		}
		fmt.Fprintf(&sb, " LEFT JOIN %s AS %s ON (%s = %s AND %s = %s)",
			c.I18nTable(s, ctx), c.Quote(i18nAlias),
			c.Field(i18nAlias, s.I18nKey()), c.Field(s.DBName, pk.Field),
			c.Field(i18nAlias, "locale"), io.Add(loc))
	}

	where, err := c.Where(s, l.Where, ctx, io)
	if err != nil {
		return "", false, err
	}
	if where.Null {
		return "", true, nil
	}
	if where.Text != "" {
		sb.WriteString(" WHERE " + where.Text)
	}

	if !paged {
		return sb.String(), false, nil
	}

	if len(l.Order) > 0 {
		orders := make([]string, 0, len(l.Order))
		for _, o := range l.Order {
			col, err := s.Column(o.Column)
			if err != nil {
				return "", false, err
			}
			var field string
			switch {
			case !col.Stored():
				return "", false, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "virtual columns cannot be ordered")
			case col.Translatable() && !joined:
				return "", false, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "translations are not joined for this locale")
			case col.Translatable():
				field = c.Field(i18nAlias, col.Field)
			default:
				field = c.Field(s.DBName, col.Field)
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			orders = append(orders, field+" "+dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	switch {
	case l.Limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d", l.Limit)
	case l.Offset > 0 && c.dialect.NoLimit != "":
		sb.WriteString(" LIMIT " + c.dialect.NoLimit)
	}
	if l.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", l.Offset)
	}
	return sb.String(), false, nil
}

// SelectCount compiles a row count. Ordering and paging are ignored; a
// distinct lookup counts the distinct rows of its columns.
func (c *Compiler) SelectCount(s *schema.Schema, l *query.Lookup, ctx *query.Context) (Outcome, error) {
	if l == nil {
		l = &query.Lookup{}
	}
	io := NewIO(c.dialect)
	count := fmt.Sprintf("COUNT(*) AS %s", c.Quote("count"))

	if l.Distinct {
		inner, null, err := c.selectText(s, l, ctx, io, false)
		if err != nil {
			return Outcome{}, err
		}
		if null {
			return EmptyOutcome(), nil
		}
		text := fmt.Sprintf("SELECT %s FROM (%s) AS %s", count, inner, c.Quote("records"))
		return Single(Command{Text: text, Args: io.Args(), Returning: true, Table: s.DBName}), nil
	}

	where, err := c.Where(s, l.Where, ctx, io)
	if err != nil {
		return Outcome{}, err
	}
	if where.Null {
		return EmptyOutcome(), nil
	}
	text := fmt.Sprintf("SELECT %s FROM %s", count, c.Table(s, ctx))
	if where.Text != "" {
		text += " WHERE " + where.Text
	}
	return Single(Command{Text: text, Args: io.Args(), Returning: true, Table: s.DBName}), nil
}

// SelectTranslations compiles a read of every locale of the given columns for
// the owners in keys. Rows carry the owner key, the locale, and the columns.
func (c *Compiler) SelectTranslations(s *schema.Schema, columns []*schema.Column, keys []any, ctx *query.Context) (Outcome, error) {
	if len(keys) == 0 || len(columns) == 0 {
		return EmptyOutcome(), nil
	}
	table := s.I18nTable()
	fields := []string{
		fmt.Sprintf("%s AS %s", c.Field(table, s.I18nKey()), c.Quote(s.I18nKey())),
		fmt.Sprintf("%s AS %s", c.Field(table, "locale"), c.Quote("locale")),
	}
	for _, col := range columns {
		if !col.Translatable() {
			return Outcome{}, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "column is not translatable")
		}
		fields = append(fields, fmt.Sprintf("%s AS %s", c.Field(table, col.Field), c.Quote(col.Field)))
	}
	io := NewIO(c.dialect)
	text := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(fields, ", "), c.I18nTable(s, ctx), c.Field(table, s.I18nKey()), io.AddAll(keys))
	return Single(Command{Text: text, Args: io.Args(), Returning: true, Table: table}), nil
}
