package dialect

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"go.uber.org/zap"
)

// Where renders n as a predicate over s. Dotted paths and shortcut columns
// are expanded first. Literal values are bound through io, never written
// into the text.
func (c *Compiler) Where(s *schema.Schema, n query.Node, ctx *query.Context, io *IO) (Clause, error) {
	if query.IsEmpty(n) {
		return Clause{}, nil
	}
	expanded, err := query.ExpandShortcuts(n, s)
	if err != nil {
		return Clause{}, err
	}
	clause, err := c.where(s, expanded, ctx, io)
	if err != nil {
		return Clause{}, err
	}
	if clause.Null {
		c.logger.Debug("where clause can never match", zap.String("table", s.Name))
	}
	return clause, nil
}

// where renders an expanded node. Parameters bound by a fragment that ends
// up empty or null are released again.
func (c *Compiler) where(s *schema.Schema, n query.Node, ctx *query.Context, io *IO) (Clause, error) {
	mark := io.Len()
	var (
		clause Clause
		err    error
	)
	switch v := n.(type) {
	case *query.Compound:
		clause, err = c.compound(s, v, ctx, io)
	case *query.Query:
		if query.IsEmpty(v) {
			return Clause{}, nil
		}
		clause, err = c.leaf(s, v, ctx, io)
	case nil:
		return Clause{}, nil
	default:
		return Clause{}, fmt.Errorf("%w: unsupported node %T", core.ErrQueryInvalid, n)
	}
	if err != nil || clause.Text == "" {
		io.rewind(mark)
	}
	return clause, err
}

func (c *Compiler) compound(s *schema.Schema, q *query.Compound, ctx *query.Context, io *IO) (Clause, error) {
	parts := make([]string, 0, len(q.Children))
	nulls := 0
	for _, child := range q.Children {
		clause, err := c.where(s, child, ctx, io)
		if err != nil {
			return Clause{}, err
		}
		switch {
		case clause.Null:
			if q.Op == query.OpAnd {
				return Clause{Null: true}, nil
			}
			nulls++
		case clause.Text != "":
			parts = append(parts, clause.Text)
		}
	}
	if len(parts) == 0 {
		// An Or whose every branch is null can never match.
		return Clause{Null: nulls > 0}, nil
	}
	if len(parts) == 1 {
		return Clause{Text: parts[0]}, nil
	}
	joiner := " AND "
	if q.Op == query.OpOr {
		joiner = " OR "
	}
	return Clause{Text: "(" + strings.Join(parts, joiner) + ")"}, nil
}

func (c *Compiler) leaf(s *schema.Schema, q *query.Query, ctx *query.Context, io *IO) (Clause, error) {
	if q.Table != "" && q.Table != s.Name {
		return Clause{}, fmt.Errorf("%w: %s.%s must be reached through a relation of %s", core.ErrQueryInvalid, q.Table, q.Column, s.Name)
	}
	col, err := s.Column(q.Column)
	if err != nil {
		return Clause{}, err
	}
	if !col.Stored() {
		return Clause{}, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "virtual columns cannot be queried")
	}
	if !query.Allows(col.Type, q.Op) {
		return Clause{}, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name,
			fmt.Sprintf("operator %s is not allowed on %s columns", q.Op, col.Type))
	}

	if !col.Translatable() {
		return c.predicate(s, s.DBName, col, q, ctx, io)
	}

	// Translations live in the satellite table; match owners that have a
	// qualifying translation row.
	pk, err := s.PrimaryColumn()
	if err != nil {
		return Clause{}, err
	}
	alias := s.I18nTable()
	inner, err := c.predicate(s, alias, col, q, ctx, io)
	if err != nil || inner.Text == "" {
		return inner, err
	}
	cond := inner.Text
	if loc := locale(ctx); loc != query.AllLocales {
		cond += fmt.Sprintf(" AND %s = %s", c.Field(alias, "locale"), io.Add(loc))
	}
	return Clause{Text: fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
		c.Field(s.DBName, pk.Field), c.Field(alias, s.I18nKey()), c.I18nTable(s, ctx), cond)}, nil
}

// predicate renders "field op value" for a column of s. alias qualifies the
// field.
func (c *Compiler) predicate(s *schema.Schema, alias string, col *schema.Column, q *query.Query, ctx *query.Context, io *IO) (Clause, error) {
	field := c.Field(alias, col.Field)
	for _, step := range q.Math {
		tok, ok := c.dialect.MathToken(step.Op, col.Type)
		if !ok {
			return Clause{}, fmt.Errorf("%w: math operator %s is not supported by %s", core.ErrQueryInvalid, step.Op, c.dialect.Name)
		}
		operand, err := c.operand(s, alias, col, step.Value, io)
		if err != nil {
			return Clause{}, err
		}
		if strings.Contains(tok, "%s") {
			field = fmt.Sprintf(tok, field, operand)
		} else {
			field = fmt.Sprintf("(%s %s %s)", field, tok, operand)
		}
	}
	for _, fn := range q.Functions {
		format, ok := c.dialect.FuncToken(fn)
		if !ok {
			return Clause{}, fmt.Errorf("%w: function %s is not supported by %s", core.ErrQueryInvalid, fn, c.dialect.Name)
		}
		field = fmt.Sprintf(format, field)
	}

	switch v := q.Value.(type) {
	case *query.Subquery:
		return c.subquery(s, field, q, v, ctx, io)
	case query.Sentinel:
		switch v {
		case query.All:
			return Clause{}, nil
		case query.Empty:
			return nullTest(field, q.Op, true)
		case query.NotEmpty:
			return nullTest(field, q.Op, false)
		}
	case nil:
		switch q.Op {
		case query.Is, query.Matches:
			return Clause{Text: field + " IS NULL"}, nil
		case query.IsNot, query.DoesNotMatch:
			return Clause{Text: field + " IS NOT NULL"}, nil
		}
		return Clause{}, fmt.Errorf("%w: %s cannot compare %s with null", core.ErrQueryInvalid, q.Op, col)
	}

	tok, ok := c.dialect.OpToken(q.Op, q.CaseSensitive)
	if !ok {
		return Clause{}, fmt.Errorf("%w: operator %s is not supported by %s", core.ErrQueryInvalid, q.Op, c.dialect.Name)
	}

	// Column to column comparison.
	if ref, ok := q.Value.(*query.Query); ok {
		other, err := c.columnRef(s, alias, ref)
		if err != nil {
			return Clause{}, err
		}
		return Clause{Text: fmt.Sprintf("%s %s %s", field, tok.Text, other)}, nil
	}

	fold := col.Type.IsString() && !q.CaseSensitive && !tok.Folds
	if fold {
		field = fmt.Sprintf(c.lowerFormat(), field)
	}
	bind := func(v any) (string, error) {
		stored, err := c.storeValue(col, v)
		if err != nil {
			return "", err
		}
		mark := io.Add(stored)
		if fold {
			mark = fmt.Sprintf(c.lowerFormat(), mark)
		}
		return mark, nil
	}

	switch q.Op {
	case query.Between:
		bounds, ok := asList(q.Value)
		if !ok || len(bounds) != 2 {
			return Clause{}, fmt.Errorf("%w: Between needs exactly two values", core.ErrQueryInvalid)
		}
		lo, err := bind(bounds[0])
		if err != nil {
			return Clause{}, err
		}
		hi, err := bind(bounds[1])
		if err != nil {
			return Clause{}, err
		}
		return Clause{Text: fmt.Sprintf("%s %s %s AND %s", field, tok.Text, lo, hi)}, nil

	case query.IsIn, query.IsNotIn:
		values, ok := asList(q.Value)
		if !ok {
			values = []any{q.Value}
		}
		if len(values) == 0 {
			if q.Op == query.IsIn {
				return Clause{Null: true}, nil
			}
			return Clause{}, nil
		}
		marks := make([]string, len(values))
		for i, v := range values {
			mark, err := bind(v)
			if err != nil {
				return Clause{}, err
			}
			marks[i] = mark
		}
		return Clause{Text: fmt.Sprintf("%s %s (%s)", field, tok.Text, strings.Join(marks, ", "))}, nil

	case query.Contains, query.DoesNotContain, query.Startswith, query.DoesNotStartwith, query.Endswith, query.DoesNotEndwith:
		text := fmt.Sprint(q.Value)
		if text == string(query.Undefined) {
			// Bound as is so the connection can short-circuit the statement.
			return Clause{Text: fmt.Sprintf("%s %s %s", field, tok.Text, io.Add(text))}, nil
		}
		mark := io.Add(likePattern(q.Op, text))
		if fold {
			mark = fmt.Sprintf(c.lowerFormat(), mark)
		}
		return Clause{Text: fmt.Sprintf("%s %s %s ESCAPE '%c'", field, tok.Text, mark, likeEscape)}, nil
	}

	mark, err := bind(q.Value)
	if err != nil {
		return Clause{}, err
	}
	return Clause{Text: fmt.Sprintf("%s %s %s", field, tok.Text, mark)}, nil
}

func (c *Compiler) lowerFormat() string {
	if format, ok := c.dialect.FuncToken(query.Lower); ok {
		return format
	}
	return "lower(%s)"
}

// operand renders the right hand side of a math step.
func (c *Compiler) operand(s *schema.Schema, alias string, col *schema.Column, v any, io *IO) (string, error) {
	if ref, ok := v.(*query.Query); ok {
		return c.columnRef(s, alias, ref)
	}
	stored, err := c.storeValue(col, v)
	if err != nil {
		return "", err
	}
	return io.Add(stored), nil
}

// columnRef renders another stored column of the same row.
func (c *Compiler) columnRef(s *schema.Schema, alias string, ref *query.Query) (string, error) {
	if ref.Table != "" && ref.Table != s.Name {
		return "", fmt.Errorf("%w: column %s.%s is not part of %s", core.ErrQueryInvalid, ref.Table, ref.Column, s.Name)
	}
	other, err := s.Column(ref.Column)
	if err != nil {
		return "", err
	}
	if !other.Stored() {
		return "", core.NewColumnError(core.ErrQueryInvalid, s.Name, other.Name, "virtual columns cannot be referenced")
	}
	table := alias
	if other.Translatable() != (alias == s.I18nTable()) {
		return "", core.NewColumnError(core.ErrQueryInvalid, s.Name, other.Name, "translated and untranslated columns cannot be compared")
	}
	field := c.Field(table, other.Field)
	for _, fn := range ref.Functions {
		format, ok := c.dialect.FuncToken(fn)
		if !ok {
			return "", fmt.Errorf("%w: function %s is not supported by %s", core.ErrQueryInvalid, fn, c.dialect.Name)
		}
		field = fmt.Sprintf(format, field)
	}
	return field, nil
}

// subquery renders "field IN (SELECT ...)" for a correlated sub-select
// produced by shortcut expansion.
func (c *Compiler) subquery(s *schema.Schema, field string, q *query.Query, sub *query.Subquery, ctx *query.Context, io *IO) (Clause, error) {
	if q.Op != query.IsIn && q.Op != query.IsNotIn {
		return Clause{}, fmt.Errorf("%w: a sub-select can only be used with IsIn or IsNotIn", core.ErrQueryInvalid)
	}
	target := s
	if sub.Schema != s.Name {
		related, err := s.Related(sub.Schema)
		if err != nil {
			return Clause{}, err
		}
		target = related
	}
	var col *schema.Column
	var err error
	if sub.Column == "" {
		col, err = target.PrimaryColumn()
	} else {
		col, err = target.Column(sub.Column)
	}
	if err != nil {
		return Clause{}, err
	}

	inner, err := c.where(target, sub.Where, ctx, io)
	if err != nil {
		return Clause{}, err
	}
	if inner.Null {
		if q.Op == query.IsNotIn {
			return Clause{}, nil
		}
		return Clause{Null: true}, nil
	}

	tok, ok := c.dialect.OpToken(q.Op, false)
	if !ok {
		return Clause{}, fmt.Errorf("%w: operator %s is not supported by %s", core.ErrQueryInvalid, q.Op, c.dialect.Name)
	}
	sel := fmt.Sprintf("SELECT %s FROM %s", c.Field(target.DBName, col.Field), c.Table(target, ctx))
	if inner.Text != "" {
		sel += " WHERE " + inner.Text
	}
	return Clause{Text: fmt.Sprintf("%s %s (%s)", field, tok.Text, sel)}, nil
}

func nullTest(field string, op query.Op, empty bool) (Clause, error) {
	switch op {
	case query.Is:
	case query.IsNot:
		empty = !empty
	default:
		return Clause{}, fmt.Errorf("%w: %s cannot be used with an emptiness test", core.ErrQueryInvalid, op)
	}
	if empty {
		return Clause{Text: field + " IS NULL"}, nil
	}
	return Clause{Text: field + " IS NOT NULL"}, nil
}

// likeEscape escapes the wildcards of user text inside LIKE patterns. It is
// not a backslash, which MySQL would also read as a string escape.
const likeEscape = '!'

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// likePattern wraps v in wildcards for op. Wildcards inside v match
// literally.
func likePattern(op query.Op, v string) string {
	v = likeEscaper.Replace(v)
	switch op {
	case query.Startswith, query.DoesNotStartwith:
		return v + "%"
	case query.Endswith, query.DoesNotEndwith:
		return "%" + v
	}
	return "%" + v + "%"
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if _, bytes := v.([]byte); bytes {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
