package query

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/schema"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

// Processor evaluates lookups against records held in memory. The record
// cache uses it to answer simple queries from a preloaded table.
type Processor struct {
	logger *zap.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{logger: logger}
}

// Apply runs a lookup over rows: filter, sort, project, de-duplicate, then
// offset and limit. The input slice is not modified.
func (p *Processor) Apply(rows []schema.Document, lookup *Lookup) ([]schema.Document, error) {
	if lookup == nil {
		lookup = &Lookup{}
	}

	out := make([]schema.Document, 0, len(rows))
	if HasUndefined(lookup.Where) {
		return out, nil
	}
	for _, row := range rows {
		ok, err := p.Match(row, lookup.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}

	if len(lookup.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return orderLess(out[i], out[j], lookup.Order)
		})
	}

	if len(lookup.Columns) > 0 {
		projected := make([]schema.Document, len(out))
		for i, row := range out {
			doc := make(schema.Document, len(lookup.Columns))
			for _, col := range lookup.Columns {
				doc[col] = row[col]
			}
			projected[i] = doc
		}
		out = projected
	}

	if lookup.Distinct {
		out = distinct(out)
	}

	if lookup.Offset > 0 {
		if lookup.Offset >= len(out) {
			out = out[:0]
		} else {
			out = out[lookup.Offset:]
		}
	}
	if lookup.Limit > 0 && lookup.Limit < len(out) {
		out = out[:lookup.Limit]
	}

	p.logger.Debug("Applied lookup in memory", zap.Int("input", len(rows)), zap.Int("output", len(out)))
	return out, nil
}

func orderLess(a, b schema.Document, order []Order) bool {
	for _, o := range order {
		c, ok := Compare(a[o.Column], b[o.Column])
		if !ok || c == 0 {
			continue
		}
		if o.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

func distinct(rows []schema.Document) []schema.Document {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s=%#v;", k, row[k])
		}
		if _, dup := seen[sb.String()]; dup {
			continue
		}
		seen[sb.String()] = struct{}{}
		out = append(out, row)
	}
	return out
}

// Match reports whether row satisfies n. An empty node matches everything.
func (p *Processor) Match(row schema.Document, n Node) (bool, error) {
	if IsEmpty(n) {
		return true, nil
	}
	switch v := n.(type) {
	case *Query:
		return p.matchQuery(row, v)
	case *Compound:
		if v.Op == OpOr {
			matchedAny := false
			for _, child := range v.Children {
				if IsEmpty(child) {
					continue
				}
				ok, err := p.Match(row, child)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
				matchedAny = true
			}
			return !matchedAny, nil
		}
		for _, child := range v.Children {
			ok, err := p.Match(row, child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: cannot evaluate %T in memory", core.ErrQueryInvalid, n)
}

func (p *Processor) matchQuery(row schema.Document, q *Query) (bool, error) {
	if q.IsNull() {
		return false, nil
	}
	value, err := p.columnValue(row, q)
	if err != nil {
		return false, err
	}

	target := q.Value
	if ref, ok := target.(*Query); ok {
		if target, err = p.columnValue(row, ref); err != nil {
			return false, err
		}
	}
	if _, ok := target.(*Subquery); ok {
		return false, fmt.Errorf("%w: sub-selects cannot be evaluated in memory", core.ErrQueryInvalid)
	}

	if q.Op == IsNotIn {
		if items, ok := toSlice(target); ok && len(items) == 0 {
			return true, nil
		}
	}

	// Null tests mirror IS NULL and IS NOT NULL.
	switch target {
	case nil, Empty, NotEmpty:
		if _, ref := q.Value.(*Query); !ref {
			return nullTest(q.Op, value, target != NotEmpty)
		}
	case Undefined:
		return false, nil
	}
	// Any other comparison against null is unknown, which never matches.
	if value == nil || target == nil {
		return false, nil
	}

	fold := !q.CaseSensitive
	switch q.Op {
	case Is:
		return p.is(value, target, fold), nil
	case IsNot:
		return !p.is(value, target, fold), nil
	case LessThan, Before:
		c, ok := p.compare(value, target, fold)
		return ok && c < 0, nil
	case LessThanOrEqual:
		c, ok := p.compare(value, target, fold)
		return ok && c <= 0, nil
	case GreaterThan, After:
		c, ok := p.compare(value, target, fold)
		return ok && c > 0, nil
	case GreaterThanOrEqual:
		c, ok := p.compare(value, target, fold)
		return ok && c >= 0, nil
	case Between:
		bounds, ok := toSlice(target)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("%w: between expects two bounds", core.ErrQueryInvalid)
		}
		if bounds[0] == nil || bounds[1] == nil {
			return false, nil
		}
		lo, okLo := p.compare(value, bounds[0], fold)
		hi, okHi := p.compare(value, bounds[1], fold)
		return okLo && okHi && lo >= 0 && hi <= 0, nil
	case Contains, DoesNotContain, Startswith, DoesNotStartwith, Endswith, DoesNotEndwith:
		return p.matchText(q.Op, value, target, fold), nil
	case Matches, DoesNotMatch:
		s := fmt.Sprint(value)
		pattern := fmt.Sprint(target)
		if fold {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: %w", core.ErrQueryInvalid, err)
		}
		return re.MatchString(s) == (q.Op == Matches), nil
	case IsIn, IsNotIn:
		items, ok := toSlice(target)
		if !ok {
			items = []any{target}
		}
		found := false
		for _, item := range items {
			if item == nil && q.Op == IsNotIn {
				return false, nil
			}
			if p.is(value, item, fold) {
				found = true
				break
			}
		}
		return found == (q.Op == IsIn), nil
	}
	return false, fmt.Errorf("%w: unsupported operator %s", core.ErrQueryInvalid, q.Op)
}

// columnValue reads the query's column from row and applies its math steps
// and functions.
func (p *Processor) columnValue(row schema.Document, q *Query) (any, error) {
	if strings.Contains(q.Column, ".") {
		return nil, fmt.Errorf("%w: shortcut %s must be expanded before evaluation", core.ErrQueryInvalid, q.Column)
	}
	value := row[q.Column]

	for _, step := range q.Math {
		operand := step.Value
		if ref, ok := operand.(*Query); ok {
			var err error
			if operand, err = p.columnValue(row, ref); err != nil {
				return nil, err
			}
		}
		var err error
		if value, err = applyMath(step.Op, value, operand); err != nil {
			return nil, err
		}
	}

	for _, f := range q.Functions {
		switch f {
		case Lower:
			if s, ok := value.(string); ok {
				value = strings.ToLower(s)
			}
		case Upper:
			if s, ok := value.(string); ok {
				value = strings.ToUpper(s)
			}
		case Abs:
			if n, ok := ToFloat64(value); ok {
				value = math.Abs(n)
			}
		case AsString:
			if value != nil {
				value = fmt.Sprint(value)
			}
		}
	}
	return value, nil
}

func applyMath(op MathOp, a, b any) (any, error) {
	if sa, ok := a.(string); ok && op == Add {
		return sa + fmt.Sprint(b), nil
	}
	fa, okA := ToFloat64(a)
	fb, okB := ToFloat64(b)
	if !okA || !okB {
		return nil, fmt.Errorf("%w: cannot apply %s to %T and %T", core.ErrQueryInvalid, op, a, b)
	}
	switch op {
	case Add:
		return fa + fb, nil
	case Subtract:
		return fa - fb, nil
	case Multiply:
		return fa * fb, nil
	case Divide:
		if fb == 0 {
			return nil, nil
		}
		return fa / fb, nil
	case MathAnd:
		return float64(int64(fa) & int64(fb)), nil
	case MathOr:
		return float64(int64(fa) | int64(fb)), nil
	}
	return nil, fmt.Errorf("%w: unknown math operator %s", core.ErrQueryInvalid, op)
}

// nullTest evaluates Is and IsNot against nil, Empty or NotEmpty.
func nullTest(op Op, value any, empty bool) (bool, error) {
	switch op {
	case Is, Matches:
	case IsNot, DoesNotMatch:
		empty = !empty
	default:
		return false, fmt.Errorf("%w: %s cannot be used with an emptiness test", core.ErrQueryInvalid, op)
	}
	return (value == nil) == empty, nil
}

func (p *Processor) is(value, target any, fold bool) bool {
	if value == nil || target == nil {
		return false
	}
	c, ok := p.compare(value, target, fold)
	return ok && c == 0
}

func (p *Processor) compare(a, b any, fold bool) (int, bool) {
	if fold {
		if sa, ok := a.(string); ok {
			if sb, ok := b.(string); ok {
				caser := cases.Fold()
				return strings.Compare(caser.String(sa), caser.String(sb)), true
			}
		}
	}
	return Compare(a, b)
}

func (p *Processor) matchText(op Op, value, target any, fold bool) bool {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	needle := fmt.Sprint(target)
	if fold {
		caser := cases.Fold()
		s = caser.String(s)
		needle = caser.String(needle)
	}
	switch op {
	case Contains:
		return strings.Contains(s, needle)
	case DoesNotContain:
		return !strings.Contains(s, needle)
	case Startswith:
		return strings.HasPrefix(s, needle)
	case DoesNotStartwith:
		return !strings.HasPrefix(s, needle)
	case Endswith:
		return strings.HasSuffix(s, needle)
	case DoesNotEndwith:
		return !strings.HasSuffix(s, needle)
	}
	return false
}
