package query

// The fluent methods below never modify their receiver; each returns a new
// Query so partially built predicates can be shared.

func (q *Query) with(op Op, value any) *Query {
	c := q.clone()
	c.Op = op
	c.Value = value
	return c
}

// Is matches values equal to v. A nil v matches nulls.
func (q *Query) Is(v any) *Query { return q.with(Is, v) }

// IsNot matches values different from v.
func (q *Query) IsNot(v any) *Query { return q.with(IsNot, v) }

// LessThan matches values below v.
func (q *Query) LessThan(v any) *Query { return q.with(LessThan, v) }

// LessThanOrEqual matches values at or below v.
func (q *Query) LessThanOrEqual(v any) *Query { return q.with(LessThanOrEqual, v) }

// GreaterThan matches values above v.
func (q *Query) GreaterThan(v any) *Query { return q.with(GreaterThan, v) }

// GreaterThanOrEqual matches values at or above v.
func (q *Query) GreaterThanOrEqual(v any) *Query { return q.with(GreaterThanOrEqual, v) }

// Before matches points in time earlier than v.
func (q *Query) Before(v any) *Query { return q.with(Before, v) }

// After matches points in time later than v.
func (q *Query) After(v any) *Query { return q.with(After, v) }

// Between matches values in the inclusive range [lo, hi].
func (q *Query) Between(lo, hi any) *Query { return q.with(Between, []any{lo, hi}) }

// Contains matches text containing v.
func (q *Query) Contains(v string) *Query { return q.with(Contains, v) }

// DoesNotContain matches text not containing v.
func (q *Query) DoesNotContain(v string) *Query { return q.with(DoesNotContain, v) }

// Startswith matches text beginning with v.
func (q *Query) Startswith(v string) *Query { return q.with(Startswith, v) }

// DoesNotStartwith matches text not beginning with v.
func (q *Query) DoesNotStartwith(v string) *Query { return q.with(DoesNotStartwith, v) }

// Endswith matches text ending with v.
func (q *Query) Endswith(v string) *Query { return q.with(Endswith, v) }

// DoesNotEndwith matches text not ending with v.
func (q *Query) DoesNotEndwith(v string) *Query { return q.with(DoesNotEndwith, v) }

// Matches matches text against a regular expression.
func (q *Query) Matches(pattern string) *Query { return q.with(Matches, pattern) }

// DoesNotMatch matches text that does not match a regular expression.
func (q *Query) DoesNotMatch(pattern string) *Query { return q.with(DoesNotMatch, pattern) }

// IsIn matches values contained in vs. An empty vs makes the query null.
func (q *Query) IsIn(vs ...any) *Query {
	if vs == nil {
		vs = []any{}
	}
	return q.with(IsIn, vs)
}

// IsNotIn matches values not contained in vs.
func (q *Query) IsNotIn(vs ...any) *Query {
	if vs == nil {
		vs = []any{}
	}
	return q.with(IsNotIn, vs)
}

// MatchCase toggles case-sensitive text comparison.
func (q *Query) MatchCase(on bool) *Query {
	c := q.clone()
	c.CaseSensitive = on
	return c
}

func (q *Query) apply(f Func) *Query {
	c := q.clone()
	c.Functions = append(c.Functions, f)
	return c
}

// Lower compares the lower-cased column.
func (q *Query) Lower() *Query { return q.apply(Lower) }

// Upper compares the upper-cased column.
func (q *Query) Upper() *Query { return q.apply(Upper) }

// Abs compares the absolute value of the column.
func (q *Query) Abs() *Query { return q.apply(Abs) }

// AsString compares the column cast to text.
func (q *Query) AsString() *Query { return q.apply(AsString) }

func (q *Query) math(op MathOp, v any) *Query {
	c := q.clone()
	c.Math = append(c.Math, MathStep{Op: op, Value: v})
	return c
}

// Plus adds v (a literal or another column's *Query) to the column.
func (q *Query) Plus(v any) *Query { return q.math(Add, v) }

// Minus subtracts v from the column.
func (q *Query) Minus(v any) *Query { return q.math(Subtract, v) }

// Times multiplies the column by v.
func (q *Query) Times(v any) *Query { return q.math(Multiply, v) }

// DividedBy divides the column by v.
func (q *Query) DividedBy(v any) *Query { return q.math(Divide, v) }

// BitAnd applies a bitwise and with v.
func (q *Query) BitAnd(v any) *Query { return q.math(MathAnd, v) }

// BitOr applies a bitwise or with v.
func (q *Query) BitOr(v any) *Query { return q.math(MathOr, v) }
