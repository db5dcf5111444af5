// Package query defines the language-agnostic query expression tree. A Query
// is a leaf predicate against one column; a Compound joins child nodes with
// And or Or. Trees are built per call, compiled by a dialect, and discarded.
package query

import (
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Op is a comparison operator applied by a leaf Query.
type Op string

const (
	Is                 Op = "Is"
	IsNot              Op = "IsNot"
	LessThan           Op = "LessThan"
	LessThanOrEqual    Op = "LessThanOrEqual"
	Before             Op = "Before"
	GreaterThan        Op = "GreaterThan"
	GreaterThanOrEqual Op = "GreaterThanOrEqual"
	After              Op = "After"
	Between            Op = "Between"
	Contains           Op = "Contains"
	DoesNotContain     Op = "DoesNotContain"
	Startswith         Op = "Startswith"
	Endswith           Op = "Endswith"
	DoesNotStartwith   Op = "DoesNotStartwith"
	DoesNotEndwith     Op = "DoesNotEndwith"
	Matches            Op = "Matches"
	DoesNotMatch       Op = "DoesNotMatch"
	IsIn               Op = "IsIn"
	IsNotIn            Op = "IsNotIn"
)

// AllOps lists every comparison operator.
var AllOps = []Op{
	Is, IsNot, LessThan, LessThanOrEqual, Before, GreaterThan, GreaterThanOrEqual, After,
	Between, Contains, DoesNotContain, Startswith, Endswith, DoesNotStartwith, DoesNotEndwith,
	Matches, DoesNotMatch, IsIn, IsNotIn,
}

// NegativeOps maps each negatable operator to its logical complement.
// Between has no complement.
var NegativeOps = map[Op]Op{
	Is:                 IsNot,
	IsNot:              Is,
	LessThan:           GreaterThanOrEqual,
	GreaterThanOrEqual: LessThan,
	LessThanOrEqual:    GreaterThan,
	GreaterThan:        LessThanOrEqual,
	Before:             After,
	After:              Before,
	Contains:           DoesNotContain,
	DoesNotContain:     Contains,
	Startswith:         DoesNotStartwith,
	DoesNotStartwith:   Startswith,
	Endswith:           DoesNotEndwith,
	DoesNotEndwith:     Endswith,
	Matches:            DoesNotMatch,
	DoesNotMatch:       Matches,
	IsIn:               IsNotIn,
	IsNotIn:            IsIn,
}

// ColumnOps restricts the operators accepted by some column types. Types that
// are not listed accept every operator.
var ColumnOps = map[schema.ColumnType][]Op{
	schema.TypeBoolean:    {Is, IsNot},
	schema.TypeReference:  {Is, IsNot, IsIn, IsNotIn},
	schema.TypeDate:       {Is, IsNot, Before, After, Between, IsIn, IsNotIn},
	schema.TypeDatetime:   {Is, IsNot, Before, After, Between, IsIn, IsNotIn},
	schema.TypeDatetimeTZ: {Is, IsNot, Before, After, Between, IsIn, IsNotIn},
	schema.TypeTime:       {Is, IsNot, Before, After, Between, IsIn, IsNotIn},
}

// Allows reports whether a column of type t accepts op.
func Allows(t schema.ColumnType, op Op) bool {
	ops, restricted := ColumnOps[t]
	if !restricted {
		return true
	}
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// MathOp is an arithmetic or bitwise transform applied to a column before
// comparison.
type MathOp string

const (
	Add      MathOp = "Add"
	Subtract MathOp = "Subtract"
	Multiply MathOp = "Multiply"
	Divide   MathOp = "Divide"
	MathAnd  MathOp = "And"
	MathOr   MathOp = "Or"
)

// MathSymbols are the default renderings of each MathOp.
var MathSymbols = map[MathOp]string{
	Add:      "+",
	Subtract: "-",
	Multiply: "*",
	Divide:   "/",
	MathAnd:  "&",
	MathOr:   "|",
}

// Func is a scalar function wrapped around a column.
type Func string

const (
	Lower    Func = "Lower"
	Upper    Func = "Upper"
	Abs      Func = "Abs"
	AsString Func = "AsString"
)

// LogicOp joins the children of a Compound.
type LogicOp string

const (
	OpAnd LogicOp = "And"
	OpOr  LogicOp = "Or"
)

// Sentinel values carry special meaning when used as a Query value.
type Sentinel string

const (
	// Undefined short-circuits a whole statement to "no rows".
	Undefined Sentinel = "__QUERY__UNDEFINED__"
	// NotEmpty matches any non-null value.
	NotEmpty Sentinel = "__QUERY__NOT_EMPTY__"
	// Empty matches null values.
	Empty Sentinel = "__QUERY__EMPTY__"
	// All disables the predicate.
	All Sentinel = "__QUERY__ALL__"
)

// MathStep is one transform of a Query's column. Value may be a literal or a
// *Query naming another column.
type MathStep struct {
	Op    MathOp
	Value any
}

// Subquery is a correlated sub-select produced by shortcut expansion. It
// selects Column from Schema where Where holds.
type Subquery struct {
	Schema string
	Column string
	Where  Node
}
