package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
)

// Node is either a leaf *Query or a *Compound.
type Node interface {
	// IsNull reports whether the node is statically unsatisfiable.
	IsNull() bool
	// Negate returns the logical complement of the node.
	Negate() (Node, error)
	// Tables returns the sorted, distinct table references in the node.
	Tables() []string
	// And combines the node with other; an empty other returns the node.
	And(other Node) Node
	// Or combines the node with other; an empty other returns the node.
	Or(other Node) Node
}

// Query is a leaf predicate: Column Op Value.
type Query struct {
	// Table optionally names the schema that owns Column.
	Table string
	// Column is a column name, field name, or dotted shortcut path.
	Column        string
	Op            Op
	Value         any
	CaseSensitive bool
	Math          []MathStep
	Functions     []Func
}

// New starts a predicate against column. Until a value is chosen it
// compares with Is against Undefined, so a bare column selects no rows.
func New(column string) *Query {
	return &Query{Column: column, Op: Is, Value: Undefined}
}

// Field starts a predicate against a column of a named table.
func Field(table, column string) *Query {
	return &Query{Table: table, Column: column, Op: Is, Value: Undefined}
}

func (q *Query) clone() *Query {
	c := *q
	c.Math = append([]MathStep(nil), q.Math...)
	c.Functions = append([]Func(nil), q.Functions...)
	return &c
}

// IsNull implements Node.
func (q *Query) IsNull() bool {
	if q == nil {
		return false
	}
	if q.Op == IsIn {
		if v := reflect.ValueOf(q.Value); q.Value != nil && (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) && v.Len() == 0 {
			return true
		}
	}
	return false
}

// Negate implements Node. Operators without a complement raise QueryInvalid.
func (q *Query) Negate() (Node, error) {
	neg, ok := NegativeOps[q.Op]
	if !ok {
		return nil, fmt.Errorf("%w: operator %s has no negation", core.ErrQueryInvalid, q.Op)
	}
	c := q.clone()
	c.Op = neg
	return c, nil
}

// Tables implements Node. A dotted column counts as a reference to the
// relation it traverses.
func (q *Query) Tables() []string {
	set := map[string]struct{}{}
	q.collectTables(set)
	return sortedKeys(set)
}

func (q *Query) collectTables(set map[string]struct{}) {
	if q.Table != "" {
		set[q.Table] = struct{}{}
	}
	if head, _, dotted := strings.Cut(q.Column, "."); dotted {
		set["."+head] = struct{}{}
	}
	switch v := q.Value.(type) {
	case *Query:
		v.collectTables(set)
	case *Subquery:
		set[v.Schema] = struct{}{}
		if v.Where != nil {
			for _, t := range v.Where.Tables() {
				set[t] = struct{}{}
			}
		}
	}
	for _, step := range q.Math {
		if ref, ok := step.Value.(*Query); ok {
			ref.collectTables(set)
		}
	}
}

// And implements Node.
func (q *Query) And(other Node) Node {
	return AllOf(q, other)
}

// Or implements Node.
func (q *Query) Or(other Node) Node {
	return AnyOf(q, other)
}

func (q *Query) String() string {
	var sb strings.Builder
	col := q.Column
	if q.Table != "" {
		col = q.Table + "." + col
	}
	for _, f := range q.Functions {
		col = fmt.Sprintf("%s(%s)", f, col)
	}
	sb.WriteString(col)
	for _, m := range q.Math {
		fmt.Fprintf(&sb, " %s %v", MathSymbols[m.Op], m.Value)
	}
	fmt.Fprintf(&sb, " %s %v", q.Op, q.Value)
	return sb.String()
}

// Compound joins child nodes with a logical operator.
type Compound struct {
	Op       LogicOp
	Children []Node
}

// IsNull implements Node. An And is null when any child is; an Or when every
// child is.
func (c *Compound) IsNull() bool {
	if c == nil || len(c.Children) == 0 {
		return false
	}
	for _, child := range c.Children {
		null := child.IsNull()
		if c.Op == OpAnd && null {
			return true
		}
		if c.Op == OpOr && !null {
			return false
		}
	}
	return c.Op == OpOr
}

// Negate implements Node using De Morgan's laws.
func (c *Compound) Negate() (Node, error) {
	op := OpOr
	if c.Op == OpOr {
		op = OpAnd
	}
	children := make([]Node, 0, len(c.Children))
	for _, child := range c.Children {
		neg, err := child.Negate()
		if err != nil {
			return nil, err
		}
		children = append(children, neg)
	}
	return &Compound{Op: op, Children: children}, nil
}

// Tables implements Node.
func (c *Compound) Tables() []string {
	set := map[string]struct{}{}
	for _, child := range c.Children {
		for _, t := range child.Tables() {
			set[t] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// And implements Node.
func (c *Compound) And(other Node) Node {
	return AllOf(c, other)
}

// Or implements Node.
func (c *Compound) Or(other Node) Node {
	return AnyOf(c, other)
}

func (c *Compound) String() string {
	parts := make([]string, 0, len(c.Children))
	for _, child := range c.Children {
		parts = append(parts, fmt.Sprint(child))
	}
	return "(" + strings.Join(parts, " "+string(c.Op)+" ") + ")"
}

// IsEmpty reports whether n carries no predicate at all: a nil node, a query
// without a column, or a compound whose children are all empty.
func IsEmpty(n Node) bool {
	switch v := n.(type) {
	case nil:
		return true
	case *Query:
		return v == nil || v.Column == "" || v.Value == All
	case *Compound:
		if v == nil {
			return true
		}
		for _, child := range v.Children {
			if !IsEmpty(child) {
				return false
			}
		}
		return true
	}
	return false
}

// HasUndefined reports whether any predicate of n compares against
// Undefined. Such a statement selects no rows. Column references are not
// predicates and are skipped.
func HasUndefined(n Node) bool {
	switch v := n.(type) {
	case *Query:
		if v == nil {
			return false
		}
		if sub, ok := v.Value.(*Subquery); ok {
			return HasUndefined(sub.Where)
		}
		if isUndefined(v.Value) {
			return true
		}
		if items, ok := v.Value.([]any); ok {
			for _, item := range items {
				if isUndefined(item) {
					return true
				}
			}
		}
	case *Compound:
		if v == nil {
			return false
		}
		for _, child := range v.Children {
			if HasUndefined(child) {
				return true
			}
		}
	}
	return false
}

func isUndefined(v any) bool {
	switch s := v.(type) {
	case Sentinel:
		return s == Undefined
	case string:
		return s == string(Undefined)
	}
	return false
}

// AllOf joins nodes with And. Empty nodes are dropped; a single survivor is
// returned unchanged.
func AllOf(nodes ...Node) Node {
	return combine(OpAnd, nodes)
}

// AnyOf joins nodes with Or. Empty nodes are dropped; a single survivor is
// returned unchanged.
func AnyOf(nodes ...Node) Node {
	return combine(OpOr, nodes)
}

func combine(op LogicOp, nodes []Node) Node {
	kept := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if !IsEmpty(n) {
			kept = append(kept, n)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &Compound{Op: op, Children: kept}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
