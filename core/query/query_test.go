package query

import (
	"testing"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyCompoundIdentity(t *testing.T) {
	q := New("age").GreaterThan(18)
	compound := New("a").Is(1).Or(New("b").Is(2))

	empties := []Node{nil, (*Query)(nil), &Query{}, &Compound{}, &Compound{Op: OpAnd, Children: []Node{&Query{}}}, New("x").Is(All)}

	for _, n := range []Node{q, compound} {
		for _, empty := range empties {
			assert.Same(t, n, n.And(empty))
			assert.Same(t, n, n.Or(empty))
			assert.Same(t, n, AllOf(empty, n))
			assert.Same(t, n, AnyOf(empty, n))
		}
	}

	assert.Nil(t, AllOf(nil, &Query{}))
}

func TestCompoundGrouping(t *testing.T) {
	a, b, c := New("a").Is(1), New("b").Is(2), New("c").Is(3)

	n := a.And(b).Or(c)
	outer, ok := n.(*Compound)
	require.True(t, ok)
	assert.Equal(t, OpOr, outer.Op)
	require.Len(t, outer.Children, 2)

	inner, ok := outer.Children[0].(*Compound)
	require.True(t, ok)
	assert.Equal(t, OpAnd, inner.Op)
	assert.Equal(t, []Node{a, b}, inner.Children)
	assert.Same(t, c, outer.Children[1])
}

func TestNegationInvolution(t *testing.T) {
	for op := range NegativeOps {
		t.Run(string(op), func(t *testing.T) {
			q := &Query{Column: "value", Op: op, Value: 7, Functions: []Func{Abs}}

			once, err := q.Negate()
			require.NoError(t, err)
			assert.NotEqual(t, op, once.(*Query).Op)

			twice, err := once.Negate()
			require.NoError(t, err)
			assert.Equal(t, q, twice)
			assert.NotSame(t, q, twice)
		})
	}
}

func TestNegate_Between(t *testing.T) {
	_, err := New("age").Between(1, 2).Negate()
	assert.ErrorIs(t, err, core.ErrQueryInvalid)

	_, err = New("a").Is(1).And(New("age").Between(1, 2)).Negate()
	assert.ErrorIs(t, err, core.ErrQueryInvalid)
}

func TestNegate_Compound(t *testing.T) {
	n := New("a").Is(1).And(New("b").LessThan(2))
	neg, err := n.Negate()
	require.NoError(t, err)

	c := neg.(*Compound)
	assert.Equal(t, OpOr, c.Op)
	assert.Equal(t, IsNot, c.Children[0].(*Query).Op)
	assert.Equal(t, GreaterThanOrEqual, c.Children[1].(*Query).Op)
}

func TestIsNull(t *testing.T) {
	null := New("id").IsIn()
	live := New("id").IsIn(1)

	assert.True(t, null.IsNull())
	assert.False(t, live.IsNull())
	assert.False(t, New("id").IsNotIn().IsNull())

	assert.True(t, null.And(live).IsNull())
	assert.False(t, null.Or(live).IsNull())
	assert.True(t, null.Or(New("x").IsIn()).IsNull())
}

func TestTables(t *testing.T) {
	assert.Empty(t, New("age").Is(1).Tables())
	assert.Equal(t, []string{"User"}, Field("User", "age").Is(1).Tables())
	assert.Equal(t, []string{".group"}, New("group.name").Is("x").Tables())

	n := Field("User", "age").Is(1).And(Field("Group", "name").Is("x"))
	assert.Equal(t, []string{"Group", "User"}, n.Tables())

	sub := New("id").IsIn(1)
	sub.Value = &Subquery{Schema: "Group", Column: "id", Where: New("name").Is("x")}
	assert.Equal(t, []string{"Group"}, sub.Tables())
}

func TestString(t *testing.T) {
	q := New("name").Lower().Is("bob")
	assert.Equal(t, "Lower(name) Is bob", q.String())

	c := New("a").Is(1).Or(New("b").Is(2)).(*Compound)
	assert.Equal(t, "(a Is 1 Or b Is 2)", c.String())
}
