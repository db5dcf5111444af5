package query

import (
	"testing"
	"time"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		node Node
	}{
		{"leaf", Field("User", "age").GreaterThan(int64(18))},
		{"case sensitive", New("username").MatchCase(true).Is("Bob")},
		{"list", New("id").IsIn(int64(1), int64(2), "x")},
		{"float", New("score").LessThan(2.5)},
		{"time", New("created").After(when)},
		{"duration", New("expires").Before(90 * time.Second)},
		{"sentinel", New("email").Is(NotEmpty)},
		{"nil", New("email").Is(nil)},
		{"math", New("price").Times(int64(2)).Plus(New("tax")).Abs().GreaterThan(int64(10))},
		{"column value", New("start").LessThan(New("end"))},
		{"compound", New("a").Is(int64(1)).And(New("b").Is("x").Or(New("c").IsIn()))},
		{"subquery", &Query{Column: "group", Op: IsIn, Value: &Subquery{Schema: "Group", Column: "id", Where: New("name").Is("admins")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.node)
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.node, got)
		})
	}
}

func TestCodec_FromMap(t *testing.T) {
	n, err := FromMap(map[string]any{
		"type":    "compound",
		"op":      "Or",
		"queries": []any{
			map[string]any{"type": "query", "column": "age", "op": "GreaterThan", "value": 18},
			map[string]any{"type": "query", "column": "score", "op": "Is", "value": 1.5},
		},
	})
	require.NoError(t, err)

	c := n.(*Compound)
	assert.Equal(t, OpOr, c.Op)
	assert.Equal(t, int64(18), c.Children[0].(*Query).Value)
	assert.Equal(t, 1.5, c.Children[1].(*Query).Value)
}

func TestCodec_Errors(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"weird"}`))
	assert.ErrorIs(t, err, core.ErrQueryInvalid)

	_, err = Unmarshal([]byte(`{not json`))
	assert.ErrorIs(t, err, core.ErrQueryInvalid)

	n, err := Unmarshal([]byte(" null "))
	require.NoError(t, err)
	assert.Nil(t, n)
}
