// Package dialecttest holds the schemas and renderers shared by the golden
// tests of the concrete dialects.
package dialecttest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// Schemas returns a registered User schema and the Group it references.
func Schemas(t testing.TB) (user, group *schema.Schema) {
	t.Helper()
	group = schema.NewSchema("Group").
		Primary("id").
		Column("name", schema.TypeString, schema.Flags(schema.FlagRequired|schema.FlagUnique)).
		MustBuild()
	user = schema.NewSchema("User").
		Primary("id").
		Column("email", schema.TypeString, schema.MaxLength(128), schema.Flags(schema.FlagRequired|schema.FlagUnique)).
		Column("nickname", schema.TypeString, schema.MaxLength(32), schema.Flags(schema.FlagIndexed)).
		Column("group", schema.TypeReference, schema.References("Group")).
		Column("balance", schema.TypeDecimal, schema.Precision(12, 4)).
		Column("bio", schema.TypeText, schema.Flags(schema.FlagI18n)).
		Column("created", schema.TypeDatetime).
		Column("active", schema.TypeBoolean, schema.Default(true)).
		Index("by_email", true, "email").
		MustBuild()
	require.NoError(t, schema.NewRegistry().Register(group, user))
	return user, group
}

// WhereCase is a named predicate rendered by every dialect.
type WhereCase struct {
	Name string
	Node query.Node
}

// WhereCases covers the operators whose rendering differs between dialects.
func WhereCases() []WhereCase {
	return []WhereCase{
		{"is", query.New("email").Is("Bob")},
		{"is case sensitive", query.New("email").Is("Bob").MatchCase(true)},
		{"contains", query.New("email").Contains("bob")},
		{"contains case sensitive", query.New("email").Contains("Bob").MatchCase(true)},
		{"matches", query.New("nickname").Matches("^b.*")},
		{"in", query.New("id").IsIn(1, 2, 3)},
		{"string concat", query.New("nickname").Plus("x").Is("beex")},
		{"as string", query.New("balance").AsString().Startswith("12")},
		{"translated", query.New("bio").Is("hi")},
	}
}

// Render writes the commands of outcomes one after another, each followed by
// its bound arguments.
func Render(outcomes ...dialect.Outcome) []byte {
	var sb strings.Builder
	for _, out := range outcomes {
		if out.Empty {
			sb.WriteString("-- empty\n\n")
			continue
		}
		for _, cmd := range out.Commands {
			sb.WriteString(cmd.Text)
			sb.WriteString(";\n")
			if len(cmd.Args) > 0 {
				fmt.Fprintf(&sb, "-- args: %v\n", cmd.Args)
			}
			sb.WriteString("\n")
		}
	}
	return []byte(sb.String())
}

// RenderWhere compiles every case of WhereCases against s.
func RenderWhere(t testing.TB, c *dialect.Compiler, s *schema.Schema) []byte {
	t.Helper()
	var sb strings.Builder
	for _, tc := range WhereCases() {
		io := dialect.NewIO(c.Dialect())
		clause, err := c.Where(s, tc.Node, nil, io)
		require.NoError(t, err, tc.Name)
		fmt.Fprintf(&sb, "-- %s\n%s\n", tc.Name, clause.Text)
		if io.Len() > 0 {
			fmt.Fprintf(&sb, "-- args: %v\n", io.Args())
		}
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

// Golden returns the fixture checker rooted at testdata/golden.
func Golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// Lookup is the paged, ordered, filtered read rendered by every dialect.
func Lookup() *query.Lookup {
	return &query.Lookup{
		Where: query.AllOf(
			query.New("email").Contains("Bob"),
			query.New("bio").Startswith("Hi"),
			query.New("balance").GreaterThan(10),
		),
		Order:  []query.Order{query.Desc("created")},
		Limit:  10,
		Offset: 20,
	}
}

// Records are inserted by the golden insert tests. Only the first carries a
// translation.
func Records() []schema.Document {
	return []schema.Document{
		{"email": "a@x.io", "bio": "hi"},
		{"email": "b@x.io", "nickname": "bee"},
	}
}
