package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/cache"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	exec  *Executor
	user  *schema.Schema
	group *schema.Schema
}

func testSchemas(t *testing.T) (user, group *schema.Schema) {
	t.Helper()
	group = schema.NewSchema("Group").
		Primary("id").
		Column("name", schema.TypeString, schema.MaxLength(64), schema.Flags(schema.FlagRequired|schema.FlagUnique)).
		Preload().
		MustBuild()
	user = schema.NewSchema("User").
		Primary("id").
		Column("username", schema.TypeString, schema.MaxLength(64), schema.Flags(schema.FlagRequired|schema.FlagUnique)).
		Column("group", schema.TypeReference, schema.References("Group")).
		Column("bio", schema.TypeText, schema.Flags(schema.FlagI18n)).
		Column("active", schema.TypeBoolean, schema.Default(true)).
		MustBuild()
	require.NoError(t, schema.NewRegistry().Register(group, user))
	return user, group
}

func newFixture(t *testing.T, cached bool) *fixture {
	t.Helper()
	conn := newConnection(t, testConfig(t))

	var records *cache.RecordCache
	if cached {
		backend, err := cache.NewMemoryBackend(100)
		require.NoError(t, err)
		records = cache.NewRecordCache(backend, config.Cache{}, conn.Config().Identity(), zaptest.NewLogger(t))
	}
	exec := NewExecutor(conn, records, zaptest.NewLogger(t))

	user, group := testSchemas(t)
	ctx := context.Background()
	for _, s := range []*schema.Schema{group, user} {
		require.NoError(t, exec.CreateTable(ctx, s, dialect.DefaultTableOptions(), nil))
	}
	return &fixture{exec: exec, user: user, group: group}
}

func (f *fixture) insertUsers(t *testing.T, names ...string) []any {
	t.Helper()
	records := make([]schema.Document, len(names))
	for i, name := range names {
		records[i] = schema.Document{"username": name}
	}
	keys, err := f.exec.Insert(context.Background(), f.user, records, nil)
	require.NoError(t, err)
	require.Len(t, keys, len(names))
	return keys
}

func usernames(rows []schema.Document) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["username"])
	}
	return out
}

func TestExecutor_OrAnd(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.insertUsers(t, "bob", "sally")

	either := query.New("username").Is("bob").Or(query.New("username").Is("sally"))
	rows, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: either, Order: []query.Order{query.Asc("username")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"bob", "sally"}, usernames(rows))
	count, err := f.exec.Count(ctx, f.user, &query.Lookup{Where: either}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	both := query.New("username").Is("bob").And(query.New("username").Is("sally"))
	rows, err = f.exec.Select(ctx, f.user, &query.Lookup{Where: both}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	count, err = f.exec.Count(ctx, f.user, &query.Lookup{Where: both}, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestExecutor_Select(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	keys := f.insertUsers(t, "bob", "sally", "Bobby")

	rows, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("id").Is(keys[0])}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0]["username"])
	assert.Equal(t, true, rows[0]["active"], "defaults are written and restored")

	rows, err = f.exec.Select(ctx, f.user, &query.Lookup{
		Columns: []string{"username"},
		Where:   query.New("username").Startswith("bob"),
		Order:   []query.Order{query.Desc("username")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []schema.Document{{"username": "bob"}, {"username": "Bobby"}}, rows)

	rows, err = f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("username").Startswith("Bob").MatchCase(true)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"Bobby"}, usernames(rows))

	rows, err = f.exec.Select(ctx, f.user, &query.Lookup{Order: []query.Order{query.Asc("id")}, Limit: 1, Offset: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"sally"}, usernames(rows))

	t.Run("statically empty", func(t *testing.T) {
		rows, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("id").IsIn()}, nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
		count, err := f.exec.Count(ctx, f.user, &query.Lookup{Where: query.New("id").IsIn()}, nil)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("undefined", func(t *testing.T) {
		rows, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("username").Is(query.Undefined)}, nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("nope").Is(1)}, nil)
		assert.ErrorIs(t, err, core.ErrColumnNotFound)
		assert.True(t, core.IsCompileError(err))
	})
}

func TestExecutor_DuplicateEntry(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.insertUsers(t, "bob")

	_, err := f.exec.Insert(ctx, f.user, []schema.Document{{"username": "bob"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateEntry)
	assert.False(t, core.IsRetryable(err))

	// The failed insert was rolled back and the connection is usable.
	f.insertUsers(t, "carol")
	count, err := f.exec.Count(ctx, f.user, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestExecutor_InsertValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.exec.Insert(ctx, f.user, []schema.Document{{"active": true}}, nil)
	assert.ErrorIs(t, err, core.ErrColumnRequired)

	_, err = f.exec.Insert(ctx, f.user, []schema.Document{{"username": 12}}, nil)
	assert.ErrorIs(t, err, core.ErrColumnValidation)

	_, err = f.exec.Insert(ctx, f.user, []schema.Document{{"username": "bob", "age": 3}}, nil)
	assert.ErrorIs(t, err, core.ErrColumnNotFound)

	keys, err := f.exec.Insert(ctx, f.user, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExecutor_Batches(t *testing.T) {
	f := newFixture(t, false)
	f.exec.Connection().Compiler().SetBatchSize(2)
	keys := f.insertUsers(t, "a", "b", "c", "d", "e")
	assert.Len(t, keys, 5)

	count, err := f.exec.Count(context.Background(), f.user, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)
}

func TestExecutor_Translations(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	keys, err := f.exec.Insert(ctx, f.user, []schema.Document{
		{"username": "bob", "bio": map[string]any{"en_US": "hello", "fr_FR": "bonjour"}},
		{"username": "sally", "bio": "hi"},
	}, nil)
	require.NoError(t, err)

	byLocale := func(locale string) []any {
		rows, err := f.exec.Select(ctx, f.user, &query.Lookup{
			Columns: []string{"username", "bio"},
			Order:   []query.Order{query.Asc("username")},
		}, &query.Context{Locale: locale})
		require.NoError(t, err)
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, row["bio"])
		}
		return out
	}
	assert.Equal(t, []any{"hello", "hi"}, byLocale(""))
	assert.Equal(t, []any{"bonjour", nil}, byLocale("fr_FR"))
	assert.Equal(t, []any{
		map[string]any{"en_US": "hello", "fr_FR": "bonjour"},
		map[string]any{"en_US": "hi"},
	}, byLocale(query.AllLocales))

	rows, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("bio").Is("bonjour")}, &query.Context{Locale: "fr_FR"})
	require.NoError(t, err)
	assert.Equal(t, []any{"bob"}, usernames(rows))

	n, err := f.exec.Update(ctx, f.user, []dialect.Change{{
		Values:  schema.Document{"id": keys[1], "bio": "salut"},
		Columns: []string{"bio"},
	}}, &query.Context{Locale: "fr_FR"})
	require.NoError(t, err)
	assert.Zero(t, n, "only translations changed")
	assert.Equal(t, []any{"bonjour", "salut"}, byLocale("fr_FR"))
	assert.Equal(t, []any{"hello", "hi"}, byLocale(""))
}

func TestExecutor_Update(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	keys := f.insertUsers(t, "bob", "sally")

	n, err := f.exec.Update(ctx, f.user, []dialect.Change{{
		Values:  schema.Document{"id": keys[0], "username": "robert", "bio": "hey"},
		Columns: []string{"username", "bio"},
	}}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := f.exec.Select(ctx, f.user, &query.Lookup{Where: query.New("id").Is(keys[0])}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "robert", rows[0]["username"])
	assert.Equal(t, "hey", rows[0]["bio"])

	n, err = f.exec.UpdateWhere(ctx, f.user, schema.Document{"active": false}, query.New("username").Is("sally"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	count, err := f.exec.Count(ctx, f.user, &query.Lookup{Where: query.New("active").Is(false)}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, err = f.exec.UpdateWhere(ctx, f.user, schema.Document{"active": true}, nil, nil)
	assert.ErrorIs(t, err, core.ErrQueryInvalid)

	_, err = f.exec.Update(ctx, f.user, []dialect.Change{{
		Values:  schema.Document{"id": keys[0], "username": "sally"},
		Columns: []string{"username"},
	}}, nil)
	assert.ErrorIs(t, err, core.ErrDuplicateEntry)
}

func TestExecutor_Delete(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.insertUsers(t, "bob", "sally", "carol")

	n, err := f.exec.Delete(ctx, f.user, query.New("username").Is("bob"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.exec.Delete(ctx, f.user, nil, nil)
	assert.ErrorIs(t, err, core.ErrQueryInvalid)

	n, err = f.exec.Delete(ctx, f.user, nil, &query.Context{Force: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	t.Run("referenced", func(t *testing.T) {
		groups, err := f.exec.Insert(ctx, f.group, []schema.Document{{"name": "admins"}}, nil)
		require.NoError(t, err)
		_, err = f.exec.Insert(ctx, f.user, []schema.Document{{"username": "dave", "group": groups[0]}}, nil)
		require.NoError(t, err)

		_, err = f.exec.Delete(ctx, f.group, query.New("id").Is(groups[0]), nil)
		assert.ErrorIs(t, err, core.ErrCannotDelete)
		assert.ErrorContains(t, err, dialect.CannotDeleteMessage)
	})
}

func TestExecutor_Distinct(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.exec.Insert(ctx, f.user, []schema.Document{
		{"username": "sally", "active": true},
		{"username": "bob", "active": false},
		{"username": "carol", "active": true},
	}, nil)
	require.NoError(t, err)

	got, err := f.exec.Distinct(ctx, f.user, []string{"active", "username"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{false, true}, got["active"])
	assert.Equal(t, []any{"bob", "carol", "sally"}, got["username"])

	got, err = f.exec.Distinct(ctx, f.user, []string{"username"}, &query.Lookup{Where: query.New("active").Is(true)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"carol", "sally"}, got["username"])

	count, err := f.exec.Count(ctx, f.user, &query.Lookup{Columns: []string{"active"}, Distinct: true}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	_, err = f.exec.Distinct(ctx, f.user, []string{"nope"}, nil, nil)
	assert.ErrorIs(t, err, core.ErrColumnNotFound)
}

func TestExecutor_UpdateTable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	v1 := schema.NewSchema("Note").
		Primary("id").
		Column("title", schema.TypeString).
		MustBuild()
	v2 := schema.NewSchema("Note").
		Primary("id").
		Column("title", schema.TypeString).
		Column("body", schema.TypeText).
		Column("summary", schema.TypeString, schema.Flags(schema.FlagI18n)).
		MustBuild()

	exists, err := f.exec.TableExists(ctx, "note", nil)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, f.exec.UpdateTable(ctx, v1, nil))
	exists, err = f.exec.TableExists(ctx, "note", nil)
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = f.exec.Insert(ctx, v1, []schema.Document{{"title": "first"}}, nil)
	require.NoError(t, err)

	require.NoError(t, f.exec.UpdateTable(ctx, v2, nil))
	columns, err := f.exec.TableColumns(ctx, "note", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "body"}, columns)
	columns, err = f.exec.TableColumns(ctx, "note_i18n", nil)
	require.NoError(t, err)
	assert.Contains(t, columns, "summary")

	// Nothing left to add.
	require.NoError(t, f.exec.UpdateTable(ctx, v2, nil))

	_, err = f.exec.Insert(ctx, v2, []schema.Document{{"title": "second", "body": "text", "summary": "short"}}, nil)
	require.NoError(t, err)
	rows, err := f.exec.Select(ctx, v2, &query.Lookup{Order: []query.Order{query.Asc("id")}}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0]["title"])
	assert.Nil(t, rows[0]["summary"])
	assert.Equal(t, "short", rows[1]["summary"])

	t.Run("index", func(t *testing.T) {
		indexed := schema.NewSchema("Note").
			Primary("id").
			Column("title", schema.TypeString).
			Index("by_title", false, "title").
			MustBuild()
		require.NoError(t, f.exec.CreateIndex(ctx, indexed.Indexes()[0], nil))
		info, err := f.exec.SchemaInfo(ctx, nil)
		require.NoError(t, err)
		for _, table := range info {
			if table.Name == "note" {
				assert.Contains(t, table.Indexes, "note_by_title_idx")
				return
			}
		}
		t.Fatal("note is missing from the schema info")
	})
}

func TestExecutor_SchemaInfo(t *testing.T) {
	f := newFixture(t, false)

	info, err := f.exec.SchemaInfo(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, info, 2)
	assert.Equal(t, "group", info[0].Name)
	assert.Equal(t, []string{"id", "name"}, info[0].Fields)
	assert.Equal(t, "user", info[1].Name)
	assert.Subset(t, info[1].Fields, []string{"id", "username", "group_id", "active", "bio"})
}

func TestExecutor_CacheCoherence(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	invalidated := make(chan Event, 8)
	f.exec.Connection().Subscribe(EventCacheInvalidated, func(_ context.Context, e Event) error {
		invalidated <- e
		return nil
	})

	all := func() []schema.Document {
		rows, err := f.exec.Select(ctx, f.group, &query.Lookup{Order: []query.Order{query.Asc("name")}}, nil)
		require.NoError(t, err)
		return rows
	}
	assert.Empty(t, all())

	_, err := f.exec.Insert(ctx, f.group, []schema.Document{{"name": "admins"}, {"name": "staff"}}, nil)
	require.NoError(t, err)
	select {
	case e := <-invalidated:
		assert.Equal(t, "Group", e.Table)
	case <-time.After(time.Second):
		t.Fatal("no invalidation event")
	}
	assert.Len(t, all(), 2)

	// Answered from the preloaded table.
	rows, err := f.exec.Select(ctx, f.group, &query.Lookup{Where: query.New("name").Is("STAFF")}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "staff", rows[0]["name"])

	_, err = f.exec.UpdateWhere(ctx, f.group, schema.Document{"name": "crew"}, query.New("name").Is("staff"), nil)
	require.NoError(t, err)
	rows, err = f.exec.Select(ctx, f.group, &query.Lookup{Where: query.New("name").Is("STAFF")}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.exec.Delete(ctx, f.group, query.New("name").Is("crew"), nil)
	require.NoError(t, err)
	assert.Len(t, all(), 1)

	t.Run("warm", func(t *testing.T) {
		require.NoError(t, f.exec.Cache().Clear(ctx))
		require.NoError(t, f.exec.Warm(ctx, []*schema.Schema{f.group, f.user}))
		rows, ok := f.exec.Cache().Table(f.group).Preloaded(ctx, nil)
		assert.True(t, ok)
		assert.Len(t, rows, 1)
	})
}

func TestExecutor_PreloadAgreesWithDatabase(t *testing.T) {
	ctx := context.Background()
	conn := newConnection(t, testConfig(t))

	backend, err := cache.NewMemoryBackend(100)
	require.NoError(t, err)
	records := cache.NewRecordCache(backend, config.Cache{}, conn.Config().Identity(), zaptest.NewLogger(t))
	cached := NewExecutor(conn, records, zaptest.NewLogger(t))
	direct := NewExecutor(conn, nil, zaptest.NewLogger(t))

	tag := schema.NewSchema("Tag").
		Primary("id").
		Column("name", schema.TypeString, schema.MaxLength(32), schema.Flags(schema.FlagRequired)).
		Column("note", schema.TypeString, schema.MaxLength(32)).
		Column("rank", schema.TypeInteger).
		Preload().
		MustBuild()
	require.NoError(t, schema.NewRegistry().Register(tag))
	require.NoError(t, cached.CreateTable(ctx, tag, dialect.DefaultTableOptions(), nil))

	_, err = cached.Insert(ctx, tag, []schema.Document{
		{"name": "a", "note": "x", "rank": 5},
		{"name": "b"},
		{"name": "c", "note": "50%_off", "rank": 20},
		{"name": "d", "note": "500 off", "rank": 30},
	}, nil)
	require.NoError(t, err)

	names := func(rows []schema.Document) []any {
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, row["name"])
		}
		return out
	}

	tests := []struct {
		name     string
		where    query.Node
		expected []any
	}{
		{"is not", query.New("note").IsNot("x"), []any{"c", "d"}},
		{"less than", query.New("rank").LessThan(10), []any{"a"}},
		{"greater than or equal", query.New("rank").GreaterThanOrEqual(5), []any{"a", "c", "d"}},
		{"does not contain", query.New("note").DoesNotContain("x"), []any{"c", "d"}},
		{"is not in", query.New("note").IsNotIn("x"), []any{"c", "d"}},
		{"is null", query.New("note").Is(nil), []any{"b"}},
		{"is not null", query.New("note").IsNot(nil), []any{"a", "c", "d"}},
		{"wildcards are literal", query.New("note").Contains("0%_"), []any{"c"}},
		{"bare column", query.New("note"), []any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := &query.Lookup{Where: tt.where, Order: []query.Order{query.Asc("name")}}

			fromDB, err := direct.Select(ctx, tag, lookup, nil)
			require.NoError(t, err)
			fromCache, err := cached.Select(ctx, tag, lookup, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.expected, names(fromDB))
			assert.Equal(t, names(fromDB), names(fromCache))
		})
	}

	_, ok := records.Table(tag).Preloaded(ctx, nil)
	assert.True(t, ok, "lookups were answered from the preloaded table")
}
