package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/dialect/dialecttest"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newCompiler(t *testing.T) *dialect.Compiler {
	d, err := dialect.Lookup(Name)
	require.NoError(t, err)
	return dialect.NewCompiler(d, nil, zaptest.NewLogger(t))
}

func TestSQLite_Golden(t *testing.T) {
	user, _ := dialecttest.Schemas(t)
	c := newCompiler(t)
	g := dialecttest.Golden(t)

	t.Run("create_table", func(t *testing.T) {
		out, err := c.CreateTable(user, dialect.DefaultTableOptions(), nil)
		require.NoError(t, err)
		g.Assert(t, "create_table", dialecttest.Render(out))
	})

	t.Run("where", func(t *testing.T) {
		g.Assert(t, "where", dialecttest.RenderWhere(t, c, user))
	})

	t.Run("select", func(t *testing.T) {
		sel, err := c.Select(user, dialecttest.Lookup(), nil)
		require.NoError(t, err)
		count, err := c.SelectCount(user, dialecttest.Lookup(), nil)
		require.NoError(t, err)
		g.Assert(t, "select", dialecttest.Render(sel, count))
	})

	t.Run("write", func(t *testing.T) {
		records := dialecttest.Records()
		insert, err := c.Insert(user, records, nil)
		require.NoError(t, err)
		translations, err := c.InsertTranslations(user, records, []any{1, 2}, nil, true)
		require.NoError(t, err)
		update, err := c.Update(user, []dialect.Change{{
			Values:  schema.Document{"id": 1, "email": "c@x.io", "bio": "hey"},
			Columns: []string{"email", "bio"},
		}}, nil)
		require.NoError(t, err)
		del, err := c.Delete(user, query.New("id").Is(1), nil)
		require.NoError(t, err)
		g.Assert(t, "write", dialecttest.Render(insert, translations, update, del))
	})
}

func TestSQLite_Introspection(t *testing.T) {
	_, group := dialecttest.Schemas(t)
	c := newCompiler(t)

	t.Run("namespace ignored", func(t *testing.T) {
		out, err := c.Select(group, &query.Lookup{Columns: []string{"name"}, Offset: 5}, &query.Context{Namespace: "tenant"})
		require.NoError(t, err)
		assert.Equal(t, `SELECT "group"."name" AS "name" FROM "group" LIMIT -1 OFFSET 5`, out.Commands[0].Text)
	})

	t.Run("table exists", func(t *testing.T) {
		cmd := c.TableExists("group", nil)
		assert.Equal(t, `SELECT COUNT(*) AS "count" FROM sqlite_master WHERE type = 'table' AND name = ?1`, cmd.Text)
		assert.Equal(t, []any{"group"}, cmd.Args)
	})

	t.Run("table columns", func(t *testing.T) {
		cmd := c.TableColumns("group", nil)
		assert.Equal(t, `SELECT name AS "name" FROM pragma_table_info(?1) ORDER BY cid`, cmd.Text)
	})
}

func TestSQLite_Classify(t *testing.T) {
	cmd := dialect.Command{Text: "INSERT", Args: []any{"bob"}}

	tests := []struct {
		name    string
		err     error
		kind    error
		message string
	}{
		{
			name:    "unique",
			err:     sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique},
			kind:    core.ErrDuplicateEntry,
			message: "value is already being used.",
		},
		{
			name:    "primary key",
			err:     sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey},
			kind:    core.ErrDuplicateEntry,
			message: "value is already being used.",
		},
		{
			name:    "foreign key",
			err:     sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey},
			kind:    core.ErrCannotDelete,
			message: dialect.CannotDeleteMessage,
		},
		{
			name: "interrupted",
			err:  sqlite3.Error{Code: sqlite3.ErrInterrupt},
			kind: core.ErrInterruption,
		},
		{
			name: "not a database",
			err:  sqlite3.Error{Code: sqlite3.ErrNotADB},
			kind: core.ErrConnectionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Dialect.Classify(tt.err, cmd)
			require.NotNil(t, err)
			assert.ErrorIs(t, err, tt.kind)
			if tt.message != "" {
				assert.Equal(t, tt.message, err.Message)
			}
			assert.Equal(t, "INSERT", err.Command)
		})
	}

	err := Dialect.Classify(sqlite3.Error{Code: sqlite3.ErrError}, cmd)
	assert.ErrorIs(t, err, core.ErrQueryFailed)
}

func TestSQLite_DSN(t *testing.T) {
	dsn, err := Dialect.DSN(&config.Database{Dialect: Name, Name: "orb.db"}, "")
	require.NoError(t, err)
	assert.Equal(t, "file:orb.db?_foreign_keys=1", dsn)

	dsn, err = Dialect.DSN(&config.Database{Dialect: Name, Name: MemoryName, ConnectTimeout: 2 * time.Second}, "")
	require.NoError(t, err)
	assert.Equal(t, "file::memory:?_busy_timeout=2000&_foreign_keys=1&cache=shared", dsn)

	_, err = Dialect.DSN(&config.Database{Dialect: Name}, "")
	assert.ErrorIs(t, err, core.ErrDatabaseNotFound)
}

func TestMatch(t *testing.T) {
	ok, err := match("^b.*", "bee")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = match("^b.*", "Bee")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = match("(", "x")
	assert.Error(t, err)
}

func TestDriver(t *testing.T) {
	dsn, err := Dialect.DSN(&config.Database{Dialect: Name, Name: filepath.Join(t.TempDir(), "orb.db")}, "")
	require.NoError(t, err)
	db, err := sql.Open(DriverName, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE "pet" ("name" TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO "pet" ("name") VALUES ('Rex'), ('rover')`)
	require.NoError(t, err)

	count := func(where string, args ...any) int {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "pet" WHERE `+where, args...).Scan(&n))
		return n
	}

	assert.Equal(t, 1, count(`"name" LIKE ?1`, "r%"), "LIKE is case sensitive")
	assert.Equal(t, 2, count(`lower("name") LIKE lower(?1)`, "R%"))
	assert.Equal(t, 1, count(`"name" REGEXP ?1`, "^R"))
	assert.Equal(t, 2, count(`lower("name") REGEXP lower(?1)`, "^R"))
}
