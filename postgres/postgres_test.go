package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
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

func TestPostgres_Golden(t *testing.T) {
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

func TestPostgres_AlterTable(t *testing.T) {
	user, _ := dialecttest.Schemas(t)
	c := newCompiler(t)
	nickname, _ := user.Column("nickname")
	balance, _ := user.Column("balance")

	out, err := c.AlterTable(user, schema.Migration{Standard: []*schema.Column{nickname, balance}}, true, nil)
	require.NoError(t, err)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, `ALTER TABLE "user" ADD COLUMN "nickname" CHARACTER VARYING(32), ADD COLUMN "balance" DECIMAL(12, 4)`, out.Commands[0].Text)
}

func TestPostgres_Namespace(t *testing.T) {
	user, _ := dialecttest.Schemas(t)
	c := newCompiler(t)

	out, err := c.Select(user, &query.Lookup{Columns: []string{"email"}}, &query.Context{Namespace: "tenant"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "user"."email" AS "email" FROM "tenant"."user"`, out.Commands[0].Text)

	cmd := c.TableExists("user", &query.Context{Namespace: "tenant"})
	assert.Equal(t, `SELECT COUNT(*) AS "count" FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`, cmd.Text)
	assert.Equal(t, []any{"tenant", "user"}, cmd.Args)

	info := c.SchemaInfo(nil)
	assert.Contains(t, info.Text, "string_agg")
	assert.Contains(t, info.Text, "t.table_schema = current_schema()")
}

func TestPostgres_Classify(t *testing.T) {
	cmd := dialect.Command{Text: "INSERT", Args: []any{"bob"}}

	tests := []struct {
		name    string
		err     error
		kind    error
		message string
	}{
		{
			name:    "pgx unique violation",
			err:     &pgconn.PgError{Code: "23505", Message: "duplicate key", Detail: "Key (lower(email)::text)=(bob@x.io) already exists."},
			kind:    core.ErrDuplicateEntry,
			message: "bob@x.io is already being used.",
		},
		{
			name:    "pq unique violation",
			err:     &pq.Error{Code: "23505", Message: "duplicate key", Detail: "Key (email)=(bob@x.io) already exists."},
			kind:    core.ErrDuplicateEntry,
			message: "bob@x.io is already being used.",
		},
		{
			name:    "still referenced",
			err:     &pgconn.PgError{Code: "23503", Detail: `Key (id)=(1) is still referenced from table "user".`},
			kind:    core.ErrCannotDelete,
			message: dialect.CannotDeleteMessage,
		},
		{
			name:    "statement timeout",
			err:     &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"},
			kind:    core.ErrQueryTimeout,
			message: "canceling statement due to statement timeout",
		},
		{
			name:    "user cancel",
			err:     &pgconn.PgError{Code: "57014", Message: "canceling statement due to user request"},
			kind:    core.ErrInterruption,
			message: "canceling statement due to user request",
		},
		{
			name:    "connection failure",
			err:     &pgconn.PgError{Code: "08006", Message: "connection failure"},
			kind:    core.ErrConnectionLost,
			message: "connection failure",
		},
		{
			name:    "wrapped",
			err:     fmt.Errorf("exec: %w", &pgconn.PgError{Code: "57P01", Message: "terminating connection"}),
			kind:    core.ErrConnectionLost,
			message: "terminating connection",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Dialect.Classify(tt.err, cmd)
			require.NotNil(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, "INSERT", err.Command)
			assert.Equal(t, []any{"bob"}, err.Args)
		})
	}

	t.Run("unknown code", func(t *testing.T) {
		err := Dialect.Classify(&pgconn.PgError{Code: "42601", Message: "syntax error"}, cmd)
		assert.ErrorIs(t, err, core.ErrQueryFailed)
	})

	t.Run("plain message", func(t *testing.T) {
		err := Dialect.Classify(errors.New(`Key (email)=(x) already exists.`), cmd)
		assert.ErrorIs(t, err, core.ErrDuplicateEntry)
	})
}

func TestPostgres_DSN(t *testing.T) {
	db := &config.Database{
		Dialect:        Name,
		Name:           "orb",
		Username:       "orb",
		Password:       "it's secret",
		ConnectTimeout: 3 * time.Second,
		Timeout:        1500 * time.Millisecond,
		Timezone:       "UTC",
	}
	dsn, err := Dialect.DSN(db, "db.internal")
	require.NoError(t, err)
	assert.Equal(t, `host=db.internal port=5432 dbname=orb user=orb password='it\'s secret' sslmode=disable connect_timeout=3 statement_timeout=1500 timezone=UTC`, dsn)

	db.Port, db.SSLMode, db.Timeout, db.ConnectTimeout, db.Timezone, db.Password = 6543, "require", 0, 0, "", ""
	dsn, err = Dialect.DSN(db, "")
	require.NoError(t, err)
	assert.Equal(t, "host=localhost port=6543 dbname=orb user=orb sslmode=require", dsn)

	_, err = Dialect.DSN(&config.Database{Dialect: Name}, "localhost")
	assert.ErrorIs(t, err, core.ErrDatabaseNotFound)
}
