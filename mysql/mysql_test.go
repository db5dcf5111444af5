package mysql

import (
	"fmt"
	"testing"
	"time"

	driver "github.com/go-sql-driver/mysql"
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

func TestMySQL_Golden(t *testing.T) {
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

func TestMySQL_Paging(t *testing.T) {
	_, group := dialecttest.Schemas(t)
	c := newCompiler(t)

	out, err := c.Select(group, &query.Lookup{Columns: []string{"name"}, Offset: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `group`.`name` AS `name` FROM `group` LIMIT 18446744073709551615 OFFSET 5", out.Commands[0].Text)
}

func TestMySQL_DefaultValues(t *testing.T) {
	counter := schema.NewSchema("Counter").Primary("id").MustBuild()
	c := newCompiler(t)

	out, err := c.Insert(counter, []schema.Document{{}}, nil)
	require.NoError(t, err)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, "INSERT INTO `counter` () VALUES ()", out.Commands[0].Text)
	assert.False(t, out.Commands[0].Returning)
	assert.Equal(t, 1, out.Commands[0].Keys)
}

func TestMySQL_Upsert(t *testing.T) {
	c := newCompiler(t)
	assert.Equal(t, "ON DUPLICATE KEY UPDATE `user_id` = `user_id`", upsert(c, []string{"user_id", "locale"}, nil))
}

func TestMySQL_Classify(t *testing.T) {
	cmd := dialect.Command{Text: "INSERT", Args: []any{"bob"}}

	tests := []struct {
		name    string
		err     error
		kind    error
		message string
	}{
		{
			name:    "duplicate entry",
			err:     &driver.MySQLError{Number: 1062, Message: "Duplicate entry 'bob@x.io' for key 'user.email'"},
			kind:    core.ErrDuplicateEntry,
			message: "bob@x.io is already being used.",
		},
		{
			name:    "row referenced",
			err:     &driver.MySQLError{Number: 1451, Message: "Cannot delete or update a parent row"},
			kind:    core.ErrCannotDelete,
			message: dialect.CannotDeleteMessage,
		},
		{
			name:    "execution timeout",
			err:     &driver.MySQLError{Number: 3024, Message: "maximum statement execution time exceeded"},
			kind:    core.ErrQueryTimeout,
			message: "maximum statement execution time exceeded",
		},
		{
			name:    "interrupted",
			err:     fmt.Errorf("query: %w", &driver.MySQLError{Number: 1317, Message: "Query execution was interrupted"}),
			kind:    core.ErrInterruption,
			message: "Query execution was interrupted",
		},
		{
			name: "invalid connection",
			err:  driver.ErrInvalidConn,
			kind: core.ErrConnectionLost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Dialect.Classify(tt.err, cmd)
			require.NotNil(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, "INSERT", err.Command)
		})
	}

	err := Dialect.Classify(&driver.MySQLError{Number: 1064, Message: "syntax"}, cmd)
	assert.ErrorIs(t, err, core.ErrQueryFailed)
}

func TestMySQL_DSN(t *testing.T) {
	db := &config.Database{
		Dialect:        Name,
		Name:           "orb",
		Username:       "orb",
		Password:       "secret",
		Port:           3307,
		ConnectTimeout: 3 * time.Second,
		Timeout:        2 * time.Second,
		SSLMode:        "require",
	}
	dsn, err := Dialect.DSN(db, "db.internal")
	require.NoError(t, err)
	assert.Contains(t, dsn, "tls=skip-verify")

	cfg, err := driver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "orb", cfg.User)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.Equal(t, "db.internal:3307", cfg.Addr)
	assert.Equal(t, "orb", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, "2000", cfg.Params["max_execution_time"])

	_, err = Dialect.DSN(&config.Database{Dialect: Name}, "")
	assert.ErrorIs(t, err, core.ErrDatabaseNotFound)

	_, err = Dialect.DSN(&config.Database{Dialect: Name, Name: "orb", Timezone: "Nowhere/Special"}, "")
	assert.Error(t, err)
}
