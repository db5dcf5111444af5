package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// slowCount runs long enough to be cancelled or timed out.
const slowCount = `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c WHERE x < 2000000000) SELECT count(*) AS "count" FROM c`

func testConfig(t *testing.T) config.Database {
	return config.Database{
		Dialect:        sqlite.Name,
		Name:           filepath.Join(t.TempDir(), "orb.db"),
		ConnectTimeout: 2 * time.Second,
		Retries:        1,
		RetryDelay:     10 * time.Millisecond,
		Locale:         query.DefaultLocale,
	}
}

func newConnection(t *testing.T, cfg config.Database) *Connection {
	t.Helper()
	conn, err := NewConnection(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { assert.NoError(t, conn.Shutdown()) })
	return conn
}

func TestNewConnection_UnknownDialect(t *testing.T) {
	_, err := NewConnection(config.Database{Dialect: "oracle"}, nil)
	assert.ErrorIs(t, err, core.ErrBackendNotFound)
}

func TestConnection_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent", func(t *testing.T) {
		conn := newConnection(t, testConfig(t))
		require.NoError(t, conn.Open(ctx))
		require.NoError(t, conn.Reconnect(ctx))

		res, err := conn.Execute(ctx, dialect.Command{Text: `SELECT 1 AS "one"`, Returning: true})
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		assert.EqualValues(t, 1, res.Rows[0]["one"])

		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())
		// Execute opens a closed connection again.
		_, err = conn.Execute(ctx, dialect.Command{Text: `SELECT 1 AS "one"`, Returning: true})
		require.NoError(t, err)
	})

	t.Run("failure", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Name = ""
		conn, err := NewConnection(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)

		failed := make(chan Event, 1)
		conn.Subscribe(EventConnectionFailed, func(_ context.Context, e Event) error {
			failed <- e
			return nil
		})

		err = conn.Open(ctx)
		assert.ErrorIs(t, err, core.ErrConnectionFailed)
		assert.ErrorIs(t, err, core.ErrDatabaseNotFound)

		select {
		case e := <-failed:
			assert.Equal(t, sqlite.Name, e.Dialect)
			assert.NotEmpty(t, e.Error)
		case <-time.After(time.Second):
			t.Fatal("no connection failed event")
		}
		assert.NoError(t, conn.Shutdown())
	})
}

func TestConnection_Undefined(t *testing.T) {
	conn := newConnection(t, testConfig(t))
	ctx := context.Background()

	// The table does not exist, so reaching the driver would fail.
	res, err := conn.Execute(ctx, dialect.Command{
		Text:      `SELECT * FROM "missing" WHERE "missing"."id" = ?1`,
		Args:      []any{string(query.Undefined)},
		Returning: true,
		Table:     "missing",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Zero(t, res.Count)

	err = conn.Transaction(ctx, []string{"missing"}, func(tx *Tx) error {
		res, err := tx.Execute(ctx, dialect.Command{Text: `DELETE FROM "missing" WHERE x = ` + string(query.Undefined)})
		require.NoError(t, err)
		assert.Zero(t, res.Count)
		return nil
	})
	require.NoError(t, err)
}

func TestConnection_Errors(t *testing.T) {
	conn := newConnection(t, testConfig(t))
	ctx := context.Background()

	cmd := dialect.Command{Text: `SELECT * FROM "missing"`, Returning: true, Table: "missing"}
	_, err := conn.Execute(ctx, cmd)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrQueryFailed)

	var exec *core.ExecError
	require.True(t, errors.As(err, &exec))
	assert.Equal(t, cmd.Text, exec.Command)

	// The connection stays usable.
	_, err = conn.Execute(ctx, dialect.Command{Text: `SELECT 1 AS "one"`, Returning: true})
	assert.NoError(t, err)
}

func TestConnection_Timeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 50 * time.Millisecond
	conn := newConnection(t, cfg)

	_, err := conn.Execute(context.Background(), dialect.Command{Text: slowCount, Returning: true})
	assert.ErrorIs(t, err, core.ErrQueryTimeout)
	assert.False(t, core.IsRetryable(err))
}

func TestConnection_Interrupt(t *testing.T) {
	conn := newConnection(t, testConfig(t))
	tok := NewToken()
	ctx, cancel := context.WithTimeout(WithToken(context.Background(), tok), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Execute(ctx, dialect.Command{Text: slowCount, Returning: true})
		done <- err
	}()

	assert.Eventually(t, func() bool { return conn.Interrupt(tok) > 0 }, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, core.ErrInterruption)
	case <-time.After(10 * time.Second):
		t.Fatal("statement was not interrupted")
	}

	assert.Zero(t, conn.Interrupt(NewToken()))
	_, err := conn.Execute(context.Background(), dialect.Command{Text: `SELECT 1 AS "one"`, Returning: true})
	assert.NoError(t, err, "interrupting leaves the pools open")
}

func TestConnection_Events(t *testing.T) {
	conn := newConnection(t, testConfig(t))
	ctx := context.Background()

	executed := make(chan Event, 4)
	id := conn.Subscribe(EventStatementExecuted, func(_ context.Context, e Event) error {
		executed <- e
		return nil
	})
	failed := make(chan Event, 4)
	conn.Subscribe(EventStatementFailed, func(_ context.Context, e Event) error {
		failed <- e
		return nil
	})

	_, err := conn.Execute(ctx, dialect.Command{Text: `SELECT 1 AS "one"`, Returning: true})
	require.NoError(t, err)
	select {
	case e := <-executed:
		assert.Equal(t, EventStatementExecuted, e.Type)
		assert.Equal(t, `SELECT 1 AS "one"`, e.Command)
		assert.EqualValues(t, 1, e.Rows)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no statement event")
	}

	_, err = conn.Execute(ctx, dialect.Command{Text: `SELECT * FROM "missing"`, Returning: true})
	require.Error(t, err)
	select {
	case e := <-failed:
		assert.Contains(t, e.Error, "query failed")
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}

	assert.True(t, conn.Unsubscribe(id))
	assert.False(t, conn.Unsubscribe(id))
}

func TestStatementKind(t *testing.T) {
	tests := []struct {
		text string
		kind string
		read bool
	}{
		{`SELECT 1`, "select", true},
		{"  select\n1", "select", true},
		{`WITH x AS (SELECT 1) SELECT * FROM x`, "with", true},
		{`INSERT INTO "user" DEFAULT VALUES`, "insert", false},
		{`UPDATE "user" SET "a" = 1`, "update", false},
		{`CREATE TABLE IF NOT EXISTS "a" ("id" INTEGER)`, "create", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, statementKind(tt.text), tt.text)
		assert.Equal(t, tt.read, isRead(tt.text), tt.text)
	}
}

// lostClassifications counts the errors classified by the always lost dialect.
var lostClassifications atomic.Int32

// lostDialect is SQLite with every failure reported as a lost connection.
func lostDialect(t *testing.T) string {
	t.Helper()
	const name = "sqlite-lost"
	if _, err := dialect.Lookup(name); err == nil {
		return name
	}
	require.NoError(t, dialect.Register(&dialect.Dialect{
		Name:       name,
		Base:       sqlite.Dialect,
		DriverName: sqlite.DriverName,
		Classifier: dialect.ClassifierFunc(func(err error) *core.ExecError {
			lostClassifications.Add(1)
			return core.NewExecError(core.ErrConnectionLost, "server went away", "", nil, err)
		}),
	}))
	return name
}

func TestConnection_ConnectionLost(t *testing.T) {
	cmd := dialect.Command{Text: `SELECT * FROM "missing"`, Returning: true, Table: "missing"}

	t.Run("retries after a delay", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Dialect = lostDialect(t)
		cfg.Retries = 1
		cfg.RetryDelay = 100 * time.Millisecond
		conn := newConnection(t, cfg)

		lost := make(chan Event, 4)
		conn.Subscribe(EventConnectionLost, func(_ context.Context, e Event) error {
			lost <- e
			return nil
		})
		var failed atomic.Int32
		conn.Subscribe(EventStatementFailed, func(context.Context, Event) error {
			failed.Add(1)
			return nil
		})

		before := lostClassifications.Load()
		started := time.Now()
		_, err := conn.Execute(context.Background(), cmd)
		elapsed := time.Since(started)

		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrConnectionLost)
		assert.EqualValues(t, 2, lostClassifications.Load()-before, "one attempt plus one retry")
		assert.GreaterOrEqual(t, elapsed, cfg.RetryDelay)

		select {
		case e := <-lost:
			assert.Equal(t, cfg.Dialect, e.Dialect)
			assert.NotEmpty(t, e.Error)
		case <-time.After(time.Second):
			t.Fatal("no connection lost event")
		}
		assert.Eventually(t, func() bool { return failed.Load() == 2 }, time.Second, 10*time.Millisecond)

		// The reconnect left the connection usable.
		res, err := conn.Execute(context.Background(), dialect.Command{Text: `SELECT 1 AS "one"`, Returning: true})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 1)
	})

	t.Run("no retries", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Dialect = lostDialect(t)
		cfg.Retries = 0
		conn := newConnection(t, cfg)

		before := lostClassifications.Load()
		_, err := conn.Execute(context.Background(), cmd)
		assert.ErrorIs(t, err, core.ErrConnectionLost)
		assert.EqualValues(t, 1, lostClassifications.Load()-before)
	})

	t.Run("delay honours the context", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Dialect = lostDialect(t)
		cfg.Retries = 3
		cfg.RetryDelay = time.Minute
		conn := newConnection(t, cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		before := lostClassifications.Load()
		started := time.Now()
		_, err := conn.Execute(ctx, cmd)
		assert.ErrorIs(t, err, core.ErrConnectionLost)
		assert.Less(t, time.Since(started), 10*time.Second)
		assert.EqualValues(t, 1, lostClassifications.Load()-before)
	})
}

func TestConnection_Shutdown(t *testing.T) {
	conn, err := NewConnection(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))

	var seen atomic.Int32
	conn.Subscribe(EventStatementExecuted, func(context.Context, Event) error {
		seen.Add(1)
		return nil
	})

	require.NoError(t, conn.Shutdown())
	require.NoError(t, conn.Shutdown(), "shutting down twice is harmless")

	assert.NotPanics(t, func() {
		conn.Subscribe(EventStatementExecuted, func(context.Context, Event) error { return nil })
		conn.emit(Event{Type: EventStatementExecuted})
	})
	assert.Zero(t, seen.Load(), "a stopped bus delivers nothing")
}
