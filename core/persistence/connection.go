// Package persistence runs compiled commands against a database. A
// Connection owns the driver pools, the per table read/write locks, and the
// retry loop; an Executor sits on top of it and turns schema level requests
// (select, insert, update, delete, DDL) into compiled commands, going
// through the record cache on reads and invalidating it on writes.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/metrics"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/orb-framework/orb-sub003/core/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Statement durations above these thresholds are logged at Warn and Error.
const (
	slowStatement     = 3 * time.Second
	verySlowStatement = 6 * time.Second
)

// Result is the outcome of one command.
type Result struct {
	// Rows holds the returned rows for commands that yield them.
	Rows []schema.Document
	// Count is the number of rows returned or affected.
	Count int64
	// LastInsertID is reported by drivers without RETURNING support.
	LastInsertID int64
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Connection is a handle on one configured database.
type Connection struct {
	cfg      config.Database
	dialect  *dialect.Dialect
	compiler *dialect.Compiler
	locks    *TableLocks
	events   *bus
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu    sync.RWMutex
	read  *sql.DB
	write *sql.DB

	flight   sync.Mutex
	inflight map[Token]map[uint64]context.CancelFunc
	nextID   uint64
}

// NewConnection prepares a connection for cfg. Nothing is opened until Open
// or the first Execute.
func NewConnection(cfg config.Database, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := dialect.Lookup(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	events, err := newBus()
	if err != nil {
		return nil, err
	}

	compiler := dialect.NewCompiler(d, store.New(), logger)
	if cfg.InsertBatchSize > 0 {
		compiler.SetBatchSize(cfg.InsertBatchSize)
	}

	limit := rate.Inf
	if cfg.RetryDelay > 0 {
		limit = rate.Every(cfg.RetryDelay)
	}

	return &Connection{
		cfg:      cfg,
		dialect:  d,
		compiler: compiler,
		locks:    NewTableLocks(),
		events:   events,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(zap.String("database", cfg.Name), zap.String("dialect", d.Name)),
		inflight: make(map[Token]map[uint64]context.CancelFunc),
	}, nil
}

// Dialect returns the connection's dialect.
func (c *Connection) Dialect() *dialect.Dialect {
	return c.dialect
}

// Compiler returns the statement compiler for the connection's dialect.
func (c *Connection) Compiler() *dialect.Compiler {
	return c.compiler
}

// Config returns the connection settings.
func (c *Connection) Config() config.Database {
	return c.cfg
}

// Locks returns the connection's table locks.
func (c *Connection) Locks() *TableLocks {
	return c.locks
}

// Open connects to the database. Calling Open on an open connection does
// nothing.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.read != nil {
		return nil
	}
	return c.openLocked(ctx)
}

func (c *Connection) openLocked(ctx context.Context) error {
	read, err := c.openPool(ctx, c.cfg.Host)
	if err != nil {
		return c.failed(err)
	}
	write := read
	if c.cfg.WriteHost != "" && c.cfg.WriteHost != c.cfg.Host {
		write, err = c.openPool(ctx, c.cfg.WriteHost)
		if err != nil {
			read.Close()
			return c.failed(err)
		}
	}
	c.read, c.write = read, write

	c.logger.Info("Connected to database", zap.String("host", c.cfg.Host))
	metrics.ConnectionEvents.WithLabelValues(c.dialect.Name, "connected").Inc()
	c.emit(Event{Type: EventConnected})
	return nil
}

func (c *Connection) openPool(ctx context.Context, host string) (*sql.DB, error) {
	if c.dialect.DSN == nil {
		return nil, fmt.Errorf("dialect %s cannot build a connection string", c.dialect.Name)
	}
	dsn, err := c.dialect.DSN(&c.cfg, host)
	if err != nil {
		return nil, err
	}
	driverName := c.cfg.Driver
	if driverName == "" {
		driverName = c.dialect.DriverName
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrBackendNotFound, driverName, err)
	}
	if c.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	}
	if c.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	}
	if c.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	}

	pingCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (c *Connection) failed(err error) error {
	c.logger.Error("Failed to connect to database", zap.Error(err))
	metrics.ConnectionEvents.WithLabelValues(c.dialect.Name, "failed").Inc()
	c.emit(Event{Type: EventConnectionFailed, Error: err.Error()})
	if errors.Is(err, core.ErrBackendNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrConnectionFailed, c.cfg.Identity(), err)
}

// Close closes the driver pools. Closing a closed connection does nothing.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.read == nil {
		return nil
	}
	var errs []error
	if c.write != c.read {
		errs = append(errs, c.write.Close())
	}
	errs = append(errs, c.read.Close())
	c.read, c.write = nil, nil

	c.logger.Info("Disconnected from database")
	metrics.ConnectionEvents.WithLabelValues(c.dialect.Name, "disconnected").Inc()
	c.emit(Event{Type: EventDisconnected})
	return errors.Join(errs...)
}

// Reconnect closes the pools and opens them again.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.closeLocked(); err != nil {
		c.logger.Warn("Error closing connection before reconnect", zap.Error(err))
	}
	return c.openLocked(ctx)
}

// Shutdown interrupts running statements, closes the pools, and stops the
// event bus. The connection cannot be used afterwards.
func (c *Connection) Shutdown() error {
	c.flight.Lock()
	for tok := range c.inflight {
		c.interruptLocked(tok)
	}
	c.flight.Unlock()

	return errors.Join(c.Close(), c.events.close())
}

// Subscribe registers handler for events of the given type and returns the
// subscription id.
func (c *Connection) Subscribe(event EventType, handler Handler) string {
	return c.events.subscribe(event, handler)
}

// Unsubscribe removes a subscription. It reports whether id was known.
func (c *Connection) Unsubscribe(id string) bool {
	return c.events.unsubscribe(id)
}

// Interrupt cancels every statement running under tok and returns how many
// were cancelled. The cancelled statements fail with ErrInterruption; the
// pools stay open.
func (c *Connection) Interrupt(tok Token) int {
	c.flight.Lock()
	defer c.flight.Unlock()
	return c.interruptLocked(tok)
}

func (c *Connection) interruptLocked(tok Token) int {
	running := c.inflight[tok]
	for _, cancel := range running {
		cancel()
	}
	delete(c.inflight, tok)
	return len(running)
}

// track registers cancel under tok and returns the function removing it.
func (c *Connection) track(tok Token, cancel context.CancelFunc) func() {
	c.flight.Lock()
	defer c.flight.Unlock()
	c.nextID++
	id := c.nextID
	if c.inflight[tok] == nil {
		c.inflight[tok] = make(map[uint64]context.CancelFunc)
	}
	c.inflight[tok][id] = cancel
	return func() {
		c.flight.Lock()
		defer c.flight.Unlock()
		if running, ok := c.inflight[tok]; ok {
			delete(running, id)
			if len(running) == 0 {
				delete(c.inflight, tok)
			}
		}
	}
}

// pools returns the open pools, opening them first when needed.
func (c *Connection) pools(ctx context.Context) (*sql.DB, *sql.DB, error) {
	c.mu.RLock()
	read, write := c.read, c.write
	c.mu.RUnlock()
	if read != nil {
		return read, write, nil
	}
	if err := c.Open(ctx); err != nil {
		return nil, nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.read, c.write, nil
}

// Execute runs cmd. SELECT statements take a read lock on cmd.Table, any
// other statement a write lock. A lost connection is retried up to the
// configured number of times; every other failure is returned at once as an
// *core.ExecError.
func (c *Connection) Execute(ctx context.Context, cmd dialect.Command) (*Result, error) {
	if undefined(cmd) {
		c.logger.Debug("query is undefined", zap.String("sql", cmd.Text))
		return &Result{}, nil
	}

	ctx, tok := ensureToken(ctx)
	mode := Write
	if isRead(cmd.Text) {
		mode = Read
	}
	release, err := c.locks.Acquire(ctx, tok, map[string]Mode{cmd.Table: mode})
	if err != nil {
		return nil, c.dialect.Classify(err, cmd)
	}
	defer release()

	return c.retry(ctx, func() (*Result, error) {
		read, write, err := c.pools(ctx)
		if err != nil {
			return nil, err
		}
		db := write
		if mode == Read {
			db = read
		}
		return c.run(ctx, tok, db, cmd)
	})
}

// retry runs fn until it succeeds, fails with anything but a lost
// connection, or the retries run out.
func (c *Connection) retry(ctx context.Context, fn func() (*Result, error)) (*Result, error) {
	attempts := max(c.cfg.Retries, 0) + 1
	for attempt := 1; ; attempt++ {
		res, err := fn()
		if err == nil || !core.IsRetryable(err) || attempt >= attempts {
			return res, err
		}

		c.logger.Warn("Connection lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err))
		metrics.StatementRetries.WithLabelValues(c.dialect.Name).Inc()
		metrics.ConnectionEvents.WithLabelValues(c.dialect.Name, "lost").Inc()
		c.emit(Event{Type: EventConnectionLost, Error: err.Error()})

		if werr := c.backoff(ctx); werr != nil {
			return nil, err
		}
		if rerr := c.Reconnect(ctx); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
	}
}

// backoff sleeps RetryDelay before a reconnect. The limiter spaces out
// reconnects started by concurrent callers.
func (c *Connection) backoff(ctx context.Context) error {
	if c.cfg.RetryDelay > 0 {
		timer := time.NewTimer(c.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.limiter.Wait(ctx)
}

// run sends one command on q and classifies any failure.
func (c *Connection) run(ctx context.Context, tok Token, q querier, cmd dialect.Command) (*Result, error) {
	ctx, cancel := c.statementContext(ctx)
	defer cancel()
	defer c.track(tok, cancel)()

	c.logger.Debug("Executing statement", zap.String("sql", cmd.Text), zap.Any("params", cmd.Args))
	started := time.Now()
	res, err := c.send(ctx, q, cmd)
	elapsed := time.Since(started)
	kind := statementKind(cmd.Text)
	metrics.ObserveStatement(c.dialect.Name, kind, started, err)

	if err != nil {
		// Drivers report an interrupted statement in their own terms.
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		exec := c.dialect.Classify(err, cmd)
		c.logger.Error("Statement failed",
			zap.String("sql", cmd.Text),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		c.emit(Event{Type: EventStatementFailed, Table: cmd.Table, Command: cmd.Text, Args: cmd.Args, Duration: elapsed, Error: exec.Error()})
		return nil, exec
	}

	c.logDuration(cmd, elapsed)
	c.emit(Event{Type: EventStatementExecuted, Table: cmd.Table, Command: cmd.Text, Args: cmd.Args, Rows: res.Count, Duration: elapsed})
	return res, nil
}

func (c *Connection) send(ctx context.Context, q querier, cmd dialect.Command) (*Result, error) {
	if cmd.Returning {
		rows, err := q.QueryContext(ctx, cmd.Text, cmd.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		docs, err := readRows(rows)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: docs, Count: int64(len(docs))}, nil
	}

	out, err := q.ExecContext(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if n, err := out.RowsAffected(); err == nil {
		res.Count = n
	}
	if cmd.Keys > 0 {
		if id, err := out.LastInsertId(); err == nil {
			res.LastInsertID = id
		}
	}
	return res, nil
}

// statementContext applies the statement timeout when the server does not
// enforce it.
func (c *Connection) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 && !c.dialect.DriverTimeout {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Connection) logDuration(cmd dialect.Command, elapsed time.Duration) {
	fields := []zap.Field{zap.String("sql", cmd.Text), zap.Duration("elapsed", elapsed)}
	switch {
	case elapsed < slowStatement:
		c.logger.Debug("Statement executed", fields...)
	case elapsed < verySlowStatement:
		c.logger.Warn("Slow statement", fields...)
	default:
		c.logger.Error("Very slow statement", fields...)
	}
}

func (c *Connection) emit(e Event) {
	e.Database = c.cfg.Name
	e.Dialect = c.dialect.Name
	c.events.emit(e)
}

// Tx is an open transaction. Commands run on it skip the table locks, which
// Transaction already holds.
type Tx struct {
	conn *Connection
	tx   *sql.Tx
	tok  Token
}

// Execute runs cmd inside the transaction.
func (t *Tx) Execute(ctx context.Context, cmd dialect.Command) (*Result, error) {
	if undefined(cmd) {
		t.conn.logger.Debug("query is undefined", zap.String("sql", cmd.Text))
		return &Result{}, nil
	}
	return t.conn.run(ctx, t.tok, t.tx, cmd)
}

// ExecuteAll runs every command of out in order and returns their results.
func (t *Tx) ExecuteAll(ctx context.Context, out dialect.Outcome) ([]*Result, error) {
	if out.Empty {
		return nil, nil
	}
	results := make([]*Result, 0, len(out.Commands))
	for _, cmd := range out.Commands {
		res, err := t.Execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Transaction write locks tables, runs fn inside a transaction on the write
// pool, and commits when fn returns nil. A transaction that loses its
// connection is rolled back and run again from the start.
func (c *Connection) Transaction(ctx context.Context, tables []string, fn func(tx *Tx) error) error {
	ctx, tok := ensureToken(ctx)
	modes := make(map[string]Mode, len(tables))
	for _, table := range tables {
		modes[table] = Write
	}
	release, err := c.locks.Acquire(ctx, tok, modes)
	if err != nil {
		return c.dialect.Classify(err, dialect.Command{})
	}
	defer release()

	_, err = c.retry(ctx, func() (*Result, error) {
		_, write, err := c.pools(ctx)
		if err != nil {
			return nil, err
		}
		return nil, c.transaction(ctx, tok, write, fn)
	})
	return err
}

func (c *Connection) transaction(ctx context.Context, tok Token, db *sql.DB, fn func(tx *Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return c.dialect.Classify(err, dialect.Command{Text: "BEGIN"})
	}
	if err := fn(&Tx{conn: c, tx: tx, tok: tok}); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			c.logger.Warn("Rollback failed", zap.Error(rerr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return c.dialect.Classify(err, dialect.Command{Text: "COMMIT"})
	}
	return nil
}

// undefined reports whether cmd carries the undefined query sentinel.
func undefined(cmd dialect.Command) bool {
	marker := string(query.Undefined)
	if strings.Contains(cmd.Text, marker) {
		return true
	}
	for _, arg := range cmd.Args {
		if s, ok := arg.(string); ok && s == marker {
			return true
		}
		if s, ok := arg.(query.Sentinel); ok && s == query.Undefined {
			return true
		}
	}
	return false
}

func statementKind(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " \n\t("); i > 0 {
		text = text[:i]
	}
	return strings.ToLower(text)
}

func isRead(text string) bool {
	kind := statementKind(text)
	return kind == "select" || kind == "with"
}
