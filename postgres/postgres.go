// Package postgres registers the PostgreSQL dialect. Connections are opened
// through pgx's database/sql driver by default; lib/pq can be selected with
// the "postgres" driver name.
package postgres

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Name is the dialect name used in configuration.
const Name = "postgres"

// DefaultPort is used when the configuration leaves the port unset.
const DefaultPort = 5432

// Dialect is the PostgreSQL dialect.
var Dialect = &dialect.Dialect{
	Name:        Name,
	Base:        dialect.Standard,
	DriverName:  "pgx",
	Placeholder: dialect.DollarPlaceholder,

	Types: map[schema.ColumnType]string{
		schema.TypeBinary:     "BYTEA",
		schema.TypeDatetime:   "TIMESTAMP WITHOUT TIME ZONE",
		schema.TypeDatetimeTZ: "TIMESTAMP WITH TIME ZONE",
		schema.TypeDecimal:    "DECIMAL(%d, %d)",
		schema.TypeReference:  "INTEGER",
		schema.TypeSerial:     "SERIAL",
		schema.TypeString:     "CHARACTER VARYING(%d)",
	},

	// SERIAL already implies the sequence.
	Flags: map[schema.Flag]string{
		schema.FlagAutoIncrement: "",
	},

	Ops: map[dialect.OpKey]dialect.Token{
		{Op: query.Contains}:                                  {Text: "ILIKE", Folds: true},
		{Op: query.DoesNotContain}:                            {Text: "NOT ILIKE", Folds: true},
		{Op: query.Startswith}:                                {Text: "ILIKE", Folds: true},
		{Op: query.Endswith}:                                  {Text: "ILIKE", Folds: true},
		{Op: query.DoesNotStartwith}:                          {Text: "NOT ILIKE", Folds: true},
		{Op: query.DoesNotEndwith}:                            {Text: "NOT ILIKE", Folds: true},
		{Op: query.Matches}:                                   {Text: "~*", Folds: true},
		{Op: query.DoesNotMatch}:                              {Text: "!~*", Folds: true},
		{Op: query.Contains, CaseSensitive: true}:             {Text: "LIKE"},
		{Op: query.DoesNotContain, CaseSensitive: true}:       {Text: "NOT LIKE"},
		{Op: query.Startswith, CaseSensitive: true}:           {Text: "LIKE"},
		{Op: query.Endswith, CaseSensitive: true}:             {Text: "LIKE"},
		{Op: query.DoesNotStartwith, CaseSensitive: true}:     {Text: "NOT LIKE"},
		{Op: query.DoesNotEndwith, CaseSensitive: true}:       {Text: "NOT LIKE"},
		{Op: query.Matches, CaseSensitive: true}:              {Text: "~"},
		{Op: query.DoesNotMatch, CaseSensitive: true}:         {Text: "!~"},
	},

	Math: map[dialect.MathKey]string{
		{Op: query.Add, Type: schema.TypeString}: "||",
		{Op: query.Add, Type: schema.TypeText}:   "||",
	},

	Funcs: map[query.Func]string{
		query.AsString: "%s::varchar",
	},

	Statements: dialect.Statements{
		IndexColumn: indexColumn,
		SchemaInfo:  schemaInfo,
	},

	Classifier:        classifier{},
	SupportsReturning: true,
	DriverTimeout:     true,
	Namespaces:        true,
	CombinedAlter:     true,
	IndexIfNotExists:  true,
	DSN:               dsn,
}

func init() {
	dialect.MustRegister(Dialect)
}

// indexColumn indexes case insensitive strings on their lowered form, which is
// what the compiler compares against.
func indexColumn(c *dialect.Compiler, col *schema.Column) string {
	if col.Type.IsString() && !col.Test(schema.FlagCaseSensitive) {
		return "lower(" + c.Quote(col.Field) + ")"
	}
	return c.Quote(col.Field)
}

func schemaInfo(c *dialect.Compiler, namespace string, io *dialect.IO) string {
	filter := c.NamespaceFilter("t.table_schema", namespace, io)
	return `SELECT t.table_name AS "name",
(
    SELECT string_agg(c.column_name::varchar, ',' ORDER BY c.ordinal_position)
    FROM information_schema.columns AS c
    WHERE c.table_schema = t.table_schema
    AND c.table_name IN (t.table_name, t.table_name || '_i18n')
) AS "fields",
(
    SELECT string_agg(i.indexname::varchar, ',' ORDER BY i.indexname)
    FROM pg_indexes AS i
    WHERE i.schemaname = t.table_schema
    AND i.tablename IN (t.table_name, t.table_name || '_i18n')
) AS "indexes"
FROM information_schema.tables AS t
WHERE ` + filter + `
AND t.table_name NOT LIKE '%\_i18n'
ORDER BY t.table_name`
}

// SQLSTATE codes the classifier understands.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	queryCanceled       = "57014"
	adminShutdown       = "57P01"
	crashShutdown       = "57P02"
	cannotConnectNow    = "57P03"
)

type classifier struct{}

// Classify maps pgx and lib/pq errors by SQLSTATE. Errors without a code are
// matched on their message text.
func (classifier) Classify(err error) *core.ExecError {
	code, message, detail, ok := nativeError(err)
	if !ok {
		var connect *pgconn.ConnectError
		if errors.As(err, &connect) {
			return core.NewExecError(core.ErrConnectionFailed, "", "", nil, err)
		}
		return dialect.MessageClassifier{}.Classify(err)
	}

	switch {
	case code == uniqueViolation:
		value, _ := dialect.DuplicateValue(detail)
		return core.NewExecError(core.ErrDuplicateEntry, dialect.DuplicateMessage(value), "", nil, err)
	case code == foreignKeyViolation && strings.Contains(detail, "still referenced"):
		return core.NewExecError(core.ErrCannotDelete, dialect.CannotDeleteMessage, "", nil, err)
	case code == queryCanceled:
		if strings.Contains(message, "statement timeout") {
			return core.NewExecError(core.ErrQueryTimeout, message, "", nil, err)
		}
		return core.NewExecError(core.ErrInterruption, message, "", nil, err)
	case strings.HasPrefix(code, "08"), code == adminShutdown, code == crashShutdown, code == cannotConnectNow:
		return core.NewExecError(core.ErrConnectionLost, message, "", nil, err)
	}
	return nil
}

func nativeError(err error) (code, message, detail string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.Message, pgErr.Detail, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Message, pqErr.Detail, true
	}
	return "", "", "", false
}

// dsn renders a keyword/value connection string understood by both pgx and
// lib/pq. The statement timeout is enforced server side.
func dsn(db *config.Database, host string) (string, error) {
	if db.Name == "" {
		return "", fmt.Errorf("%w: postgres requires a database name", core.ErrDatabaseNotFound)
	}
	if host == "" {
		host = "localhost"
	}
	port := db.Port
	if port == 0 {
		port = DefaultPort
	}
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	params := [][2]string{
		{"host", host},
		{"port", strconv.Itoa(port)},
		{"dbname", db.Name},
	}
	if db.Username != "" {
		params = append(params, [2]string{"user", db.Username})
	}
	if db.Password != "" {
		params = append(params, [2]string{"password", db.Password})
	}
	params = append(params, [2]string{"sslmode", sslMode})
	if db.ConnectTimeout > 0 {
		secs := int(db.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		params = append(params, [2]string{"connect_timeout", strconv.Itoa(secs)})
	}
	if db.Timeout > 0 {
		params = append(params, [2]string{"statement_timeout", strconv.FormatInt(db.Timeout.Milliseconds(), 10)})
	}
	if db.Timezone != "" {
		params = append(params, [2]string{"timezone", db.Timezone})
	}

	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p[0] + "=" + quoteValue(p[1])
	}
	return strings.Join(parts, " "), nil
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
