// Package sqlite registers the SQLite dialect. Statements run through a
// go-sqlite3 driver whose connections carry a REGEXP implementation and
// case sensitive LIKE, so the compiler's lower() folding decides case
// handling the same way it does elsewhere.
package sqlite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Name is the dialect name used in configuration.
const Name = "sqlite"

// MemoryName opens an in-memory database.
const MemoryName = ":memory:"

// Dialect is the SQLite dialect.
var Dialect = &dialect.Dialect{
	Name:        Name,
	Base:        dialect.Standard,
	DriverName:  DriverName,
	Placeholder: dialect.NumberedPlaceholder,

	// INTEGER primary keys alias the rowid and are assigned automatically.
	Types: map[schema.ColumnType]string{
		schema.TypeDatetime:   "DATETIME",
		schema.TypeDatetimeTZ: "DATETIME",
		schema.TypeFloat:      "REAL",
		schema.TypeInterval:   "DATETIME",
		schema.TypeReference:  "INTEGER",
		schema.TypeSerial:     "INTEGER",
	},

	Flags: map[schema.Flag]string{
		schema.FlagAutoIncrement: "",
	},

	Funcs: map[query.Func]string{
		query.AsString: "CAST(%s AS TEXT)",
	},

	Math: map[dialect.MathKey]string{
		{Op: query.Add, Type: schema.TypeString}: "||",
		{Op: query.Add, Type: schema.TypeText}:   "||",
	},

	Statements: dialect.Statements{
		IndexColumn:  indexColumn,
		TableExists:  tableExists,
		TableColumns: tableColumns,
		SchemaInfo:   schemaInfo,
	},

	Classifier:        classifier{},
	SupportsReturning: true,
	IndexIfNotExists:  true,
	NoLimit:           "-1",
	DSN:               dsn,
}

func init() {
	dialect.MustRegister(Dialect)
}

func indexColumn(c *dialect.Compiler, col *schema.Column) string {
	if col.Type.IsString() && !col.Test(schema.FlagCaseSensitive) {
		return "lower(" + c.Quote(col.Field) + ")"
	}
	return c.Quote(col.Field)
}

func tableExists(c *dialect.Compiler, table, _ string, io *dialect.IO) string {
	return fmt.Sprintf("SELECT COUNT(*) AS %s FROM sqlite_master WHERE type = 'table' AND name = %s",
		c.Quote("count"), io.Add(table))
}

func tableColumns(c *dialect.Compiler, table, _ string, io *dialect.IO) string {
	return fmt.Sprintf("SELECT name AS %s FROM pragma_table_info(%s) ORDER BY cid", c.Quote("name"), io.Add(table))
}

func schemaInfo(c *dialect.Compiler, _ string, _ *dialect.IO) string {
	return `SELECT m.name AS "name",
(
    SELECT group_concat(p.name, ',')
    FROM pragma_table_info(m.name) AS p
) || COALESCE(',' || (
    SELECT group_concat(p.name, ',')
    FROM pragma_table_info(m.name || '_i18n') AS p
), '') AS "fields",
(
    SELECT group_concat(i.name, ',')
    FROM sqlite_master AS i
    WHERE i.type = 'index'
    AND i.tbl_name IN (m.name, m.name || '_i18n')
) AS "indexes"
FROM sqlite_master AS m
WHERE m.type = 'table'
AND m.name NOT LIKE '%\_i18n' ESCAPE '\'
AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\'
ORDER BY m.name`
}

type classifier struct{}

// Classify maps go-sqlite3 result codes. SQLite does not report the
// conflicting value, so duplicates carry the generic message.
func (classifier) Classify(err error) *core.ExecError {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return nil
	}
	switch {
	case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique, sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return core.NewExecError(core.ErrDuplicateEntry, dialect.DuplicateMessage(""), "", nil, err)
	case sqErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return core.NewExecError(core.ErrCannotDelete, dialect.CannotDeleteMessage, "", nil, err)
	case sqErr.Code == sqlite3.ErrInterrupt:
		return core.NewExecError(core.ErrInterruption, sqErr.Error(), "", nil, err)
	case sqErr.Code == sqlite3.ErrNotADB, sqErr.Code == sqlite3.ErrCantOpen:
		return core.NewExecError(core.ErrConnectionFailed, sqErr.Error(), "", nil, err)
	}
	return nil
}

// dsn renders a file URI with foreign keys enforced. The database name is
// the file path; MemoryName opens a database shared by the pool's
// connections.
func dsn(db *config.Database, _ string) (string, error) {
	if db.Name == "" {
		return "", fmt.Errorf("%w: sqlite requires a file name", core.ErrDatabaseNotFound)
	}
	params := url.Values{}
	params.Set("_foreign_keys", "1")
	if db.ConnectTimeout > 0 {
		params.Set("_busy_timeout", fmt.Sprint(db.ConnectTimeout.Milliseconds()))
	}
	if db.Name == MemoryName {
		params.Set("cache", "shared")
	}
	return "file:" + strings.TrimPrefix(db.Name, "file:") + "?" + params.Encode(), nil
}
