// Package mysql registers the MySQL dialect, backed by go-sql-driver/mysql.
package mysql

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Name is the dialect name used in configuration.
const Name = "mysql"

// DefaultPort is used when the configuration leaves the port unset.
const DefaultPort = 3306

// Dialect is the MySQL dialect.
var Dialect = &dialect.Dialect{
	Name:        Name,
	Base:        dialect.Standard,
	DriverName:  "mysql",
	Quote:       quote,
	Placeholder: dialect.QuestionPlaceholder,

	Types: map[schema.ColumnType]string{
		schema.TypeBoolean:    "TINYINT(1)",
		schema.TypeBinary:     "LONGBLOB",
		schema.TypeData:       "LONGTEXT",
		schema.TypeDatetime:   "DATETIME",
		schema.TypeDatetimeTZ: "DATETIME",
		schema.TypeDict:       "LONGTEXT",
		schema.TypeFloat:      "DOUBLE",
		// Durations are stored as the point in time they end.
		schema.TypeInterval:  "DATETIME",
		schema.TypeQuery:     "LONGTEXT",
		schema.TypeText:      "LONGTEXT",
		schema.TypeTimestamp: "DATETIME",
		schema.TypeYAML:      "LONGTEXT",
	},

	// The default collations compare case insensitively, so the case
	// sensitive variants force a binary comparison.
	Ops: map[dialect.OpKey]dialect.Token{
		{Op: query.Is}:                                    {Text: "=", Folds: true},
		{Op: query.IsNot}:                                 {Text: "!=", Folds: true},
		{Op: query.Contains}:                              {Text: "LIKE", Folds: true},
		{Op: query.DoesNotContain}:                        {Text: "NOT LIKE", Folds: true},
		{Op: query.Startswith}:                            {Text: "LIKE", Folds: true},
		{Op: query.Endswith}:                              {Text: "LIKE", Folds: true},
		{Op: query.DoesNotStartwith}:                      {Text: "NOT LIKE", Folds: true},
		{Op: query.DoesNotEndwith}:                        {Text: "NOT LIKE", Folds: true},
		{Op: query.Matches}:                               {Text: "REGEXP", Folds: true},
		{Op: query.DoesNotMatch}:                          {Text: "NOT REGEXP", Folds: true},
		{Op: query.Is, CaseSensitive: true}:               {Text: "= BINARY"},
		{Op: query.IsNot, CaseSensitive: true}:            {Text: "!= BINARY"},
		{Op: query.Contains, CaseSensitive: true}:         {Text: "LIKE BINARY"},
		{Op: query.DoesNotContain, CaseSensitive: true}:   {Text: "NOT LIKE BINARY"},
		{Op: query.Startswith, CaseSensitive: true}:       {Text: "LIKE BINARY"},
		{Op: query.Endswith, CaseSensitive: true}:         {Text: "LIKE BINARY"},
		{Op: query.DoesNotStartwith, CaseSensitive: true}: {Text: "NOT LIKE BINARY"},
		{Op: query.DoesNotEndwith, CaseSensitive: true}:   {Text: "NOT LIKE BINARY"},
		{Op: query.Matches, CaseSensitive: true}:          {Text: "REGEXP BINARY"},
		{Op: query.DoesNotMatch, CaseSensitive: true}:     {Text: "NOT REGEXP BINARY"},
	},

	Math: map[dialect.MathKey]string{
		{Op: query.Add, Type: schema.TypeString}: "CONCAT(%s, %s)",
		{Op: query.Add, Type: schema.TypeText}:   "CONCAT(%s, %s)",
	},

	Funcs: map[query.Func]string{
		query.AsString: "CAST(%s AS CHAR)",
	},

	Statements: dialect.Statements{
		Upsert:       upsert,
		InsertedKeys: func(*dialect.Compiler, *schema.Schema) string { return "" },
		SchemaInfo:   schemaInfo,
	},

	Classifier:    classifier{},
	Namespaces:    true,
	CombinedAlter: true,
	DefaultValues: "() VALUES ()",
	NoLimit:       "18446744073709551615",
	CurrentSchema: "DATABASE()",
	DSN:           dsn,
}

func init() {
	dialect.MustRegister(Dialect)
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func upsert(c *dialect.Compiler, conflict, update []string) string {
	if len(update) == 0 {
		// A self assignment turns the duplicate into a no-op.
		key := c.Quote(conflict[0])
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", key, key)
	}
	sets := make([]string, len(update))
	for i, name := range update {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c.Quote(name), c.Quote(name))
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func schemaInfo(c *dialect.Compiler, namespace string, io *dialect.IO) string {
	filter := c.NamespaceFilter("t.table_schema", namespace, io)
	return "SELECT t.table_name AS `name`,\n" +
		"(\n" +
		"    SELECT group_concat(c.column_name ORDER BY c.ordinal_position)\n" +
		"    FROM information_schema.columns AS c\n" +
		"    WHERE c.table_schema = t.table_schema\n" +
		"    AND c.table_name IN (t.table_name, CONCAT(t.table_name, '_i18n'))\n" +
		") AS `fields`,\n" +
		"(\n" +
		"    SELECT group_concat(DISTINCT i.index_name ORDER BY i.index_name)\n" +
		"    FROM information_schema.statistics AS i\n" +
		"    WHERE i.table_schema = t.table_schema\n" +
		"    AND i.table_name IN (t.table_name, CONCAT(t.table_name, '_i18n'))\n" +
		") AS `indexes`\n" +
		"FROM information_schema.tables AS t\n" +
		"WHERE " + filter + "\n" +
		"AND t.table_name NOT LIKE '%\\_i18n'\n" +
		"ORDER BY t.table_name"
}

// Server error numbers the classifier understands.
const (
	errDuplicateEntry    = 1062
	errQueryInterrupted  = 1317
	errRowIsReferenced   = 1451
	errRowIsReferenced2  = 1217
	errExecutionTimeout  = 3024
	errServerShutdown    = 1053
	errConnectionKilled  = 1927
	errServerGone        = 2006
	errServerLostContact = 2013
)

var duplicateEntry = regexp.MustCompile(`Duplicate entry '(.*)' for key`)

type classifier struct{}

// Classify maps MySQL server errors by number.
func (classifier) Classify(err error) *core.ExecError {
	if errors.Is(err, driver.ErrInvalidConn) {
		return core.NewExecError(core.ErrConnectionLost, "", "", nil, err)
	}
	var myErr *driver.MySQLError
	if !errors.As(err, &myErr) {
		return nil
	}
	switch myErr.Number {
	case errDuplicateEntry:
		value := ""
		if m := duplicateEntry.FindStringSubmatch(myErr.Message); m != nil {
			value = m[1]
		}
		return core.NewExecError(core.ErrDuplicateEntry, dialect.DuplicateMessage(value), "", nil, err)
	case errRowIsReferenced, errRowIsReferenced2:
		return core.NewExecError(core.ErrCannotDelete, dialect.CannotDeleteMessage, "", nil, err)
	case errExecutionTimeout:
		return core.NewExecError(core.ErrQueryTimeout, myErr.Message, "", nil, err)
	case errQueryInterrupted:
		return core.NewExecError(core.ErrInterruption, myErr.Message, "", nil, err)
	case errServerShutdown, errConnectionKilled, errServerGone, errServerLostContact:
		return core.NewExecError(core.ErrConnectionLost, myErr.Message, "", nil, err)
	}
	return nil
}

// dsn renders the driver configuration. SELECT statements are additionally
// bounded by max_execution_time.
func dsn(db *config.Database, host string) (string, error) {
	if db.Name == "" {
		return "", fmt.Errorf("%w: mysql requires a database name", core.ErrDatabaseNotFound)
	}
	if host == "" {
		host = "localhost"
	}
	port := db.Port
	if port == 0 {
		port = DefaultPort
	}

	cfg := driver.NewConfig()
	cfg.User = db.Username
	cfg.Passwd = db.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = db.Name
	cfg.ParseTime = true
	cfg.Timeout = db.ConnectTimeout
	cfg.Loc = time.UTC
	if db.Timezone != "" {
		loc, err := time.LoadLocation(db.Timezone)
		if err != nil {
			return "", fmt.Errorf("mysql timezone %q: %w", db.Timezone, err)
		}
		cfg.Loc = loc
	}
	switch db.SSLMode {
	case "", "disable":
	case "require":
		cfg.TLSConfig = "skip-verify"
	case "verify-full":
		cfg.TLSConfig = "true"
	default:
		cfg.TLSConfig = db.SSLMode
	}
	if db.Timeout > 0 {
		cfg.Params = map[string]string{"max_execution_time": strconv.FormatInt(db.Timeout.Milliseconds(), 10)}
	}
	return cfg.FormatDSN(), nil
}
