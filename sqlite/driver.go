package sqlite

import (
	"database/sql"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by this package.
const DriverName = "sqlite3_orb"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{ConnectHook: connectHook})
}

func connectHook(conn *sqlite3.SQLiteConn) error {
	if err := conn.RegisterFunc("regexp", match, true); err != nil {
		return err
	}
	_, err := conn.Exec("PRAGMA case_sensitive_like = ON", nil)
	return err
}

var patterns sync.Map

// match implements `value REGEXP pattern`, which SQLite calls as
// regexp(pattern, value). Compiled patterns are cached per process.
func match(pattern, value string) (bool, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(value), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	patterns.Store(pattern, re)
	return re.MatchString(value), nil
}
