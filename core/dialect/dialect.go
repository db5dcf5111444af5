// Package dialect holds the SQL rendering rules for each supported database
// and the statement compilers that turn schemas and query trees into commands.
//
// A Dialect is a table of tokens (types, operators, math, functions, flags)
// plus a small set of statement hooks. Each dialect names a Base it inherits
// from; lookups try the dialect first and then walk the Base chain, so a
// dialect only lists what it changes. Dialects are registered once at start-up
// and read concurrently afterwards.
package dialect

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// OpKey selects an operator token. CaseSensitive keys are only consulted when
// the query asks for a case sensitive comparison.
type OpKey struct {
	Op            query.Op
	CaseSensitive bool
}

// Token is the rendering of a comparison operator.
type Token struct {
	Text string
	// Folds is set when the operator itself ignores case (ILIKE, ~*), so the
	// compiler does not need to wrap operands in lower().
	Folds bool
}

// MathKey selects a math token for a column type. An empty Type is the
// fallback for every type. A token containing %s is a format taking the
// column and the operand, e.g. "CONCAT(%s, %s)"; any other token is rendered
// infix.
type MathKey struct {
	Op   query.MathOp
	Type schema.ColumnType
}

// Statements are the renderers that differ too much between databases to be
// expressed as tokens. A nil field is inherited from the Base dialect.
type Statements struct {
	// IndexColumn renders one column of an index definition.
	IndexColumn func(c *Compiler, col *schema.Column) string
	// Upsert renders the conflict clause appended to an insert.
	Upsert func(c *Compiler, conflict, update []string) string
	// InsertedKeys renders the clause returning generated primary keys, or ""
	// when the driver reports them another way.
	InsertedKeys func(c *Compiler, s *schema.Schema) string
	TableExists  func(c *Compiler, table, namespace string, io *IO) string
	TableColumns func(c *Compiler, table, namespace string, io *IO) string
	// SchemaInfo lists every table with comma separated fields and indexes.
	SchemaInfo func(c *Compiler, namespace string, io *IO) string
}

// Dialect is a named set of rendering rules.
type Dialect struct {
	Name string
	Base *Dialect
	// DriverName is the database/sql driver opened by default.
	DriverName string

	Quote       func(ident string) string
	Placeholder func(n int) string

	Types map[schema.ColumnType]string
	Flags map[schema.Flag]string
	Ops   map[OpKey]Token
	Math  map[MathKey]string
	// Funcs are fmt formats taking the wrapped expression.
	Funcs map[query.Func]string

	Statements Statements
	Classifier Classifier

	// SupportsReturning reports RETURNING support on INSERT and DELETE.
	SupportsReturning bool
	// DriverTimeout is set when the statement timeout is enforced by the
	// server; otherwise the executor applies a context deadline.
	DriverTimeout bool
	// Namespaces enables namespace qualified table names.
	Namespaces bool
	// CombinedAlter adds every new column in a single ALTER TABLE.
	CombinedAlter bool
	// IndexIfNotExists enables IF NOT EXISTS on CREATE INDEX.
	IndexIfNotExists bool
	// DefaultValues is the insert body used when no column has a value.
	DefaultValues string
	// NoLimit is rendered as LIMIT when only an offset is requested.
	NoLimit string
	// CurrentSchema is the expression naming the connection's namespace.
	CurrentSchema string

	// DSN builds the driver connection string.
	DSN func(db *config.Database, host string) (string, error)
}

func (d *Dialect) String() string {
	return d.Name
}

// TypeToken returns the native type for t.
func (d *Dialect) TypeToken(t schema.ColumnType) (string, bool) {
	for x := d; x != nil; x = x.Base {
		if tok, ok := x.Types[t]; ok {
			return tok, true
		}
	}
	return "", false
}

// FlagToken returns the column constraint rendered for flag. An empty token
// means the flag has no DDL form in this dialect.
func (d *Dialect) FlagToken(flag schema.Flag) (string, bool) {
	for x := d; x != nil; x = x.Base {
		if tok, ok := x.Flags[flag]; ok {
			return tok, true
		}
	}
	return "", false
}

// OpToken returns the operator token. When caseSensitive is set the case
// sensitive variant is searched across the whole chain before the plain one.
func (d *Dialect) OpToken(op query.Op, caseSensitive bool) (Token, bool) {
	if caseSensitive {
		for x := d; x != nil; x = x.Base {
			if tok, ok := x.Ops[OpKey{Op: op, CaseSensitive: true}]; ok {
				return tok, true
			}
		}
	}
	for x := d; x != nil; x = x.Base {
		if tok, ok := x.Ops[OpKey{Op: op}]; ok {
			return tok, true
		}
	}
	return Token{}, false
}

// MathToken returns the math operator for a column type, falling back to the
// untyped token.
func (d *Dialect) MathToken(op query.MathOp, t schema.ColumnType) (string, bool) {
	for x := d; x != nil; x = x.Base {
		if tok, ok := x.Math[MathKey{Op: op, Type: t}]; ok {
			return tok, true
		}
	}
	for x := d; x != nil; x = x.Base {
		if tok, ok := x.Math[MathKey{Op: op}]; ok {
			return tok, true
		}
	}
	return "", false
}

// FuncToken returns the fmt format of a function.
func (d *Dialect) FuncToken(f query.Func) (string, bool) {
	for x := d; x != nil; x = x.Base {
		if tok, ok := x.Funcs[f]; ok {
			return tok, true
		}
	}
	return "", false
}

// inherit fills unset hooks and settings from the Base chain.
func (d *Dialect) inherit() {
	for b := d.Base; b != nil; b = b.Base {
		if d.Quote == nil {
			d.Quote = b.Quote
		}
		if d.Placeholder == nil {
			d.Placeholder = b.Placeholder
		}
		if d.Classifier == nil {
			d.Classifier = b.Classifier
		}
		if d.DSN == nil {
			d.DSN = b.DSN
		}
		if d.DefaultValues == "" {
			d.DefaultValues = b.DefaultValues
		}
		if d.CurrentSchema == "" {
			d.CurrentSchema = b.CurrentSchema
		}
		st := &d.Statements
		if st.IndexColumn == nil {
			st.IndexColumn = b.Statements.IndexColumn
		}
		if st.Upsert == nil {
			st.Upsert = b.Statements.Upsert
		}
		if st.InsertedKeys == nil {
			st.InsertedKeys = b.Statements.InsertedKeys
		}
		if st.TableExists == nil {
			st.TableExists = b.Statements.TableExists
		}
		if st.TableColumns == nil {
			st.TableColumns = b.Statements.TableColumns
		}
		if st.SchemaInfo == nil {
			st.SchemaInfo = b.Statements.SchemaInfo
		}
	}
}

var registry = struct {
	mu       sync.RWMutex
	dialects map[string]*Dialect
}{dialects: make(map[string]*Dialect)}

// Register adds a dialect. Hooks the dialect leaves unset are resolved from
// its Base chain here, once.
func Register(d *Dialect) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("dialect must have a name")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.dialects[d.Name]; exists {
		return fmt.Errorf("dialect %s is already registered", d.Name)
	}
	d.inherit()
	if d.Quote == nil || d.Placeholder == nil {
		return fmt.Errorf("dialect %s has no quoting or placeholder rules", d.Name)
	}
	registry.dialects[d.Name] = d
	return nil
}

// MustRegister is Register for package init functions.
func MustRegister(d *Dialect) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns a registered dialect.
func Lookup(name string) (*Dialect, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if d, ok := registry.dialects[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: dialect %s", core.ErrBackendNotFound, name)
}

// Names lists the registered dialects.
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.dialects))
	for name := range registry.dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QuoteANSI quotes an identifier with double quotes.
func QuoteANSI(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// QuestionPlaceholder renders ? for every parameter.
func QuestionPlaceholder(int) string {
	return "?"
}

// NumberedPlaceholder renders ?1, ?2, ...
func NumberedPlaceholder(n int) string {
	return "?" + strconv.Itoa(n)
}
