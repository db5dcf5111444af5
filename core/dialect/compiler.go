package dialect

import (
	"fmt"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/orb-framework/orb-sub003/core/store"
	"go.uber.org/zap"
)

// DefaultBatchSize is the maximum number of rows per insert statement before
// the width adjustment of BatchSize.
const DefaultBatchSize = 500

// Compiler renders statements for one dialect. It holds no per-call state and
// is safe for concurrent use.
type Compiler struct {
	dialect   *Dialect
	store     *store.DataStore
	logger    *zap.Logger
	batchSize int
}

// NewCompiler creates a compiler. A nil store uses store.New(); a nil logger
// discards output.
func NewCompiler(d *Dialect, ds *store.DataStore, logger *zap.Logger) *Compiler {
	if ds == nil {
		ds = store.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{dialect: d, store: ds, logger: logger, batchSize: DefaultBatchSize}
}

// SetBatchSize changes the maximum insert batch size. Non-positive values are
// ignored.
func (c *Compiler) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize = n
	}
}

// Dialect returns the compiler's dialect.
func (c *Compiler) Dialect() *Dialect {
	return c.dialect
}

// Store returns the value codec used for bound parameters.
func (c *Compiler) Store() *store.DataStore {
	return c.store
}

// Quote quotes an identifier.
func (c *Compiler) Quote(ident string) string {
	return c.dialect.Quote(ident)
}

// Field renders a table qualified field.
func (c *Compiler) Field(table, field string) string {
	return c.Quote(table) + "." + c.Quote(field)
}

// Table renders the table of s, qualified with its namespace when the
// dialect supports namespaces. The context namespace overrides the schema's.
func (c *Compiler) Table(s *schema.Schema, ctx *query.Context) string {
	return c.tableName(namespace(s, ctx), s.DBName)
}

// I18nTable renders the translation table of s.
func (c *Compiler) I18nTable(s *schema.Schema, ctx *query.Context) string {
	return c.tableName(namespace(s, ctx), s.I18nTable())
}

func (c *Compiler) tableName(ns, table string) string {
	if ns != "" && c.dialect.Namespaces {
		return c.Quote(ns) + "." + c.Quote(table)
	}
	return c.Quote(table)
}

func namespace(s *schema.Schema, ctx *query.Context) string {
	if ctx != nil && ctx.Namespace != "" {
		return ctx.Namespace
	}
	if s != nil {
		return s.Namespace
	}
	return ""
}

func locale(ctx *query.Context) string {
	return ctx.LocaleOrDefault()
}

func (c *Compiler) quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = c.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

// storeValue encodes v for binding against col.
func (c *Compiler) storeValue(col *schema.Column, v any) (any, error) {
	stored, err := c.store.Store(col, v)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// columnType renders the native type of col.
func (c *Compiler) columnType(col *schema.Column) (string, error) {
	tok, ok := c.dialect.TypeToken(col.Type)
	if !ok {
		return "", core.NewColumnError(core.ErrQueryInvalid, schemaName(col), col.Name,
			fmt.Sprintf("type %s is not supported by %s", col.Type, c.dialect.Name))
	}
	switch col.Type {
	case schema.TypeString:
		if strings.Contains(tok, "%d") {
			n := col.MaxLength
			if n <= 0 {
				n = 256
			}
			tok = fmt.Sprintf(tok, n)
		}
	case schema.TypeDecimal:
		if strings.Contains(tok, "%d") {
			p, s := col.Precision, col.Scale
			if p <= 0 {
				p, s = 10, 2
			}
			tok = fmt.Sprintf(tok, p, s)
		}
	}
	return tok, nil
}

func schemaName(col *schema.Column) string {
	if s := col.Schema(); s != nil {
		return s.Name
	}
	return ""
}
