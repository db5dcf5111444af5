package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// TableOptions tune CreateTable.
type TableOptions struct {
	IfNotExists   bool
	DropIfExists  bool
	CreateIndexes bool
}

// DefaultTableOptions creates missing tables and their indexes.
func DefaultTableOptions() TableOptions {
	return TableOptions{IfNotExists: true, CreateIndexes: true}
}

// CreateTable compiles the DDL for s: the main table, the i18n table when s
// has translatable columns, and optionally its indexes. Abstract schemas have
// no table.
func (c *Compiler) CreateTable(s *schema.Schema, opts TableOptions, ctx *query.Context) (Outcome, error) {
	if s.Abstract {
		return EmptyOutcome(), nil
	}
	pk, err := s.PrimaryColumn()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: cannot create %s: %w", core.ErrQueryInvalid, s.Name, err)
	}

	var out Outcome
	add := func(text, table string) {
		out.Commands = append(out.Commands, Command{Text: text, Table: table})
	}

	translatable := s.TranslatableColumns()
	if opts.DropIfExists {
		if len(translatable) > 0 {
			add("DROP TABLE IF EXISTS "+c.I18nTable(s, ctx), s.I18nTable())
		}
		add("DROP TABLE IF EXISTS "+c.Table(s, ctx), s.DBName)
	}

	defs := make([]string, 0, len(s.StoredColumns())+1)
	for _, col := range s.StoredColumns() {
		def, err := c.columnDefinition(col, col == pk)
		if err != nil {
			return Outcome{}, err
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)", c.Quote(s.DBName+"_pkey"), c.Quote(pk.Field)))
	add(c.createTableText(c.Table(s, ctx), defs, opts.IfNotExists), s.DBName)

	if len(translatable) > 0 {
		text, err := c.createI18nTable(s, pk, translatable, opts.IfNotExists, ctx)
		if err != nil {
			return Outcome{}, err
		}
		add(text, s.I18nTable())
	}

	if opts.CreateIndexes {
		for _, idx := range s.Indexes() {
			cmd, err := c.CreateIndex(idx, ctx)
			if err != nil {
				return Outcome{}, err
			}
			out.Commands = append(out.Commands, cmd)
		}
		for _, col := range s.Columns(schema.FlagIndexed, schema.FlagVirtual) {
			if !col.Stored() {
				continue
			}
			cmd, err := c.CreateColumnIndex(col, ctx)
			if err != nil {
				return Outcome{}, err
			}
			out.Commands = append(out.Commands, cmd)
		}
	}
	return out, nil
}

func (c *Compiler) createTableText(table string, defs []string, ifNotExists bool) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	if ifNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(table + " (\n    ")
	sb.WriteString(strings.Join(defs, ",\n    "))
	sb.WriteString("\n)")
	return sb.String()
}

func (c *Compiler) createI18nTable(s *schema.Schema, pk *schema.Column, columns []*schema.Column, ifNotExists bool, ctx *query.Context) (string, error) {
	keyType, ok := c.dialect.TypeToken(schema.TypeReference)
	if !ok {
		return "", fmt.Errorf("%w: %s has no reference type", core.ErrQueryInvalid, c.dialect.Name)
	}
	defs := []string{
		fmt.Sprintf("%s VARCHAR(5) NOT NULL", c.Quote("locale")),
		fmt.Sprintf("%s %s NOT NULL REFERENCES %s (%s) ON DELETE CASCADE", c.Quote(s.I18nKey()), keyType, c.Table(s, ctx), c.Quote(pk.Field)),
	}
	for _, col := range columns {
		def, err := c.columnDefinition(col, false)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s, %s)",
		c.Quote(s.I18nTable()+"_pkey"), c.Quote(s.I18nKey()), c.Quote("locale")))
	return c.createTableText(c.I18nTable(s, ctx), defs, ifNotExists), nil
}

// columnDefinition renders `"field" TYPE [constraints] [DEFAULT x] [REFERENCES ...]`.
func (c *Compiler) columnDefinition(col *schema.Column, primary bool) (string, error) {
	typ, err := c.columnType(col)
	if err != nil {
		return "", err
	}
	parts := []string{c.Quote(col.Field), typ}

	for _, flag := range []schema.Flag{schema.FlagRequired, schema.FlagUnique, schema.FlagAutoIncrement} {
		if !col.Test(flag) || (primary && flag == schema.FlagUnique) {
			continue
		}
		if flag == schema.FlagAutoIncrement && !primary {
			continue
		}
		if tok, ok := c.dialect.FlagToken(flag); ok && tok != "" {
			parts = append(parts, tok)
		}
	}

	if col.Default != nil {
		if _, dynamic := col.Default.(func() any); !dynamic {
			def, err := formatDefaultValue(col, col.Default)
			if err != nil {
				return "", err
			}
			parts = append(parts, "DEFAULT "+def)
		}
	}

	if col.Type == schema.TypeReference && col.Schema() != nil {
		target, err := col.Schema().Related(col.Reference)
		if err != nil {
			return "", err
		}
		var targetCol *schema.Column
		if col.ReferenceColumn != "" {
			targetCol, err = target.Column(col.ReferenceColumn)
		} else {
			targetCol, err = target.PrimaryColumn()
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("REFERENCES %s (%s)", c.Quote(target.DBName), c.Quote(targetCol.Field)))
	}
	return strings.Join(parts, " "), nil
}

// formatDefaultValue renders a literal for a DEFAULT clause.
func formatDefaultValue(col *schema.Column, v any) (string, error) {
	quote := func(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
	switch val := v.(type) {
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return quote(val), nil
	case time.Time:
		return quote(val.UTC().Format("2006-01-02 15:04:05")), nil
	}
	if f, ok := query.ToFloat64(v); ok {
		if col.Type == schema.TypeInteger || col.Type == schema.TypeLong {
			return fmt.Sprintf("%d", int64(f)), nil
		}
		return fmt.Sprintf("%v", v), nil
	}
	switch col.Type {
	case schema.TypeDict, schema.TypeData:
		out, err := json.Marshal(v)
		if err != nil {
			return "", core.DataStoreError(col.Name, fmt.Errorf("default value: %w", err))
		}
		return quote(string(out)), nil
	}
	return "", core.NewColumnError(core.ErrQueryInvalid, schemaName(col), col.Name, fmt.Sprintf("unsupported default %T", v))
}

// DropTable compiles the removal of s and its i18n table.
func (c *Compiler) DropTable(s *schema.Schema, ctx *query.Context) Outcome {
	if s.Abstract {
		return EmptyOutcome()
	}
	var out Outcome
	if len(s.TranslatableColumns()) > 0 {
		out.Commands = append(out.Commands, Command{Text: "DROP TABLE IF EXISTS " + c.I18nTable(s, ctx), Table: s.I18nTable()})
	}
	out.Commands = append(out.Commands, Command{Text: "DROP TABLE IF EXISTS " + c.Table(s, ctx), Table: s.DBName})
	return out
}

// AddColumn compiles the addition of one column. Translatable columns are
// added to the i18n table.
func (c *Compiler) AddColumn(col *schema.Column, ctx *query.Context) (Command, error) {
	s := col.Schema()
	if s == nil {
		return Command{}, core.NewColumnError(core.ErrTableNotFound, "", col.Name, "column has no schema")
	}
	def, err := c.columnDefinition(col, false)
	if err != nil {
		return Command{}, err
	}
	table, name := c.Table(s, ctx), s.DBName
	if col.Translatable() {
		table, name = c.I18nTable(s, ctx), s.I18nTable()
	}
	return Command{Text: fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, def), Table: name}, nil
}

// AlterTable compiles the additive migration m. When i18nExists is false and
// translatable columns are missing, the i18n table is created instead of
// altered.
func (c *Compiler) AlterTable(s *schema.Schema, m schema.Migration, i18nExists bool, ctx *query.Context) (Outcome, error) {
	if m.Empty() || s.Abstract {
		return EmptyOutcome(), nil
	}
	var out Outcome

	alter := func(table, name string, cols []*schema.Column) error {
		defs := make([]string, len(cols))
		for i, col := range cols {
			def, err := c.columnDefinition(col, false)
			if err != nil {
				return err
			}
			defs[i] = "ADD COLUMN " + def
		}
		if c.dialect.CombinedAlter {
			out.Commands = append(out.Commands, Command{Text: fmt.Sprintf("ALTER TABLE %s %s", table, strings.Join(defs, ", ")), Table: name})
			return nil
		}
		for _, def := range defs {
			out.Commands = append(out.Commands, Command{Text: fmt.Sprintf("ALTER TABLE %s %s", table, def), Table: name})
		}
		return nil
	}

	if len(m.Standard) > 0 {
		if err := alter(c.Table(s, ctx), s.DBName, m.Standard); err != nil {
			return Outcome{}, err
		}
	}
	if len(m.Translatable) > 0 {
		if i18nExists {
			if err := alter(c.I18nTable(s, ctx), s.I18nTable(), m.Translatable); err != nil {
				return Outcome{}, err
			}
		} else {
			pk, err := s.PrimaryColumn()
			if err != nil {
				return Outcome{}, err
			}
			text, err := c.createI18nTable(s, pk, s.TranslatableColumns(), true, ctx)
			if err != nil {
				return Outcome{}, err
			}
			out.Commands = append(out.Commands, Command{Text: text, Table: s.I18nTable()})
		}
	}
	return out, nil
}

// CreateIndex compiles an explicit index. Indexes are named
// <table>_<index>_idx.
func (c *Compiler) CreateIndex(idx *schema.Index, ctx *query.Context) (Command, error) {
	s := idx.Schema()
	cols, err := idx.SchemaColumns()
	if err != nil {
		return Command{}, err
	}
	parts := make([]string, len(cols))
	for i, col := range cols {
		if !col.Stored() || col.Translatable() {
			return Command{}, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "index "+idx.Name+" must use standard columns")
		}
		parts[i] = c.dialect.Statements.IndexColumn(c, col)
	}
	return Command{Text: c.createIndexText(s.DBName, idx.Name, c.Table(s, ctx), parts, idx.Unique), Table: s.DBName}, nil
}

// CreateColumnIndex compiles the automatic single column index of col.
func (c *Compiler) CreateColumnIndex(col *schema.Column, ctx *query.Context) (Command, error) {
	s := col.Schema()
	if s == nil {
		return Command{}, core.NewColumnError(core.ErrTableNotFound, "", col.Name, "column has no schema")
	}
	if !col.Stored() {
		return Command{}, core.NewColumnError(core.ErrQueryInvalid, s.Name, col.Name, "virtual columns cannot be indexed")
	}
	name, table := s.DBName, c.Table(s, ctx)
	if col.Translatable() {
		name, table = s.I18nTable(), c.I18nTable(s, ctx)
	}
	part := c.dialect.Statements.IndexColumn(c, col)
	return Command{Text: c.createIndexText(name, col.Field, table, []string{part}, false), Table: name}, nil
}

func (c *Compiler) createIndexText(table, name, target string, parts []string, unique bool) string {
	var sb strings.Builder
	sb.WriteString("CREATE ")
	if unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX ")
	if c.dialect.IndexIfNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	fmt.Fprintf(&sb, "%s ON %s (%s)", c.Quote(table+"_"+name+"_idx"), target, strings.Join(parts, ", "))
	return sb.String()
}

// TableExists compiles a query returning a single "count" row that is
// non-zero when table exists.
func (c *Compiler) TableExists(table string, ctx *query.Context) Command {
	io := NewIO(c.dialect)
	text := c.dialect.Statements.TableExists(c, table, namespace(nil, ctx), io)
	return Command{Text: text, Args: io.Args(), Returning: true, Table: table}
}

// TableColumns compiles a query returning one "name" row per column of
// table.
func (c *Compiler) TableColumns(table string, ctx *query.Context) Command {
	io := NewIO(c.dialect)
	text := c.dialect.Statements.TableColumns(c, table, namespace(nil, ctx), io)
	return Command{Text: text, Args: io.Args(), Returning: true, Table: table}
}

// SchemaInfo compiles a query returning one row per table with "name",
// "fields", and "indexes", the last two comma separated.
func (c *Compiler) SchemaInfo(ctx *query.Context) Command {
	io := NewIO(c.dialect)
	text := c.dialect.Statements.SchemaInfo(c, namespace(nil, ctx), io)
	return Command{Text: text, Args: io.Args(), Returning: true}
}
