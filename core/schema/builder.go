package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/orb-framework/orb-sub003/core"
)

// ColumnOption customises a column added through Builder.Column.
type ColumnOption func(*Column)

// Field overrides the database field name.
func Field(name string) ColumnOption {
	return func(c *Column) { c.Field = name }
}

// Flags sets additional flags.
func Flags(flags Flag) ColumnOption {
	return func(c *Column) { c.Flags |= flags }
}

// MaxLength bounds string columns.
func MaxLength(n int) ColumnOption {
	return func(c *Column) { c.MaxLength = n }
}

// Precision sets the precision and scale of decimal columns.
func Precision(precision, scale int) ColumnOption {
	return func(c *Column) {
		c.Precision = precision
		c.Scale = scale
	}
}

// References points a reference column at a target schema, optionally at a
// specific target column.
func References(target string, column ...string) ColumnOption {
	return func(c *Column) {
		c.Reference = target
		if len(column) > 0 {
			c.ReferenceColumn = column[0]
		}
	}
}

// Default sets the value used when a record omits the column.
func Default(v any) ColumnOption {
	return func(c *Column) { c.Default = v }
}

// ShortcutTo turns the column into a virtual alias for a dotted path.
func ShortcutTo(path string) ColumnOption {
	return func(c *Column) {
		c.Shortcut = path
		c.Flags |= FlagVirtual
	}
}

// Builder assembles a Schema through explicit registration calls.
type Builder struct {
	schema *Schema
	errs   []error
}

// NewSchema starts a schema definition. The table name defaults to the
// snake_case form of name.
func NewSchema(name string) *Builder {
	return &Builder{schema: &Schema{
		Name:   name,
		DBName: Underscore(name),
		byName: make(map[string]*Column),
	}}
}

// Table overrides the database table name.
func (b *Builder) Table(name string) *Builder {
	b.schema.DBName = name
	return b
}

// Namespace places the table in a database namespace.
func (b *Builder) Namespace(ns string) *Builder {
	b.schema.Namespace = ns
	return b
}

// Abstract marks the schema as a base that has no table of its own.
func (b *Builder) Abstract() *Builder {
	b.schema.Abstract = true
	return b
}

// Inherits copies the columns of the named schema when registered.
func (b *Builder) Inherits(name string) *Builder {
	b.schema.Inherits = name
	return b
}

// Preload allows the record cache to load the whole table at once.
func (b *Builder) Preload() *Builder {
	b.schema.Preload = true
	return b
}

// CacheTimeout sets the table-level cache expiry.
func (b *Builder) CacheTimeout(d time.Duration) *Builder {
	b.schema.CacheTimeout = d
	return b
}

// Column adds a column.
func (b *Builder) Column(name string, typ ColumnType, opts ...ColumnOption) *Builder {
	if _, exists := b.schema.byName[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate column %q", name))
		return b
	}
	col := &Column{Name: name, Type: typ, schema: b.schema}
	for _, opt := range opts {
		opt(col)
	}
	if col.Field == "" {
		col.Field = Underscore(name)
		if typ == TypeReference {
			col.Field += "_id"
		}
	}
	if typ == TypeReference && col.Reference == "" {
		b.errs = append(b.errs, fmt.Errorf("reference column %q has no target", name))
	}
	b.schema.columns = append(b.schema.columns, col)
	b.schema.byName[name] = col
	return b
}

// Primary adds an auto-incrementing integer primary column.
func (b *Builder) Primary(name string) *Builder {
	return b.Column(name, TypeSerial, Flags(FlagPrimary|FlagAutoIncrement|FlagRequired|FlagUnique))
}

// Index adds an explicit index over the given columns.
func (b *Builder) Index(name string, unique bool, columns ...string) *Builder {
	if len(columns) == 0 {
		b.errs = append(b.errs, fmt.Errorf("index %q has no columns", name))
		return b
	}
	b.schema.indexes = append(b.schema.indexes, &Index{Name: name, Columns: columns, Unique: unique, schema: b.schema})
	return b
}

// Pipe adds a many-to-many collector: rows of through link the owner (via
// from) to target (via to).
func (b *Builder) Pipe(name, through, from, to, target string) *Builder {
	b.schema.collectors = append(b.schema.collectors, &Collector{
		Name: name, Kind: CollectorPipe, Target: target, Through: through, From: from, To: to, schema: b.schema,
	})
	return b
}

// ReverseLookup adds a one-to-many collector over the reference column of
// target.
func (b *Builder) ReverseLookup(name, target, column string) *Builder {
	b.schema.collectors = append(b.schema.collectors, &Collector{
		Name: name, Kind: CollectorReverseLookup, Target: target, Column: column, schema: b.schema,
	})
	return b
}

// Build validates the definition and returns the schema.
func (b *Builder) Build() (*Schema, error) {
	errs := append([]error(nil), b.errs...)
	for _, idx := range b.schema.indexes {
		for _, name := range idx.Columns {
			if b.schema.FindColumn(name) == nil && b.schema.Inherits == "" {
				errs = append(errs, core.NewColumnError(core.ErrColumnNotFound, b.schema.Name, name, "index "+idx.Name))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid schema %s: %w", b.schema.Name, errors.Join(errs...))
	}
	return b.schema, nil
}

// MustBuild is Build for package-level schema definitions.
func (b *Builder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
