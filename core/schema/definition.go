// Package schema defines the table descriptors consumed by the statement
// compilers: schemas, columns, indexes, and collectors. Schemas are built once
// through the fluent Builder, registered in a Registry, and treated as
// immutable afterwards.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/orb-framework/orb-sub003/core"
)

// ColumnType identifies the logical type of a column. Dialects map it to a
// native database type.
type ColumnType string

const (
	TypeBoolean    ColumnType = "Boolean"
	TypeBinary     ColumnType = "Binary"
	TypeData       ColumnType = "Data"
	TypeDate       ColumnType = "Date"
	TypeDatetime   ColumnType = "Datetime"
	TypeDatetimeTZ ColumnType = "DatetimeWithTimezone"
	TypeDecimal    ColumnType = "Decimal"
	TypeDict       ColumnType = "Dict"
	TypeFloat      ColumnType = "Float"
	TypeInteger    ColumnType = "Integer"
	TypeInterval   ColumnType = "Interval"
	TypeLong       ColumnType = "Long"
	TypeQuery      ColumnType = "Query"
	TypeReference  ColumnType = "Reference"
	TypeSerial     ColumnType = "Serial"
	TypeString     ColumnType = "String"
	TypeText       ColumnType = "Text"
	TypeTime       ColumnType = "Time"
	TypeTimestamp  ColumnType = "Timestamp"
	TypeYAML       ColumnType = "YAML"
)

// IsString reports whether values of this type are compared as text.
func (t ColumnType) IsString() bool {
	switch t {
	case TypeString, TypeText:
		return true
	}
	return false
}

// IsTemporal reports whether values of this type are points in time.
func (t ColumnType) IsTemporal() bool {
	switch t {
	case TypeDate, TypeDatetime, TypeDatetimeTZ, TypeTime, TypeTimestamp:
		return true
	}
	return false
}

// IsNumeric reports whether values of this type are numbers.
func (t ColumnType) IsNumeric() bool {
	switch t {
	case TypeDecimal, TypeFloat, TypeInteger, TypeLong, TypeSerial:
		return true
	}
	return false
}

// Flag is a bit set of column behaviours.
type Flag uint32

const (
	FlagRequired Flag = 1 << iota
	FlagUnique
	FlagPrivate
	FlagReadOnly
	FlagVirtual
	FlagI18n
	FlagPolymorphic
	FlagPrimary
	FlagAutoIncrement
	FlagEncrypted
	FlagCaseSensitive
	FlagIndexed
)

// FlagTranslatable is the same bit as FlagI18n.
const FlagTranslatable = FlagI18n

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagRequired, "Required"},
	{FlagUnique, "Unique"},
	{FlagPrivate, "Private"},
	{FlagReadOnly, "ReadOnly"},
	{FlagVirtual, "Virtual"},
	{FlagI18n, "I18n"},
	{FlagPolymorphic, "Polymorphic"},
	{FlagPrimary, "Primary"},
	{FlagAutoIncrement, "AutoIncrement"},
	{FlagEncrypted, "Encrypted"},
	{FlagCaseSensitive, "CaseSensitive"},
	{FlagIndexed, "Indexed"},
}

// ParseFlags reads flag names joined by "|" or ",", as written by
// Flag.String. Names are matched case-insensitively; "None" and "" are 0.
func ParseFlags(s string) (Flag, error) {
	var out Flag
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "None") {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(fn.name, part) {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown column flag %q", part)
		}
	}
	return out, nil
}

func (f Flag) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Column describes a single attribute of a schema.
type Column struct {
	Name      string
	Field     string
	Type      ColumnType
	Flags     Flag
	MaxLength int
	Precision int
	Scale     int
	// Reference names the target schema of a TypeReference column.
	Reference string
	// ReferenceColumn names the target column; empty means its primary column.
	ReferenceColumn string
	// Shortcut is a dotted path this virtual column stands for, e.g. "group.name".
	Shortcut string
	Default  any

	schema *Schema
}

// Test reports whether every bit in flags is set on the column.
func (c *Column) Test(flags Flag) bool {
	return c.Flags&flags == flags
}

// Translatable reports whether the column is stored in the i18n satellite table.
func (c *Column) Translatable() bool {
	return c.Test(FlagI18n)
}

// Schema returns the schema that owns the column.
func (c *Column) Schema() *Schema {
	return c.schema
}

// Stored reports whether the column has a physical field.
func (c *Column) Stored() bool {
	return !c.Test(FlagVirtual) && c.Shortcut == ""
}

func (c *Column) String() string {
	if c.schema == nil {
		return c.Name
	}
	return c.schema.Name + "." + c.Name
}

// Index describes an ordered, optionally unique, set of columns.
type Index struct {
	Name    string
	Columns []string
	Unique  bool

	schema *Schema
}

// Schema returns the schema that owns the index.
func (i *Index) Schema() *Schema {
	return i.schema
}

// SchemaColumns resolves the index's column names against its schema.
func (i *Index) SchemaColumns() ([]*Column, error) {
	cols := make([]*Column, 0, len(i.Columns))
	for _, name := range i.Columns {
		col, err := i.schema.Column(name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// CollectorKind distinguishes the two derived relationships.
type CollectorKind string

const (
	// CollectorPipe is a many-to-many relationship through a join table.
	CollectorPipe CollectorKind = "Pipe"
	// CollectorReverseLookup is a one-to-many relationship through a reference
	// column on the target schema.
	CollectorReverseLookup CollectorKind = "ReverseLookup"
)

// Collector describes a relationship that is not backed by a column on the
// owning schema.
type Collector struct {
	Name   string
	Kind   CollectorKind
	Target string
	// Through, From, and To describe a pipe: rows of Through link From (a
	// reference to the owner) with To (a reference to Target).
	Through string
	From    string
	To      string
	// Column is the reference column on Target for a reverse lookup.
	Column string

	schema *Schema
}

// Schema returns the schema that owns the collector.
func (c *Collector) Schema() *Schema {
	return c.schema
}

// Schema describes one table.
type Schema struct {
	Name         string
	DBName       string
	Namespace    string
	Abstract     bool
	Inherits     string
	Preload      bool
	CacheTimeout time.Duration

	columns    []*Column
	byName     map[string]*Column
	indexes    []*Index
	collectors []*Collector
	registry   *Registry
}

// Columns returns the schema's columns, in definition order, filtered so that
// every bit of include is set and no bit of exclude is set.
func (s *Schema) Columns(include, exclude Flag) []*Column {
	out := make([]*Column, 0, len(s.columns))
	for _, c := range s.columns {
		if include != 0 && !c.Test(include) {
			continue
		}
		if exclude != 0 && c.Flags&exclude != 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// StoredColumns returns the physical, non-translatable columns.
func (s *Schema) StoredColumns() []*Column {
	out := make([]*Column, 0, len(s.columns))
	for _, c := range s.columns {
		if c.Stored() && !c.Translatable() {
			out = append(out, c)
		}
	}
	return out
}

// TranslatableColumns returns the physical columns stored in the i18n table.
func (s *Schema) TranslatableColumns() []*Column {
	out := make([]*Column, 0)
	for _, c := range s.columns {
		if c.Stored() && c.Translatable() {
			out = append(out, c)
		}
	}
	return out
}

// Column resolves a column by name or by field name.
func (s *Schema) Column(name string) (*Column, error) {
	if c := s.FindColumn(name); c != nil {
		return c, nil
	}
	return nil, core.NewColumnError(core.ErrColumnNotFound, s.Name, name, "")
}

// PrimaryColumn returns the primary column, including one inherited from an
// ancestor schema.
func (s *Schema) PrimaryColumn() (*Column, error) {
	for _, c := range s.columns {
		if c.Test(FlagPrimary) {
			return c, nil
		}
	}
	return nil, core.NewColumnError(core.ErrColumnNotFound, s.Name, "<primary>", "schema has no primary column")
}

// Indexes returns the schema's explicit indexes.
func (s *Schema) Indexes() []*Index {
	return s.indexes
}

// Collectors returns the schema's collectors.
func (s *Schema) Collectors() []*Collector {
	return s.collectors
}

// Collector returns the named collector or nil.
func (s *Schema) Collector(name string) *Collector {
	for _, c := range s.collectors {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Registry returns the registry the schema belongs to, or nil before
// registration.
func (s *Schema) Registry() *Registry {
	return s.registry
}

// Related resolves another schema through the owning registry.
func (s *Schema) Related(name string) (*Schema, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("%w: %s (schema %s is not registered)", core.ErrTableNotFound, name, s.Name)
	}
	return s.registry.Schema(name)
}

// I18nTable returns the name of the satellite table holding translations.
func (s *Schema) I18nTable() string {
	return s.DBName + "_i18n"
}

// I18nKey returns the satellite table's field referencing the owner row.
func (s *Schema) I18nKey() string {
	return s.DBName + "_id"
}

func (s *Schema) String() string {
	return s.Name
}
