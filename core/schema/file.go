package schema

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML form of a set of schemas, used by the command line tool.
type File struct {
	Schemas []FileSchema `yaml:"schemas"`
}

type FileSchema struct {
	Name         string       `yaml:"name"`
	Table        string       `yaml:"table,omitempty"`
	Namespace    string       `yaml:"namespace,omitempty"`
	Abstract     bool         `yaml:"abstract,omitempty"`
	Inherits     string       `yaml:"inherits,omitempty"`
	Preload      bool         `yaml:"preload,omitempty"`
	CacheTimeout string       `yaml:"cache_timeout,omitempty"`
	Primary      string       `yaml:"primary,omitempty"`
	Columns      []FileColumn `yaml:"columns"`
	Indexes      []FileIndex  `yaml:"indexes,omitempty"`
}

type FileColumn struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Field      string `yaml:"field,omitempty"`
	Flags      string `yaml:"flags,omitempty"`
	MaxLength  int    `yaml:"max_length,omitempty"`
	Precision  int    `yaml:"precision,omitempty"`
	Scale      int    `yaml:"scale,omitempty"`
	References string `yaml:"references,omitempty"`
	Default    any    `yaml:"default,omitempty"`
}

type FileIndex struct {
	Name    string   `yaml:"name"`
	Unique  bool     `yaml:"unique,omitempty"`
	Columns []string `yaml:"columns"`
}

var columnTypes = map[string]ColumnType{}

func init() {
	for _, t := range []ColumnType{
		TypeBoolean, TypeBinary, TypeData, TypeDate, TypeDatetime, TypeDatetimeTZ,
		TypeDecimal, TypeDict, TypeFloat, TypeInteger, TypeInterval, TypeLong,
		TypeQuery, TypeReference, TypeSerial, TypeString, TypeText, TypeTime,
		TypeTimestamp, TypeYAML,
	} {
		columnTypes[string(t)] = t
	}
}

// LoadFile reads a YAML schema file and registers its schemas in a new
// registry. Schemas are returned in file order.
func LoadFile(path string) ([]*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes YAML schema definitions and registers them.
func ParseFile(data []byte) ([]*Schema, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode schema file: %w", err)
	}
	if len(f.Schemas) == 0 {
		return nil, errors.New("schema file defines no schemas")
	}

	schemas := make([]*Schema, 0, len(f.Schemas))
	for _, fs := range f.Schemas {
		s, err := fs.build()
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}

	if err := NewRegistry().Register(schemas...); err != nil {
		return nil, err
	}
	return schemas, nil
}

func (fs FileSchema) build() (*Schema, error) {
	if fs.Name == "" {
		return nil, errors.New("schema without a name")
	}
	b := NewSchema(fs.Name)
	if fs.Table != "" {
		b.Table(fs.Table)
	}
	if fs.Namespace != "" {
		b.Namespace(fs.Namespace)
	}
	if fs.Abstract {
		b.Abstract()
	}
	if fs.Inherits != "" {
		b.Inherits(fs.Inherits)
	}
	if fs.Preload {
		b.Preload()
	}
	if fs.CacheTimeout != "" {
		d, err := time.ParseDuration(fs.CacheTimeout)
		if err != nil {
			return nil, fmt.Errorf("schema %s: cache_timeout: %w", fs.Name, err)
		}
		b.CacheTimeout(d)
	}
	if fs.Primary != "" {
		b.Primary(fs.Primary)
	}

	for _, fc := range fs.Columns {
		typ, ok := columnTypes[fc.Type]
		if !ok {
			return nil, fmt.Errorf("schema %s: column %s: unknown type %q", fs.Name, fc.Name, fc.Type)
		}
		flags, err := ParseFlags(fc.Flags)
		if err != nil {
			return nil, fmt.Errorf("schema %s: column %s: %w", fs.Name, fc.Name, err)
		}
		opts := []ColumnOption{Flags(flags)}
		if fc.Field != "" {
			opts = append(opts, Field(fc.Field))
		}
		if fc.MaxLength > 0 {
			opts = append(opts, MaxLength(fc.MaxLength))
		}
		if fc.Precision > 0 {
			opts = append(opts, Precision(fc.Precision, fc.Scale))
		}
		if fc.References != "" {
			opts = append(opts, References(fc.References))
		}
		if fc.Default != nil {
			opts = append(opts, Default(fc.Default))
		}
		b.Column(fc.Name, typ, opts...)
	}

	for _, fi := range fs.Indexes {
		b.Index(fi.Name, fi.Unique, fi.Columns...)
	}
	return b.Build()
}
