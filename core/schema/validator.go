package schema

import (
	"errors"
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/orb-framework/orb-sub003/core"
)

// Document is a single record keyed by column name.
type Document map[string]any

// Mode selects the rules applied by ValidateRecord.
type Mode int

const (
	// ModeInsert requires every required column to carry a value.
	ModeInsert Mode = iota
	// ModeUpdate rejects changes to read-only columns.
	ModeUpdate
)

// Validate checks a single value against the column's contract. A nil value
// is always accepted here; presence is checked by ValidateRecord.
func (c *Column) Validate(value any) error {
	if value == nil {
		return nil
	}
	if m, ok := value.(map[string]any); ok && c.Translatable() {
		for _, item := range m {
			if err := c.Validate(item); err != nil {
				return err
			}
		}
		return nil
	}

	switch {
	case c.Type.IsString():
		s, ok := value.(string)
		if !ok {
			return c.invalid(value, fmt.Sprintf("expected string, got %T", value))
		}
		if c.MaxLength > 0 && utf8.RuneCountInString(s) > c.MaxLength {
			return c.invalid(value, fmt.Sprintf("length exceeds %d", c.MaxLength))
		}
	case c.Type == TypeInteger || c.Type == TypeLong || c.Type == TypeSerial:
		if !isIntegerType(value) {
			return c.invalid(value, fmt.Sprintf("expected integer, got %T", value))
		}
	case c.Type == TypeFloat || c.Type == TypeDecimal:
		if !isNumericType(value) {
			return c.invalid(value, fmt.Sprintf("expected number, got %T", value))
		}
	case c.Type == TypeBoolean:
		if _, ok := value.(bool); !ok {
			return c.invalid(value, fmt.Sprintf("expected bool, got %T", value))
		}
	case c.Type == TypeDate || c.Type == TypeDatetime || c.Type == TypeDatetimeTZ || c.Type == TypeTime:
		if _, ok := value.(time.Time); !ok {
			if _, ok := value.(time.Duration); !ok {
				return c.invalid(value, fmt.Sprintf("expected time, got %T", value))
			}
		}
	}
	return nil
}

func (c *Column) invalid(value any, reason string) error {
	return &core.ValidationError{Kind: core.ErrColumnValidation, Column: c.String(), Value: value, Reason: reason}
}

// ValidateRecord checks every value of a record against the schema. Unknown
// keys raise ColumnNotFound; all other violations are joined into one error.
func ValidateRecord(s *Schema, record Document, mode Mode) error {
	var errs []error

	for key, value := range record {
		col := s.FindColumn(key)
		if col == nil {
			return core.NewColumnError(core.ErrColumnNotFound, s.Name, key, "")
		}
		if mode == ModeUpdate && col.Test(FlagReadOnly) {
			errs = append(errs, &core.ValidationError{Kind: core.ErrColumnReadOnly, Column: col.String(), Value: value})
			continue
		}
		if err := col.Validate(value); err != nil {
			errs = append(errs, err)
		}
	}

	if mode == ModeInsert {
		for _, col := range s.columns {
			if !col.Test(FlagRequired) || !col.Stored() || col.Test(FlagAutoIncrement) || col.Default != nil {
				continue
			}
			if isEmpty(lookup(record, col)) {
				errs = append(errs, &core.ValidationError{Kind: core.ErrColumnRequired, Column: col.String()})
			}
		}
	}

	return errors.Join(errs...)
}

// lookup finds a column's value in a record keyed by name or field.
func lookup(record Document, col *Column) any {
	if v, ok := record[col.Name]; ok {
		return v
	}
	return record[col.Field]
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func isNumericType(value any) bool {
	switch reflect.ValueOf(value).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isIntegerType(value any) bool {
	switch reflect.ValueOf(value).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.Float32, reflect.Float64:
		f := reflect.ValueOf(value).Float()
		return f == float64(int64(f))
	}
	return false
}
