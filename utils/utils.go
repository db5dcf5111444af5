// Package utils converts between Go structs and the schema.Document records
// the executor reads and writes.
package utils

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/orb-framework/orb-sub003/core/schema"
)

// ToDocument converts a struct, or a pointer to one, into a record.
//
// Keys are taken from the `orb` tag, then the `json` tag, then the field
// name. A tag of "-" skips the field and the `omitempty` option drops zero
// values. Values are copied as they are, so time.Time and nested maps reach
// the DataStore unchanged. Embedded structs are flattened.
//
// Example:
//
//	type Tag struct {
//		ID    int64  `orb:"id,omitempty"`
//		Label string `orb:"label"`
//	}
//	doc, err := ToDocument(Tag{Label: "go"})
//	// doc is schema.Document{"label": "go"}
func ToDocument[T any](record T) (schema.Document, error) {
	val := reflect.ValueOf(record)
	if !val.IsValid() {
		return nil, fmt.Errorf("input record cannot be nil")
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("input record cannot be a nil pointer to a struct")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input record must be a struct or a pointer to a struct, got %s", val.Kind())
	}

	doc := make(schema.Document, val.NumField())
	collect(val, doc)
	return doc, nil
}

func collect(val reflect.Value, doc schema.Document) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := val.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collect(fv, doc)
			continue
		}

		name, omitEmpty, skip := fieldKey(field)
		if skip || (omitEmpty && fv.IsZero()) {
			continue
		}
		doc[name] = fv.Interface()
	}
}

// fieldKey resolves the record key of a struct field.
func fieldKey(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := field.Tag.Lookup("orb")
	if !ok {
		tag, ok = field.Tag.Lookup("json")
	}
	if !ok {
		return field.Name, false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

// FromDocument converts a record into a new instance of the struct type T.
//
// It is the inverse of ToDocument for structs using `json` tags: the record
// is encoded to JSON and decoded into T, so numeric values are converted to
// the field types and nested maps fill nested structs. When T is a pointer
// type the struct is allocated and a pointer to it returned.
func FromDocument[T any](input schema.Document) (T, error) {
	var zero T
	if input == nil {
		return zero, fmt.Errorf("FromDocument: input record cannot be nil")
	}

	typ := reflect.TypeOf(zero)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return zero, fmt.Errorf("FromDocument: generic type T must be a struct type (or pointer to struct), got %s", typ.Kind())
	}

	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("FromDocument: failed to marshal record to JSON: %w", err)
	}
	var result T
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return zero, fmt.Errorf("FromDocument: failed to unmarshal JSON to target struct: %w", err)
	}
	return result, nil
}

// FromDocuments converts every record with FromDocument.
func FromDocuments[T any](input []schema.Document) ([]T, error) {
	out := make([]T, 0, len(input))
	for i, doc := range input {
		v, err := FromDocument[T](doc)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
