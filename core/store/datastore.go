// Package store converts column values between their Go form and the form a
// database driver accepts.
package store

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"gopkg.in/yaml.v3"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// Keyed is implemented by record values stored in reference columns. Store
// writes their primary key.
type Keyed interface {
	PrimaryKey() any
}

// DataStore is the value codec used by the statement compilers and by the
// executor when decoding rows.
type DataStore struct {
	now func() time.Time
}

// New creates a DataStore.
func New() *DataStore {
	return &DataStore{now: time.Now}
}

// Store prepares v for the database. Durations are stored as the absolute
// point in time now+v.
func (d *DataStore) Store(col *schema.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if col == nil {
		return d.storeScalar(v), nil
	}

	switch col.Type {
	case schema.TypeQuery:
		return d.storeQuery(col, v)
	case schema.TypeBinary:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("encode binary: %w", err))
		}
		return buf.Bytes(), nil
	case schema.TypeYAML:
		if s, ok := v.(string); ok {
			return s, nil
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("encode yaml: %w", err))
		}
		return string(out), nil
	case schema.TypeDict, schema.TypeData:
		switch v.(type) {
		case string, []byte:
			return v, nil
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("encode json: %w", err))
		}
		return string(out), nil
	}

	if col.Translatable() {
		if m, ok := v.(map[string]any); ok {
			out := make(map[string]any, len(m))
			for locale, item := range m {
				stored, err := d.Store(col, item)
				if err != nil {
					return nil, err
				}
				out[locale] = stored
			}
			return out, nil
		}
	}

	return d.storeValue(col, v)
}

func (d *DataStore) storeValue(col *schema.Column, v any) (any, error) {
	switch val := v.(type) {
	case Keyed:
		return val.PrimaryKey(), nil
	case []byte:
		return val, nil
	case map[string]any:
		out, err := json.Marshal(val)
		if err != nil {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("encode json: %w", err))
		}
		return string(out), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			stored, err := d.Store(col, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = stored
		}
		return out, nil
	}
	return d.storeScalar(v), nil
}

func (d *DataStore) storeScalar(v any) any {
	switch val := v.(type) {
	case time.Duration:
		return d.now().Add(val).UTC()
	case time.Time:
		return val.UTC()
	case Keyed:
		return val.PrimaryKey()
	case query.Sentinel:
		return string(val)
	}
	return v
}

func (d *DataStore) storeQuery(col *schema.Column, v any) (any, error) {
	var n query.Node
	switch val := v.(type) {
	case string:
		return val, nil
	case query.Node:
		n = val
	case map[string]any:
		parsed, err := query.FromMap(val)
		if err != nil {
			return nil, core.DataStoreError(col.Name, err)
		}
		n = parsed
	default:
		return nil, core.DataStoreError(col.Name, fmt.Errorf("cannot store %T as a query", v))
	}
	out, err := query.Marshal(n)
	if err != nil {
		return nil, core.DataStoreError(col.Name, err)
	}
	return string(out), nil
}

// Restore converts a database value back to its Go form. For translatable
// columns holding every locale, locale selects one; query.AllLocales returns
// the map unchanged.
func (d *DataStore) Restore(col *schema.Column, v any, locale string) (any, error) {
	if v == nil || col == nil {
		return v, nil
	}

	switch col.Type {
	case schema.TypeBinary:
		b, ok := asBytes(v)
		if !ok {
			return v, nil
		}
		var out any
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&out); err != nil {
			// Raw bytes written by other clients are returned as-is.
			return b, nil
		}
		return out, nil
	case schema.TypeYAML:
		b, ok := asBytes(v)
		if !ok {
			return v, nil
		}
		var out any
		if err := yaml.Unmarshal(b, &out); err != nil {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("decode yaml: %w", err))
		}
		return out, nil
	case schema.TypeQuery:
		if m, ok := v.(map[string]any); ok {
			n, err := query.FromMap(m)
			if err != nil {
				return nil, core.DataStoreError(col.Name, err)
			}
			return n, nil
		}
		b, ok := asBytes(v)
		if !ok {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("cannot restore %T as a query", v))
		}
		n, err := query.Unmarshal(b)
		if err != nil {
			return nil, core.DataStoreError(col.Name, err)
		}
		return n, nil
	case schema.TypeDict, schema.TypeData:
		b, ok := asBytes(v)
		if !ok {
			return v, nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, core.DataStoreError(col.Name, fmt.Errorf("decode json: %w", err))
		}
		return out, nil
	case schema.TypeBoolean:
		switch b := v.(type) {
		case int64:
			return b != 0, nil
		case []byte:
			return string(b) == "1" || string(b) == "true", nil
		}
		return v, nil
	case schema.TypeDecimal, schema.TypeFloat:
		if b, ok := asBytes(v); ok {
			f, err := strconv.ParseFloat(string(b), 64)
			if err != nil {
				return nil, core.DataStoreError(col.Name, fmt.Errorf("decode decimal: %w", err))
			}
			return f, nil
		}
		if f, ok := v.(float32); ok {
			return float64(f), nil
		}
		return v, nil
	case schema.TypeDate, schema.TypeDatetime, schema.TypeDatetimeTZ:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	}

	if col.Translatable() {
		if m, ok := v.(map[string]any); ok {
			if locale == query.AllLocales {
				return m, nil
			}
			if locale == "" {
				locale = query.DefaultLocale
			}
			if item, ok := m[locale]; ok {
				return d.Restore(col, item, locale)
			}
			return d.Restore(col, m[query.DefaultLocale], locale)
		}
	}

	if col.Type.IsString() {
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	}
	return v, nil
}

// RestoreRow restores every known column of a row in place. Keys that match
// no column are left untouched.
func (d *DataStore) RestoreRow(s *schema.Schema, row schema.Document, locale string) error {
	for key, value := range row {
		col := s.FindColumn(key)
		if col == nil {
			continue
		}
		restored, err := d.Restore(col, value, locale)
		if err != nil {
			return err
		}
		row[key] = restored
	}
	return nil
}

func asBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}
