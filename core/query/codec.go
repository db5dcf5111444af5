package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/orb-framework/orb-sub003/core"
)

// wireNode is the JSON form of a Node.
type wireNode struct {
	Type          string            `json:"type"`
	Table         string            `json:"table,omitempty"`
	Column        string            `json:"column,omitempty"`
	Op            string            `json:"op"`
	Value         json.RawMessage   `json:"value,omitempty"`
	CaseSensitive bool              `json:"caseSensitive,omitempty"`
	Math          []wireMath        `json:"math,omitempty"`
	Functions     []Func            `json:"functions,omitempty"`
	Queries       []json.RawMessage `json:"queries,omitempty"`
}

type wireMath struct {
	Op    MathOp          `json:"op"`
	Value json.RawMessage `json:"value"`
}

type wireSubquery struct {
	Schema string          `json:"schema"`
	Column string          `json:"column"`
	Where  json.RawMessage `json:"where,omitempty"`
}

// Marshal encodes a node tree as JSON.
func Marshal(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal decodes a node tree produced by Marshal.
func Unmarshal(data []byte) (Node, error) {
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil, nil
	}
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrQueryInvalid, err)
	}
	return fromWire(&w)
}

// FromMap decodes a node tree from its generic map form, as found inside
// decoded JSON or YAML documents.
func FromMap(m map[string]any) (Node, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrQueryInvalid, err)
	}
	return Unmarshal(data)
}

func toWire(n Node) (*wireNode, error) {
	switch v := n.(type) {
	case *Query:
		value, err := encodeValue(v.Value)
		if err != nil {
			return nil, err
		}
		w := &wireNode{Type: "query", Table: v.Table, Column: v.Column, Op: string(v.Op), Value: value, CaseSensitive: v.CaseSensitive, Functions: v.Functions}
		for _, step := range v.Math {
			mv, err := encodeValue(step.Value)
			if err != nil {
				return nil, err
			}
			w.Math = append(w.Math, wireMath{Op: step.Op, Value: mv})
		}
		return w, nil
	case *Compound:
		w := &wireNode{Type: "compound", Op: string(v.Op)}
		for _, child := range v.Children {
			raw, err := Marshal(child)
			if err != nil {
				return nil, err
			}
			w.Queries = append(w.Queries, raw)
		}
		return w, nil
	}
	return nil, fmt.Errorf("%w: cannot encode %T", core.ErrQueryInvalid, n)
}

func fromWire(w *wireNode) (Node, error) {
	switch w.Type {
	case "query":
		value, err := decodeValue(w.Value)
		if err != nil {
			return nil, err
		}
		q := &Query{Table: w.Table, Column: w.Column, Op: Op(w.Op), Value: value, CaseSensitive: w.CaseSensitive, Functions: w.Functions}
		for _, m := range w.Math {
			mv, err := decodeValue(m.Value)
			if err != nil {
				return nil, err
			}
			q.Math = append(q.Math, MathStep{Op: m.Op, Value: mv})
		}
		return q, nil
	case "compound":
		c := &Compound{Op: LogicOp(w.Op)}
		for _, raw := range w.Queries {
			child, err := Unmarshal(raw)
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, child)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown node type %q", core.ErrQueryInvalid, w.Type)
}

func encodeValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *Query:
		raw, err := Marshal(val)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"$query": raw})
	case *Subquery:
		sub := wireSubquery{Schema: val.Schema, Column: val.Column}
		if !IsEmpty(val.Where) {
			raw, err := Marshal(val.Where)
			if err != nil {
				return nil, err
			}
			sub.Where = raw
		}
		return json.Marshal(map[string]wireSubquery{"$subquery": sub})
	case Sentinel:
		return json.Marshal(map[string]string{"$sentinel": string(val)})
	case time.Time:
		return json.Marshal(map[string]string{"$time": val.Format(time.RFC3339Nano)})
	case time.Duration:
		return json.Marshal(map[string]int64{"$duration": int64(val)})
	case []byte:
		return json.Marshal(val)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]json.RawMessage, rv.Len())
		for i := range items {
			raw, err := encodeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			if raw == nil {
				raw = json.RawMessage("null")
			}
			items[i] = raw
		}
		return json.Marshal(items)
	}
	return json.Marshal(v)
}

func decodeValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		if len(obj) == 1 {
			if v, ok, err := decodeTagged(obj); ok || err != nil {
				return v, err
			}
		}
		out := make(map[string]any, len(obj))
		for k, item := range obj {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if num, ok := v.(json.Number); ok {
		if i, err := num.Int64(); err == nil {
			return i, nil
		}
		return num.Float64()
	}
	return v, nil
}

func decodeTagged(obj map[string]json.RawMessage) (any, bool, error) {
	if raw, ok := obj["$query"]; ok {
		n, err := Unmarshal(raw)
		return n, true, err
	}
	if raw, ok := obj["$subquery"]; ok {
		var sub wireSubquery
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, true, err
		}
		where, err := Unmarshal(sub.Where)
		if err != nil {
			return nil, true, err
		}
		return &Subquery{Schema: sub.Schema, Column: sub.Column, Where: where}, true, nil
	}
	if raw, ok := obj["$sentinel"]; ok {
		var s string
		err := json.Unmarshal(raw, &s)
		return Sentinel(s), true, err
	}
	if raw, ok := obj["$time"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, true, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, true, err
	}
	if raw, ok := obj["$duration"]; ok {
		var d int64
		err := json.Unmarshal(raw, &d)
		return time.Duration(d), true, err
	}
	return nil, false, nil
}
