package query

import (
	"strings"
	"time"
)

// ToFloat64 converts any Go numeric value to a float64. It returns false for
// non-numeric values, including numeric strings.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}

// Compare orders two values of compatible kinds. Nil sorts before everything
// else. The boolean is false when the kinds cannot be ordered.
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if fa, ok := ToFloat64(a); ok {
		if fb, ok := ToFloat64(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return strings.Compare(va, vb), true
		}
	case []byte:
		if vb, ok := b.([]byte); ok {
			return strings.Compare(string(va), string(vb)), true
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb), true
		}
	case time.Duration:
		if vb, ok := b.(time.Duration); ok {
			switch {
			case va < vb:
				return -1, true
			case va > vb:
				return 1, true
			}
			return 0, true
		}
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0, true
			case !va:
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

// Equal reports whether two values are equal, treating all numeric kinds as
// one and comparing times by instant.
func Equal(a, b any) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return false
}

// toSlice returns v as a []any when it is a slice of any element type.
func toSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
