package schema

import (
	"strings"
	"unicode"
)

// FindColumn returns the column matching name or field, or nil.
func (s *Schema) FindColumn(name string) *Column {
	if c, ok := s.byName[name]; ok {
		return c
	}
	for _, c := range s.columns {
		if c.Field == name {
			return c
		}
	}
	return nil
}

// Underscore converts a CamelCase or mixedCase name to snake_case.
func Underscore(name string) string {
	var sb strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
