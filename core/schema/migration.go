package schema

import "strings"

// Migration lists the additive changes needed to bring an existing table in
// line with its schema. Columns are never removed.
type Migration struct {
	Standard     []*Column
	Translatable []*Column
}

// Empty reports whether there is nothing to add.
func (m Migration) Empty() bool {
	return len(m.Standard) == 0 && len(m.Translatable) == 0
}

// MissingColumns compares the schema with the field names found on the main
// table and on its i18n satellite table.
func MissingColumns(s *Schema, existing, existingI18n []string) Migration {
	have := toSet(existing)
	haveI18n := toSet(existingI18n)

	var m Migration
	for _, col := range s.StoredColumns() {
		if _, ok := have[strings.ToLower(col.Field)]; !ok {
			m.Standard = append(m.Standard, col)
		}
	}
	for _, col := range s.TranslatableColumns() {
		if _, ok := haveI18n[strings.ToLower(col.Field)]; !ok {
			m.Translatable = append(m.Translatable, col)
		}
	}
	return m
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	return set
}
