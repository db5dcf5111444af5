package query

import (
	"fmt"
	"strings"

	"github.com/orb-framework/orb-sub003/core"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// ExpandShortcuts rewrites every dotted column path and shortcut column in n
// into correlated sub-selects that a statement compiler can render against s.
// Each step consumes one path segment or one shortcut definition, and a
// shortcut seen twice on the same path raises QueryInvalid.
func ExpandShortcuts(n Node, s *schema.Schema) (Node, error) {
	if IsEmpty(n) {
		return n, nil
	}
	if s == nil {
		return nil, fmt.Errorf("%w: cannot expand shortcuts without a table", core.ErrTableNotFound)
	}
	return expandNode(n, s)
}

func expandNode(n Node, s *schema.Schema) (Node, error) {
	switch v := n.(type) {
	case *Query:
		return expandQuery(v, s, map[string]struct{}{})
	case *Compound:
		children := make([]Node, 0, len(v.Children))
		for _, child := range v.Children {
			expanded, err := expandNode(child, s)
			if err != nil {
				return nil, err
			}
			children = append(children, expanded)
		}
		return &Compound{Op: v.Op, Children: children}, nil
	}
	return n, nil
}

func expandQuery(q *Query, s *schema.Schema, seen map[string]struct{}) (Node, error) {
	owner := s
	if q.Table != "" && q.Table != s.Name {
		related, err := s.Related(q.Table)
		if err != nil {
			return nil, err
		}
		owner = related
	}

	if col := owner.FindColumn(q.Column); col != nil {
		if col.Shortcut == "" {
			return q, nil
		}
		key := owner.Name + "." + col.Name
		if _, cyclic := seen[key]; cyclic {
			return nil, fmt.Errorf("%w: cyclic shortcut %s", core.ErrQueryInvalid, key)
		}
		seen[key] = struct{}{}
		c := q.clone()
		c.Column = col.Shortcut
		return expandQuery(c, owner, seen)
	}

	head, rest, dotted := strings.Cut(q.Column, ".")
	if !dotted {
		return nil, core.NewColumnError(core.ErrColumnNotFound, owner.Name, q.Column, "")
	}

	inner := q.clone()
	inner.Table = ""
	inner.Column = rest

	if col := owner.FindColumn(head); col != nil {
		if col.Type != schema.TypeReference {
			return nil, fmt.Errorf("%w: %s is not a relation", core.ErrQueryInvalid, col)
		}
		target, err := owner.Related(col.Reference)
		if err != nil {
			return nil, err
		}
		where, err := expandQuery(inner, target, seen)
		if err != nil {
			return nil, err
		}
		targetCol := col.ReferenceColumn
		if targetCol == "" {
			pk, err := target.PrimaryColumn()
			if err != nil {
				return nil, err
			}
			targetCol = pk.Name
		}
		return &Query{Table: q.Table, Column: col.Name, Op: IsIn, Value: &Subquery{Schema: target.Name, Column: targetCol, Where: where}}, nil
	}

	coll := owner.Collector(head)
	if coll == nil {
		return nil, core.NewColumnError(core.ErrColumnNotFound, owner.Name, head, "")
	}
	pk, err := owner.PrimaryColumn()
	if err != nil {
		return nil, err
	}
	target, err := owner.Related(coll.Target)
	if err != nil {
		return nil, err
	}
	where, err := expandQuery(inner, target, seen)
	if err != nil {
		return nil, err
	}

	switch coll.Kind {
	case schema.CollectorReverseLookup:
		return &Query{Table: q.Table, Column: pk.Name, Op: IsIn, Value: &Subquery{Schema: target.Name, Column: coll.Column, Where: where}}, nil
	case schema.CollectorPipe:
		targetPK, err := target.PrimaryColumn()
		if err != nil {
			return nil, err
		}
		through, err := owner.Related(coll.Through)
		if err != nil {
			return nil, err
		}
		link := &Query{Column: coll.To, Op: IsIn, Value: &Subquery{Schema: target.Name, Column: targetPK.Name, Where: where}}
		return &Query{Table: q.Table, Column: pk.Name, Op: IsIn, Value: &Subquery{Schema: through.Name, Column: coll.From, Where: link}}, nil
	}
	return nil, fmt.Errorf("%w: unknown collector kind %s", core.ErrQueryInvalid, coll.Kind)
}
