package memory

import (
	"fmt"
	"sort"
	"time"
	"uniformcore/pkg/domain"
	"uniformcore/pkg/ordering"
)

type memoryState struct {
	uniformTypes map[string]UniformType
	generations  map[string]UniformGeneration
	groups       map[string]MaterialGroup
	materials    map[string]Material
}

func newMemoryState() memoryState {
	return memoryState{
		uniformTypes: make(map[string]UniformType),
		generations:  make(map[string]UniformGeneration),
		groups:       make(map[string]MaterialGroup),
		materials:    make(map[string]Material),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		uniformTypes: make(map[string]UniformType, len(s.uniformTypes)),
		generations:  make(map[string]UniformGeneration, len(s.generations)),
		groups:       make(map[string]MaterialGroup, len(s.groups)),
		materials:    make(map[string]Material, len(s.materials)),
	}
	for k, v := range s.uniformTypes {
		out.uniformTypes[k] = cloneUniformType(v)
	}
	for k, v := range s.generations {
		out.generations[k] = cloneGeneration(v)
	}
	for k, v := range s.groups {
		out.groups[k] = cloneGroup(v)
	}
	for k, v := range s.materials {
		out.materials[k] = cloneMaterial(v)
	}
	return out
}

func snapshotFromMemoryState(state memoryState) domain.Snapshot {
	c := state.clone()
	return domain.Snapshot{
		UniformTypes:       c.uniformTypes,
		UniformGenerations: c.generations,
		MaterialGroups:     c.groups,
		Materials:          c.materials,
	}
}

func memoryStateFromSnapshot(s domain.Snapshot) (memoryState, error) {
	state := newMemoryState()
	if err := importRows(state.uniformTypes, s.UniformTypes, domain.EntityUniformType, cloneUniformType); err != nil {
		return memoryState{}, err
	}
	if err := importRows(state.generations, s.UniformGenerations, domain.EntityUniformGeneration, cloneGeneration); err != nil {
		return memoryState{}, err
	}
	if err := importRows(state.groups, s.MaterialGroups, domain.EntityMaterialGroup, cloneGroup); err != nil {
		return memoryState{}, err
	}
	if err := importRows(state.materials, s.Materials, domain.EntityMaterial, cloneMaterial); err != nil {
		return memoryState{}, err
	}
	state.compact()
	return state, nil
}

func importRows[T domain.Orderable, P record[T]](dst, src map[string]T, kind domain.EntityType, clone func(T) T) error {
	for key, row := range src {
		row = clone(row)
		base := P(&row).BaseRef()
		switch {
		case base.ID == "":
			base.ID = key
		case base.ID != key:
			return fmt.Errorf("import %s: key %q does not match id %q", kind, key, base.ID)
		}
		dst[key] = row
	}
	return nil
}

// compact renumbers every scope that drifted away from 0..n-1. Records keep
// their relative order; UpdatedAt is left untouched.
func (s *memoryState) compact() {
	for _, kind := range domain.OrderableKinds {
		t, _ := s.table(kind)
		for _, scopeID := range t.scopeIDs() {
			for _, a := range ordering.Compact(entriesOf(t.siblings(scopeID))) {
				_ = t.place(a.ID, a.To)
			}
		}
	}
}

func (s *memoryState) table(kind domain.EntityType) (orderTable, error) {
	switch kind {
	case domain.EntityUniformType:
		return table[UniformType, *UniformType]{kind: kind, rows: s.uniformTypes, clone: cloneUniformType}, nil
	case domain.EntityUniformGeneration:
		return table[UniformGeneration, *UniformGeneration]{kind: kind, rows: s.generations, clone: cloneGeneration}, nil
	case domain.EntityMaterialGroup:
		return table[MaterialGroup, *MaterialGroup]{kind: kind, rows: s.groups, clone: cloneGroup}, nil
	case domain.EntityMaterial:
		return table[Material, *Material]{kind: kind, rows: s.materials, clone: cloneMaterial}, nil
	default:
		return nil, domain.ValidationError{Entity: kind, Field: "kind", Message: "unsupported entity kind"}
	}
}

// record is satisfied by pointers to the orderable entity structs, whose
// embedded Base and Ordering expose in-place accessors.
type record[T any] interface {
	*T
	BaseRef() *domain.Base
	OrderingRef() *domain.Ordering
}

// orderTable erases the entity type so ordering writes can be addressed by kind.
type orderTable interface {
	find(id string) (domain.Orderable, bool)
	siblings(scopeID string) []domain.Orderable
	scopeIDs() []string
	place(id string, sortOrder int) error
	touch(id string, now time.Time, fn func(*domain.Ordering) error) (domain.Change, error)
}

type table[T domain.Orderable, P record[T]] struct {
	kind  domain.EntityType
	rows  map[string]T
	clone func(T) T
}

func (t table[T, P]) find(id string) (domain.Orderable, bool) {
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return t.clone(row), true
}

func (t table[T, P]) siblings(scopeID string) []domain.Orderable {
	out := make([]domain.Orderable, 0)
	for _, row := range t.rows {
		if row.ScopeID() == scopeID && !row.Deleted() {
			out = append(out, t.clone(row))
		}
	}
	sortOrderables(out)
	return out
}

func (t table[T, P]) scopeIDs() []string {
	seen := make(map[string]struct{})
	for _, row := range t.rows {
		seen[row.ScopeID()] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t table[T, P]) place(id string, sortOrder int) error {
	row, ok := t.rows[id]
	if !ok {
		return domain.NotFoundError{Entity: t.kind, ID: id}
	}
	P(&row).OrderingRef().SortOrder = sortOrder
	t.rows[id] = row
	return nil
}

func (t table[T, P]) touch(id string, now time.Time, fn func(*domain.Ordering) error) (domain.Change, error) {
	current, ok := t.rows[id]
	if !ok {
		return domain.Change{}, domain.NotFoundError{Entity: t.kind, ID: id}
	}
	before := t.clone(current)
	p := P(&current)
	if err := fn(p.OrderingRef()); err != nil {
		return domain.Change{}, err
	}
	p.BaseRef().UpdatedAt = now
	t.rows[id] = t.clone(current)
	return domain.Change{Entity: t.kind, Action: domain.ActionUpdate, Before: before, After: t.clone(current)}, nil
}

func sortOrderables(items []domain.Orderable) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Position() != items[j].Position() {
			return items[i].Position() < items[j].Position()
		}
		return items[i].EntityID() < items[j].EntityID()
	})
}

func entriesOf(items []domain.Orderable) []ordering.Entry {
	out := make([]ordering.Entry, len(items))
	for i, item := range items {
		out[i] = ordering.Entry{ID: item.EntityID(), SortOrder: item.Position()}
	}
	return out
}

func sortedRows[T domain.Orderable](rows map[string]T, clone func(T) T) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		out = append(out, clone(row))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScopeID() != out[j].ScopeID() {
			return out[i].ScopeID() < out[j].ScopeID()
		}
		if out[i].Position() != out[j].Position() {
			return out[i].Position() < out[j].Position()
		}
		return out[i].EntityID() < out[j].EntityID()
	})
	return out
}

func cloneOrdering(o domain.Ordering) domain.Ordering {
	if o.Recdelete != nil {
		ts := *o.Recdelete
		o.Recdelete = &ts
	}
	o.RecdeleteUser = cloneString(o.RecdeleteUser)
	return o
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUniformType(u UniformType) UniformType {
	u.Ordering = cloneOrdering(u.Ordering)
	u.DefaultSizelistID = cloneString(u.DefaultSizelistID)
	return u
}

func cloneGeneration(g UniformGeneration) UniformGeneration {
	g.Ordering = cloneOrdering(g.Ordering)
	g.SizelistID = cloneString(g.SizelistID)
	return g
}

func cloneGroup(m MaterialGroup) MaterialGroup {
	m.Ordering = cloneOrdering(m.Ordering)
	if m.IssuedDefault != nil {
		v := *m.IssuedDefault
		m.IssuedDefault = &v
	}
	return m
}

func cloneMaterial(m Material) Material {
	m.Ordering = cloneOrdering(m.Ordering)
	return m
}
