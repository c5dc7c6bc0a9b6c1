// Package domain defines the orderable catalog records, persistence contracts
// and rule evaluation primitives used by uniformcore.
package domain

import "time"

// EntityType identifies the type of record stored in the catalog.
type EntityType string

// Supported entity type identifiers used in Change records and persistence tables.
const (
	// EntityUniformType identifies a uniform type, ordered within an association.
	EntityUniformType EntityType = "uniform_type"
	// EntityUniformGeneration identifies a generation, ordered within its uniform type.
	EntityUniformGeneration EntityType = "uniform_generation"
	// EntityMaterialGroup identifies a material group, ordered within an association.
	EntityMaterialGroup EntityType = "material_group"
	// EntityMaterial identifies a material, ordered within its material group.
	EntityMaterial EntityType = "material"
)

// OrderableKinds lists every entity kind that participates in sibling ordering.
var OrderableKinds = []EntityType{
	EntityUniformType,
	EntityUniformGeneration,
	EntityMaterialGroup,
	EntityMaterial,
}

// Valid reports whether the kind is one of the orderable kinds.
func (k EntityType) Valid() bool {
	for _, known := range OrderableKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Collection returns the plural name used for the kind in URLs and table names.
func (k EntityType) Collection() string { return string(k) + "s" }

// KindForCollection resolves a collection name back to its kind.
func KindForCollection(name string) (EntityType, bool) {
	for _, kind := range OrderableKinds {
		if kind.Collection() == name {
			return kind, true
		}
	}
	return "", false
}

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID returns the record identifier.
func (b Base) EntityID() string { return b.ID }

// BaseRef exposes the embedded base for in-place mutation by stores.
func (b *Base) BaseRef() *Base { return b }

// Ordering holds the sibling position and soft-delete marker of a record.
type Ordering struct {
	SortOrder     int        `json:"sort_order"`
	Recdelete     *time.Time `json:"recdelete,omitempty"`
	RecdeleteUser *string    `json:"recdelete_user,omitempty"`
}

// Position returns the persisted sort order.
func (o Ordering) Position() int { return o.SortOrder }

// Deleted reports whether the record carries a soft-delete marker.
func (o Ordering) Deleted() bool { return o.Recdelete != nil }

// DeletedAt returns the soft-delete time, or the zero time for live records.
func (o Ordering) DeletedAt() time.Time {
	if o.Recdelete == nil {
		return time.Time{}
	}
	return *o.Recdelete
}

// OrderingRef exposes the embedded ordering for in-place mutation by stores.
func (o *Ordering) OrderingRef() *Ordering { return o }

// Orderable is implemented by every record kept in a sibling scope.
type Orderable interface {
	EntityID() string
	ScopeID() string
	Position() int
	Deleted() bool
}

// UniformType is a kind of uniform part (jacket, trousers, cap) issued to cadets.
type UniformType struct {
	Base
	Ordering
	AssociationID     string  `json:"association_id"`
	Name              string  `json:"name"`
	Acronym           string  `json:"acronym"`
	IssuedDefault     int     `json:"issued_default"`
	UsingGenerations  bool    `json:"using_generations"`
	UsingSizes        bool    `json:"using_sizes"`
	DefaultSizelistID *string `json:"default_sizelist_id,omitempty"`
}

// ScopeID returns the association the type is ordered within.
func (u UniformType) ScopeID() string { return u.AssociationID }

// UniformGeneration is a revision of a uniform type.
type UniformGeneration struct {
	Base
	Ordering
	UniformTypeID string  `json:"uniform_type_id"`
	Name          string  `json:"name"`
	IsReserve     bool    `json:"is_reserve"`
	SizelistID    *string `json:"sizelist_id,omitempty"`
}

// ScopeID returns the uniform type the generation is ordered within.
func (g UniformGeneration) ScopeID() string { return g.UniformTypeID }

// MaterialGroup groups issuable materials (e.g. "Equipment", "Badges").
type MaterialGroup struct {
	Base
	Ordering
	AssociationID    string `json:"association_id"`
	Description      string `json:"description"`
	IssuedDefault    *int   `json:"issued_default,omitempty"`
	MultitypeAllowed bool   `json:"multitype_allowed"`
}

// ScopeID returns the association the group is ordered within.
func (m MaterialGroup) ScopeID() string { return m.AssociationID }

// Material is a single issuable material type inside a group.
type Material struct {
	Base
	Ordering
	MaterialGroupID string `json:"material_group_id"`
	Typename        string `json:"typename"`
	ActualQuantity  int    `json:"actual_quantity"`
	TargetQuantity  int    `json:"target_quantity"`
}

// ScopeID returns the material group the material is ordered within.
func (m Material) ScopeID() string { return m.MaterialGroupID }

// Slot is the ordering-relevant projection of any orderable record.
type Slot struct {
	ID        string `json:"id"`
	ScopeID   string `json:"scope_id"`
	SortOrder int    `json:"sort_order"`
	Deleted   bool   `json:"deleted"`
}

// SlotOf projects an orderable record onto its slot.
func SlotOf(o Orderable) Slot {
	return Slot{ID: o.EntityID(), ScopeID: o.ScopeID(), SortOrder: o.Position(), Deleted: o.Deleted()}
}

// SortOrderChange is the payload of a sort order change request.
type SortOrderChange struct {
	ID          string `json:"id"`
	NewPosition int    `json:"new_position"`
}

// Snapshot captures a point-in-time copy of the catalog.
type Snapshot struct {
	UniformTypes       map[string]UniformType       `json:"uniform_types"`
	UniformGenerations map[string]UniformGeneration `json:"uniform_generations"`
	MaterialGroups     map[string]MaterialGroup     `json:"material_groups"`
	Materials          map[string]Material          `json:"materials"`
}
