package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Ordering is owned by callers: stores
// persist the sort orders they are given and rules verify the result.
type Transaction interface {
	Snapshot() TransactionView
	Now() time.Time
	CreateUniformType(UniformType) (UniformType, error)
	UpdateUniformType(id string, mutator func(*UniformType) error) (UniformType, error)
	CreateUniformGeneration(UniformGeneration) (UniformGeneration, error)
	UpdateUniformGeneration(id string, mutator func(*UniformGeneration) error) (UniformGeneration, error)
	CreateMaterialGroup(MaterialGroup) (MaterialGroup, error)
	UpdateMaterialGroup(id string, mutator func(*MaterialGroup) error) (MaterialGroup, error)
	CreateMaterial(Material) (Material, error)
	UpdateMaterial(id string, mutator func(*Material) error) (Material, error)
	SetSortOrder(kind EntityType, id string, sortOrder int) error
	SoftDelete(kind EntityType, id, actor string) error
	Restore(kind EntityType, id string, sortOrder int) error
}

// TransactionView provides read-only access to snapshot data for services and rules.
type TransactionView interface {
	FindUniformType(id string) (UniformType, bool)
	FindUniformGeneration(id string) (UniformGeneration, bool)
	FindMaterialGroup(id string) (MaterialGroup, bool)
	FindMaterial(id string) (Material, bool)
	ListUniformTypes() []UniformType
	ListUniformGenerations() []UniformGeneration
	ListMaterialGroups() []MaterialGroup
	ListMaterials() []Material
	// Find returns any orderable record by kind, including soft-deleted ones.
	Find(kind EntityType, id string) (Orderable, bool)
	// Siblings returns the non-deleted records of a scope ordered by sort order, then id.
	Siblings(kind EntityType, scopeID string) []Orderable
}

// PersistentStore is the abstraction over durable backends used by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ExportState() Snapshot
	ImportState(ctx context.Context, snapshot Snapshot) error
	Close() error
}
