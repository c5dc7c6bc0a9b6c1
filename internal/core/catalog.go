package core

import (
	"context"
	"strings"
	"uniformcore/pkg/domain"

	"go.uber.org/zap"
)

// CreateUniformType appends a new uniform type to its association.
func (s *Service) CreateUniformType(ctx context.Context, u UniformType) (UniformType, Result, error) {
	if strings.TrimSpace(u.Name) == "" {
		return UniformType{}, Result{}, domain.ValidationError{Entity: domain.EntityUniformType, Field: "name", Message: "name is required"}
	}
	return create(ctx, s, domain.EntityUniformType, u.AssociationID, func(tx domain.Transaction, next int) (UniformType, error) {
		u.Ordering = domain.Ordering{SortOrder: next}
		return tx.CreateUniformType(u)
	})
}

// CreateUniformGeneration appends a generation to a uniform type that uses generations.
func (s *Service) CreateUniformGeneration(ctx context.Context, g UniformGeneration) (UniformGeneration, Result, error) {
	if strings.TrimSpace(g.Name) == "" {
		return UniformGeneration{}, Result{}, domain.ValidationError{Entity: domain.EntityUniformGeneration, Field: "name", Message: "name is required"}
	}
	return create(ctx, s, domain.EntityUniformGeneration, g.UniformTypeID, func(tx domain.Transaction, next int) (UniformGeneration, error) {
		g.Ordering = domain.Ordering{SortOrder: next}
		return tx.CreateUniformGeneration(g)
	})
}

// CreateMaterialGroup appends a material group to its association.
func (s *Service) CreateMaterialGroup(ctx context.Context, m MaterialGroup) (MaterialGroup, Result, error) {
	if strings.TrimSpace(m.Description) == "" {
		return MaterialGroup{}, Result{}, domain.ValidationError{Entity: domain.EntityMaterialGroup, Field: "description", Message: "description is required"}
	}
	return create(ctx, s, domain.EntityMaterialGroup, m.AssociationID, func(tx domain.Transaction, next int) (MaterialGroup, error) {
		m.Ordering = domain.Ordering{SortOrder: next}
		return tx.CreateMaterialGroup(m)
	})
}

// CreateMaterial appends a material to its group.
func (s *Service) CreateMaterial(ctx context.Context, m Material) (Material, Result, error) {
	if strings.TrimSpace(m.Typename) == "" {
		return Material{}, Result{}, domain.ValidationError{Entity: domain.EntityMaterial, Field: "typename", Message: "typename is required"}
	}
	return create(ctx, s, domain.EntityMaterial, m.MaterialGroupID, func(tx domain.Transaction, next int) (Material, error) {
		m.Ordering = domain.Ordering{SortOrder: next}
		return tx.CreateMaterial(m)
	})
}

// UpdateUniformType edits the fields of a live uniform type. Sort order,
// scope and delete markers are not editable here.
func (s *Service) UpdateUniformType(ctx context.Context, id string, mutator func(*UniformType) error) (UniformType, Result, error) {
	return update(ctx, s, domain.EntityUniformType, id, func(tx domain.Transaction) (UniformType, error) {
		return tx.UpdateUniformType(id, mutator)
	})
}

// UpdateUniformGeneration edits the fields of a live generation.
func (s *Service) UpdateUniformGeneration(ctx context.Context, id string, mutator func(*UniformGeneration) error) (UniformGeneration, Result, error) {
	return update(ctx, s, domain.EntityUniformGeneration, id, func(tx domain.Transaction) (UniformGeneration, error) {
		return tx.UpdateUniformGeneration(id, mutator)
	})
}

// UpdateMaterialGroup edits the fields of a live material group.
func (s *Service) UpdateMaterialGroup(ctx context.Context, id string, mutator func(*MaterialGroup) error) (MaterialGroup, Result, error) {
	return update(ctx, s, domain.EntityMaterialGroup, id, func(tx domain.Transaction) (MaterialGroup, error) {
		return tx.UpdateMaterialGroup(id, mutator)
	})
}

// UpdateMaterial edits the fields of a live material.
func (s *Service) UpdateMaterial(ctx context.Context, id string, mutator func(*Material) error) (Material, Result, error) {
	return update(ctx, s, domain.EntityMaterial, id, func(tx domain.Transaction) (Material, error) {
		return tx.UpdateMaterial(id, mutator)
	})
}

// Get returns a live record of kind.
func (s *Service) Get(ctx context.Context, kind domain.EntityType, id string) (domain.Orderable, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var found domain.Orderable
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		item, ok := view.Find(kind, id)
		if !ok || item.Deleted() {
			return domain.NotFoundError{Entity: kind, ID: id}
		}
		found = item
		return nil
	})
	return found, err
}

// List returns the live records of a scope in sort order.
func (s *Service) List(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error) {
	if err := checkScope(kind, scopeID); err != nil {
		return nil, err
	}
	var items []domain.Orderable
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		items = view.Siblings(kind, scopeID)
		return nil
	})
	return items, err
}

// ListDeleted returns the soft-deleted records of a scope, most recently
// deleted first.
func (s *Service) ListDeleted(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error) {
	if err := checkScope(kind, scopeID); err != nil {
		return nil, err
	}
	var items []domain.Orderable
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, item := range allOf(view, kind) {
			if item.ScopeID() == scopeID && item.Deleted() {
				items = append(items, item)
			}
		}
		return nil
	})
	sortByDeletion(items)
	return items, err
}

func create[T domain.Orderable](ctx context.Context, s *Service, kind domain.EntityType, scopeID string, fn func(domain.Transaction, int) (T, error)) (T, Result, error) {
	var (
		created T
		res     Result
	)
	op := "create_" + string(kind)
	err := s.run(ctx, op, []zap.Field{zap.String("kind", string(kind)), zap.String("scope", scopeID)}, func(ctx context.Context) error {
		if err := checkScope(kind, scopeID); err != nil {
			return err
		}
		var err error
		res, err = s.transact(ctx, op, kind, func() string { return scopeID }, func(tx domain.Transaction) error {
			view := tx.Snapshot()
			if err := checkParent(view, kind, scopeID); err != nil {
				return err
			}
			var err error
			created, err = fn(tx, len(view.Siblings(kind, scopeID)))
			return err
		})
		return err
	})
	return created, res, err
}

func update[T domain.Orderable](ctx context.Context, s *Service, kind domain.EntityType, id string, fn func(domain.Transaction) (T, error)) (T, Result, error) {
	var (
		updated T
		res     Result
	)
	op := "update_" + string(kind)
	err := s.run(ctx, op, []zap.Field{zap.String("kind", string(kind)), zap.String("id", id)}, func(ctx context.Context) error {
		var err error
		res, err = s.transact(ctx, op, kind, nil, func(tx domain.Transaction) error {
			if item, ok := tx.Snapshot().Find(kind, id); !ok || item.Deleted() {
				return domain.NotFoundError{Entity: kind, ID: id}
			}
			var err error
			updated, err = fn(tx)
			return err
		})
		return err
	})
	return updated, res, err
}

func checkKind(kind domain.EntityType) error {
	if !kind.Valid() {
		return domain.ValidationError{Entity: kind, Field: "kind", Message: "unsupported entity kind"}
	}
	return nil
}

func checkScope(kind domain.EntityType, scopeID string) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if strings.TrimSpace(scopeID) == "" {
		return domain.ValidationError{Entity: kind, Field: "scope", Message: "scope id is required"}
	}
	return nil
}

// checkParent verifies that the scope of a generation or material is a live parent record.
func checkParent(view domain.TransactionView, kind domain.EntityType, scopeID string) error {
	switch kind {
	case domain.EntityUniformGeneration:
		parent, ok := view.FindUniformType(scopeID)
		if !ok || parent.Deleted() {
			return domain.NotFoundError{Entity: domain.EntityUniformType, ID: scopeID}
		}
		if !parent.UsingGenerations {
			return domain.ValidationError{Entity: kind, Field: "uniform_type_id", Message: "uniform type does not use generations"}
		}
	case domain.EntityMaterial:
		parent, ok := view.FindMaterialGroup(scopeID)
		if !ok || parent.Deleted() {
			return domain.NotFoundError{Entity: domain.EntityMaterialGroup, ID: scopeID}
		}
	}
	return nil
}

func allOf(view domain.TransactionView, kind domain.EntityType) []domain.Orderable {
	switch kind {
	case domain.EntityUniformType:
		return asOrderables(view.ListUniformTypes())
	case domain.EntityUniformGeneration:
		return asOrderables(view.ListUniformGenerations())
	case domain.EntityMaterialGroup:
		return asOrderables(view.ListMaterialGroups())
	case domain.EntityMaterial:
		return asOrderables(view.ListMaterials())
	default:
		return nil
	}
}

func asOrderables[T domain.Orderable](items []T) []domain.Orderable {
	out := make([]domain.Orderable, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// Typed converts orderables back to their concrete type, skipping mismatches.
func Typed[T domain.Orderable](items []domain.Orderable) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if v, ok := item.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
