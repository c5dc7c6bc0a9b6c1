package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"uniformcore/pkg/domain"
	"uniformcore/pkg/ordering"

	"go.uber.org/zap"
)

// Reorder moves a live record to newPosition within its scope and returns the
// scope's live records in their new order. Siblings strictly between the old
// and new position shift by one; all writes commit in one transaction.
func (s *Service) Reorder(ctx context.Context, kind domain.EntityType, id string, newPosition int) ([]domain.Orderable, error) {
	var (
		siblings []domain.Orderable
		scopeID  string
	)
	fields := []zap.Field{zap.String("kind", string(kind)), zap.String("id", id), zap.Int("to", newPosition)}
	op := "reorder_" + string(kind)
	err := s.run(ctx, op, fields, func(ctx context.Context) error {
		if err := checkKind(kind); err != nil {
			return err
		}
		if strings.TrimSpace(id) == "" {
			return domain.ValidationError{Entity: kind, Field: "id", Message: "id is required"}
		}
		_, err := s.transact(ctx, op, kind, func() string { return scopeID }, func(tx domain.Transaction) error {
			view := tx.Snapshot()
			item, ok := view.Find(kind, id)
			if !ok || item.Deleted() {
				return domain.NotFoundError{Entity: kind, ID: id}
			}
			scopeID = item.ScopeID()
			entries := entriesOf(view.Siblings(kind, scopeID))
			if err := ordering.Validate(entries); err != nil {
				return domain.ConflictError{Entity: kind, ScopeID: scopeID, Reason: "sibling sort orders are not contiguous", Err: err}
			}
			plan, err := ordering.Move(entries, id, newPosition)
			if err != nil {
				if errors.Is(err, ordering.ErrPositionOutOfRange) {
					return domain.ValidationError{Entity: kind, Field: "new_position", Message: err.Error()}
				}
				return err
			}
			if err := apply(tx, kind, plan); err != nil {
				return err
			}
			siblings = tx.Snapshot().Siblings(kind, scopeID)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return siblings, nil
}

// ChangeUniformTypeSortOrder moves a uniform type and returns its association's types in order.
func (s *Service) ChangeUniformTypeSortOrder(ctx context.Context, change domain.SortOrderChange) ([]UniformType, error) {
	return changeSortOrder[UniformType](ctx, s, domain.EntityUniformType, change)
}

// ChangeGenerationSortOrder moves a generation and returns its type's generations in order.
func (s *Service) ChangeGenerationSortOrder(ctx context.Context, change domain.SortOrderChange) ([]UniformGeneration, error) {
	return changeSortOrder[UniformGeneration](ctx, s, domain.EntityUniformGeneration, change)
}

// ChangeMaterialGroupSortOrder moves a material group and returns its association's groups in order.
func (s *Service) ChangeMaterialGroupSortOrder(ctx context.Context, change domain.SortOrderChange) ([]MaterialGroup, error) {
	return changeSortOrder[MaterialGroup](ctx, s, domain.EntityMaterialGroup, change)
}

// ChangeMaterialSortOrder moves a material and returns its group's materials in order.
func (s *Service) ChangeMaterialSortOrder(ctx context.Context, change domain.SortOrderChange) ([]Material, error) {
	return changeSortOrder[Material](ctx, s, domain.EntityMaterial, change)
}

func changeSortOrder[T domain.Orderable](ctx context.Context, s *Service, kind domain.EntityType, change domain.SortOrderChange) ([]T, error) {
	items, err := s.Reorder(ctx, kind, change.ID, change.NewPosition)
	if err != nil {
		return nil, err
	}
	return Typed[T](items), nil
}

// Delete soft-deletes a live record and closes the gap it leaves, returning
// the remaining live records of its scope. An empty actor falls back to the
// service's default actor.
func (s *Service) Delete(ctx context.Context, kind domain.EntityType, id, actor string) ([]domain.Orderable, Result, error) {
	if actor == "" {
		actor = s.actor
	}
	var (
		remaining []domain.Orderable
		res       Result
		scopeID   string
	)
	op := "delete_" + string(kind)
	err := s.run(ctx, op, []zap.Field{zap.String("kind", string(kind)), zap.String("id", id), zap.String("actor", actor)}, func(ctx context.Context) error {
		if err := checkKind(kind); err != nil {
			return err
		}
		var err error
		res, err = s.transact(ctx, op, kind, func() string { return scopeID }, func(tx domain.Transaction) error {
			view := tx.Snapshot()
			item, ok := view.Find(kind, id)
			if !ok || item.Deleted() {
				return domain.NotFoundError{Entity: kind, ID: id}
			}
			scopeID = item.ScopeID()
			plan, err := ordering.Remove(entriesOf(view.Siblings(kind, scopeID)), id)
			if err != nil {
				return err
			}
			if err := tx.SoftDelete(kind, id, actor); err != nil {
				return err
			}
			if err := apply(tx, kind, plan); err != nil {
				return err
			}
			remaining = tx.Snapshot().Siblings(kind, scopeID)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, res, err
	}
	return remaining, res, nil
}

// Restore revives a soft-deleted record at the end of its scope.
func (s *Service) Restore(ctx context.Context, kind domain.EntityType, id string) (domain.Orderable, Result, error) {
	var (
		restored domain.Orderable
		res      Result
		scopeID  string
	)
	op := "restore_" + string(kind)
	err := s.run(ctx, op, []zap.Field{zap.String("kind", string(kind)), zap.String("id", id)}, func(ctx context.Context) error {
		if err := checkKind(kind); err != nil {
			return err
		}
		var err error
		res, err = s.transact(ctx, op, kind, func() string { return scopeID }, func(tx domain.Transaction) error {
			view := tx.Snapshot()
			item, ok := view.Find(kind, id)
			if !ok {
				return domain.NotFoundError{Entity: kind, ID: id}
			}
			if !item.Deleted() {
				return domain.ValidationError{Entity: kind, Field: "id", Message: "record is not deleted"}
			}
			scopeID = item.ScopeID()
			if err := checkParent(view, kind, scopeID); err != nil {
				return err
			}
			if err := tx.Restore(kind, id, ordering.Next(entriesOf(view.Siblings(kind, scopeID)))); err != nil {
				return err
			}
			restored, _ = tx.Snapshot().Find(kind, id)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, res, err
	}
	return restored, res, nil
}

// RepairReport describes the outcome of compacting a scope.
type RepairReport struct {
	Kind    domain.EntityType  `json:"kind"`
	ScopeID string             `json:"scope_id"`
	Changed int                `json:"changed"`
	Items   []domain.Orderable `json:"items"`
}

// Repair renumbers a scope to 0..n-1 keeping the current relative order.
// A scope that is already contiguous is left untouched.
func (s *Service) Repair(ctx context.Context, kind domain.EntityType, scopeID string) (RepairReport, error) {
	report := RepairReport{Kind: kind, ScopeID: scopeID}
	op := "repair_" + string(kind)
	err := s.run(ctx, op, []zap.Field{zap.String("kind", string(kind)), zap.String("scope", scopeID)}, func(ctx context.Context) error {
		if err := checkScope(kind, scopeID); err != nil {
			return err
		}
		_, err := s.transact(ctx, op, kind, func() string { return scopeID }, func(tx domain.Transaction) error {
			plan := ordering.Compact(entriesOf(tx.Snapshot().Siblings(kind, scopeID)))
			if err := apply(tx, kind, plan); err != nil {
				return err
			}
			report.Changed = len(plan)
			report.Items = tx.Snapshot().Siblings(kind, scopeID)
			return nil
		})
		return err
	})
	return report, err
}

func apply(tx domain.Transaction, kind domain.EntityType, plan []ordering.Assignment) error {
	for _, a := range plan {
		if err := tx.SetSortOrder(kind, a.ID, a.To); err != nil {
			return err
		}
	}
	return nil
}

func sortByDeletion(items []domain.Orderable) {
	deletedAt := func(o domain.Orderable) time.Time {
		if d, ok := o.(interface{ DeletedAt() time.Time }); ok {
			return d.DeletedAt()
		}
		return time.Time{}
	}
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := deletedAt(items[i]), deletedAt(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].EntityID() < items[j].EntityID()
	})
}
