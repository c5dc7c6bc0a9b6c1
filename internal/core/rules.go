package core

import (
	"context"
	"fmt"
	"sort"
	"uniformcore/pkg/domain"
	"uniformcore/pkg/ordering"
)

// Built-in rule names.
const (
	RuleSortOrderContiguity = "sort_order_contiguity"
	RuleParentReference     = "parent_reference"
	RuleMaterialQuantity    = "material_quantity"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewSortOrderContiguityRule())
	engine.Register(NewParentReferenceRule())
	engine.Register(NewMaterialQuantityRule())
	return engine
}

// NewSortOrderContiguityRule blocks any transaction that leaves a touched
// scope with gaps or duplicate sort orders among its live records.
func NewSortOrderContiguityRule() domain.Rule {
	return sortOrderContiguityRule{}
}

type sortOrderContiguityRule struct{}

func (sortOrderContiguityRule) Name() string { return RuleSortOrderContiguity }

func (sortOrderContiguityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	type scopeKey struct {
		kind  domain.EntityType
		scope string
	}
	touched := make(map[scopeKey]struct{})
	for _, change := range changes {
		for _, v := range []any{change.Before, change.After} {
			if o, ok := v.(domain.Orderable); ok {
				touched[scopeKey{kind: change.Entity, scope: o.ScopeID()}] = struct{}{}
			}
		}
	}
	keys := make([]scopeKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].scope < keys[j].scope
	})

	res := domain.Result{}
	for _, k := range keys {
		if err := ordering.Validate(entriesOf(view.Siblings(k.kind, k.scope))); err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     RuleSortOrderContiguity,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s scope %q: %v", k.kind, k.scope, err),
				Entity:   k.kind,
			})
		}
	}
	return res, nil
}

// NewParentReferenceRule blocks generations and materials that are created or
// restored under a missing or deleted parent.
func NewParentReferenceRule() domain.Rule {
	return parentReferenceRule{}
}

type parentReferenceRule struct{}

func (parentReferenceRule) Name() string { return RuleParentReference }

func (parentReferenceRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if !revived(change) {
			continue
		}
		switch after := change.After.(type) {
		case domain.UniformGeneration:
			parent, ok := view.FindUniformType(after.UniformTypeID)
			switch {
			case !ok || parent.Deleted():
				res.Violations = append(res.Violations, parentViolation(change.Entity, after.ID,
					fmt.Sprintf("uniform type %s does not exist", after.UniformTypeID)))
			case !parent.UsingGenerations:
				res.Violations = append(res.Violations, parentViolation(change.Entity, after.ID,
					fmt.Sprintf("uniform type %s does not use generations", parent.ID)))
			}
		case domain.Material:
			parent, ok := view.FindMaterialGroup(after.MaterialGroupID)
			if !ok || parent.Deleted() {
				res.Violations = append(res.Violations, parentViolation(change.Entity, after.ID,
					fmt.Sprintf("material group %s does not exist", after.MaterialGroupID)))
			}
		}
	}
	return res, nil
}

// revived reports whether the change brings a live record into existence.
func revived(change domain.Change) bool {
	after, ok := change.After.(domain.Orderable)
	if !ok || after.Deleted() {
		return false
	}
	if change.Action == domain.ActionCreate {
		return true
	}
	before, ok := change.Before.(domain.Orderable)
	return ok && before.Deleted()
}

func parentViolation(kind domain.EntityType, id, msg string) domain.Violation {
	return domain.Violation{
		Rule:     RuleParentReference,
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   kind,
		EntityID: id,
	}
}

// NewMaterialQuantityRule warns when a created or re-counted material falls
// short of its target quantity.
func NewMaterialQuantityRule() domain.Rule {
	return materialQuantityRule{}
}

type materialQuantityRule struct{}

func (materialQuantityRule) Name() string { return RuleMaterialQuantity }

func (materialQuantityRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		m, ok := change.After.(domain.Material)
		if !ok || m.Deleted() {
			continue
		}
		if before, had := change.Before.(domain.Material); had &&
			before.ActualQuantity == m.ActualQuantity && before.TargetQuantity == m.TargetQuantity {
			continue
		}
		if m.ActualQuantity < m.TargetQuantity {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     RuleMaterialQuantity,
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("material %s below target: %d/%d", m.Typename, m.ActualQuantity, m.TargetQuantity),
				Entity:   domain.EntityMaterial,
				EntityID: m.ID,
			})
		}
	}
	return res, nil
}

func entriesOf(items []domain.Orderable) []ordering.Entry {
	out := make([]ordering.Entry, len(items))
	for i, item := range items {
		out[i] = ordering.Entry{ID: item.EntityID(), SortOrder: item.Position()}
	}
	return out
}
