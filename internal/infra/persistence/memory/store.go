// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments and as the transactional engine
// underneath the SQL-backed stores.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
	"uniformcore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// UniformType aliases domain.UniformType for in-memory persistence operations.
	UniformType = domain.UniformType
	// UniformGeneration aliases domain.UniformGeneration.
	UniformGeneration = domain.UniformGeneration
	// MaterialGroup aliases domain.MaterialGroup.
	MaterialGroup = domain.MaterialGroup
	// Material aliases domain.Material.
	Material = domain.Material
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// CommitHook runs after rules pass and before the transaction state is
// published. Returning an error aborts the commit and leaves state unchanged.
type CommitHook func(ctx context.Context, changes []Change) error

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCommitHook installs a hook invoked with the changes of every committed transaction.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// Store provides an in-memory transactional store for the orderable catalog.
// Transactions are serialized by a single mutex, so concurrent reorders of
// the same scope observe each other's committed results.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook replaces the commit hook. Stores that wrap the memory store use
// it to write through to durable storage inside the commit critical section.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot. Scopes
// whose sort orders drifted from 0..n-1 are compacted on the way in.
func (s *Store) ImportState(_ context.Context, snapshot domain.Snapshot) error {
	state, err := memoryStateFromSnapshot(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, tx.changes); err != nil {
			return result, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	return fn(newTransactionView(&snapshot))
}

type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Now returns the timestamp applied to every write in the transaction.
func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) CreateUniformType(u UniformType) (UniformType, error) {
	return create(tx, domain.EntityUniformType, tx.state.uniformTypes, cloneUniformType, u)
}

func (tx *transaction) UpdateUniformType(id string, mutator func(*UniformType) error) (UniformType, error) {
	return update(tx, domain.EntityUniformType, tx.state.uniformTypes, cloneUniformType, id, mutator)
}

func (tx *transaction) CreateUniformGeneration(g UniformGeneration) (UniformGeneration, error) {
	return create(tx, domain.EntityUniformGeneration, tx.state.generations, cloneGeneration, g)
}

func (tx *transaction) UpdateUniformGeneration(id string, mutator func(*UniformGeneration) error) (UniformGeneration, error) {
	return update(tx, domain.EntityUniformGeneration, tx.state.generations, cloneGeneration, id, mutator)
}

func (tx *transaction) CreateMaterialGroup(m MaterialGroup) (MaterialGroup, error) {
	return create(tx, domain.EntityMaterialGroup, tx.state.groups, cloneGroup, m)
}

func (tx *transaction) UpdateMaterialGroup(id string, mutator func(*MaterialGroup) error) (MaterialGroup, error) {
	return update(tx, domain.EntityMaterialGroup, tx.state.groups, cloneGroup, id, mutator)
}

func (tx *transaction) CreateMaterial(m Material) (Material, error) {
	return create(tx, domain.EntityMaterial, tx.state.materials, cloneMaterial, m)
}

func (tx *transaction) UpdateMaterial(id string, mutator func(*Material) error) (Material, error) {
	return update(tx, domain.EntityMaterial, tx.state.materials, cloneMaterial, id, mutator)
}

// SetSortOrder writes a new sort order for a live record.
func (tx *transaction) SetSortOrder(kind domain.EntityType, id string, sortOrder int) error {
	return tx.touch(kind, id, func(o *domain.Ordering) error {
		if o.Recdelete != nil {
			return domain.NotFoundError{Entity: kind, ID: id}
		}
		o.SortOrder = sortOrder
		return nil
	})
}

// SoftDelete stamps the delete marker on a live record.
func (tx *transaction) SoftDelete(kind domain.EntityType, id, actor string) error {
	now := tx.now
	return tx.touch(kind, id, func(o *domain.Ordering) error {
		if o.Recdelete != nil {
			return domain.NotFoundError{Entity: kind, ID: id}
		}
		o.Recdelete = &now
		o.RecdeleteUser = &actor
		return nil
	})
}

// Restore clears the delete marker and places the record at sortOrder.
func (tx *transaction) Restore(kind domain.EntityType, id string, sortOrder int) error {
	return tx.touch(kind, id, func(o *domain.Ordering) error {
		if o.Recdelete == nil {
			return domain.ValidationError{Entity: kind, Field: "recdelete", Message: "record is not deleted"}
		}
		o.Recdelete = nil
		o.RecdeleteUser = nil
		o.SortOrder = sortOrder
		return nil
	})
}

func (tx *transaction) touch(kind domain.EntityType, id string, fn func(*domain.Ordering) error) error {
	t, err := tx.state.table(kind)
	if err != nil {
		return err
	}
	change, err := t.touch(id, tx.now, fn)
	if err != nil {
		return err
	}
	tx.recordChange(change)
	return nil
}

func create[T domain.Orderable, P record[T]](tx *transaction, kind domain.EntityType, rows map[string]T, clone func(T) T, row T) (T, error) {
	var zero T
	base := P(&row).BaseRef()
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if _, exists := rows[base.ID]; exists {
		return zero, domain.ValidationError{Entity: kind, Field: "id", Message: fmt.Sprintf("%s %q already exists", kind, base.ID)}
	}
	if row.ScopeID() == "" {
		return zero, domain.ValidationError{Entity: kind, Field: "scope", Message: "scope id is required"}
	}
	base.CreatedAt = tx.now
	base.UpdatedAt = tx.now
	rows[base.ID] = clone(row)
	tx.recordChange(Change{Entity: kind, Action: domain.ActionCreate, After: clone(row)})
	return clone(row), nil
}

func update[T domain.Orderable, P record[T]](tx *transaction, kind domain.EntityType, rows map[string]T, clone func(T) T, id string, mutator func(*T) error) (T, error) {
	var zero T
	current, ok := rows[id]
	if !ok {
		return zero, domain.NotFoundError{Entity: kind, ID: id}
	}
	before := clone(current)
	if err := mutator(&current); err != nil {
		return zero, err
	}
	if current.ScopeID() != before.ScopeID() {
		return zero, domain.ValidationError{Entity: kind, Field: "scope", Message: "records cannot move between scopes"}
	}
	// Ordering and identity are owned by the store; field edits never touch them.
	prev := P(&before)
	p := P(&current)
	*p.OrderingRef() = cloneOrdering(*prev.OrderingRef())
	p.BaseRef().ID = id
	p.BaseRef().CreatedAt = prev.BaseRef().CreatedAt
	p.BaseRef().UpdatedAt = tx.now
	rows[id] = clone(current)
	tx.recordChange(Change{Entity: kind, Action: domain.ActionUpdate, Before: before, After: clone(current)})
	return clone(current), nil
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) FindUniformType(id string) (UniformType, bool) {
	u, ok := v.state.uniformTypes[id]
	if !ok {
		return UniformType{}, false
	}
	return cloneUniformType(u), true
}

func (v transactionView) FindUniformGeneration(id string) (UniformGeneration, bool) {
	g, ok := v.state.generations[id]
	if !ok {
		return UniformGeneration{}, false
	}
	return cloneGeneration(g), true
}

func (v transactionView) FindMaterialGroup(id string) (MaterialGroup, bool) {
	m, ok := v.state.groups[id]
	if !ok {
		return MaterialGroup{}, false
	}
	return cloneGroup(m), true
}

func (v transactionView) FindMaterial(id string) (Material, bool) {
	m, ok := v.state.materials[id]
	if !ok {
		return Material{}, false
	}
	return cloneMaterial(m), true
}

func (v transactionView) ListUniformTypes() []UniformType {
	return sortedRows(v.state.uniformTypes, cloneUniformType)
}

func (v transactionView) ListUniformGenerations() []UniformGeneration {
	return sortedRows(v.state.generations, cloneGeneration)
}

func (v transactionView) ListMaterialGroups() []MaterialGroup {
	return sortedRows(v.state.groups, cloneGroup)
}

func (v transactionView) ListMaterials() []Material {
	return sortedRows(v.state.materials, cloneMaterial)
}

// Find returns any record of kind, including soft-deleted ones.
func (v transactionView) Find(kind domain.EntityType, id string) (domain.Orderable, bool) {
	t, err := v.state.table(kind)
	if err != nil {
		return nil, false
	}
	return t.find(id)
}

// Siblings returns the live records of a scope ordered by sort order, then id.
func (v transactionView) Siblings(kind domain.EntityType, scopeID string) []domain.Orderable {
	t, err := v.state.table(kind)
	if err != nil {
		return nil
	}
	return t.siblings(scopeID)
}
