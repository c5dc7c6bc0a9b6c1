// Package sqlstore writes the in-memory catalog through to a relational
// database. Each orderable kind lives in its own table. Every row and every
// sibling scope carries a revision that guards against writers holding a stale
// copy of the scope, and the sum of the scope revisions tells a store when
// another process committed since its cache was loaded.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"uniformcore/internal/infra/persistence/memory"
	"uniformcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the differences between supported SQL engines.
type Dialect struct {
	// Name identifies the dialect in errors.
	Name string
	// PayloadType is the column type used for the JSON record payload.
	PayloadType string
	// Isolation is requested for every write transaction.
	Isolation sql.IsolationLevel
	// Bind renders the n-th (1-based) positional placeholder.
	Bind func(n int) string
	// IsConflict reports driver errors that indicate contention rather than failure.
	IsConflict func(error) bool
}

type tableSpec struct {
	kind domain.EntityType
	name string
}

var tables = []tableSpec{
	{kind: domain.EntityUniformType, name: "uniform_types"},
	{kind: domain.EntityUniformGeneration, name: "uniform_generations"},
	{kind: domain.EntityMaterialGroup, name: "material_groups"},
	{kind: domain.EntityMaterial, name: "materials"},
}

func tableFor(kind domain.EntityType) (string, error) {
	for _, t := range tables {
		if t.kind == kind {
			return t.name, nil
		}
	}
	return "", fmt.Errorf("sqlstore: no table for kind %q", kind)
}

type rowKey struct {
	kind domain.EntityType
	id   string
}

type scopeKey struct {
	kind    domain.EntityType
	scopeID string
}

// Store persists every committed change to SQL while serving reads and
// transactions from the embedded memory store.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
	// mu serializes writers so the commit hook and reloads never interleave.
	mu        sync.Mutex
	revisions map[rowKey]int64
	scopes    map[scopeKey]int64
	// generation is the scope revision sum the cache was loaded at.
	generation int64
}

// Open applies the schema, hydrates a memory store from the database and
// installs the write-through hook.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dialect.Bind == nil {
		dialect.Bind = func(int) string { return "?" }
	}
	if dialect.IsConflict == nil {
		dialect.IsConflict = func(error) bool { return false }
	}
	if dialect.PayloadType == "" {
		dialect.PayloadType = "TEXT"
	}
	if err := ApplySchema(ctx, db, dialect); err != nil {
		return nil, err
	}
	s := &Store{
		Store:     memory.NewStore(engine, opts...),
		db:        db,
		dialect:   dialect,
		revisions: make(map[rowKey]int64),
		scopes:    make(map[scopeKey]int64),
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	s.Store.SetCommitHook(s.writeThrough)
	return s, nil
}

// Schema returns the DDL statements for the dialect.
func Schema(dialect Dialect) []string {
	payload := dialect.PayloadType
	if payload == "" {
		payload = "TEXT"
	}
	stmts := make([]string, 0, len(tables)*2+1)
	stmts = append(stmts, `CREATE TABLE IF NOT EXISTS scopes (
	kind TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	PRIMARY KEY (kind, scope_id)
)`)
	for _, t := range tables {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	sort_order INTEGER NOT NULL,
	recdelete TEXT NULL,
	recdelete_user TEXT NULL,
	payload %s NOT NULL,
	revision BIGINT NOT NULL
)`, t.name, payload),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_scope_order ON %s (scope_id, sort_order) WHERE recdelete IS NULL`, t.name, t.name),
		)
	}
	return stmts
}

// ApplySchema creates the catalog tables when missing.
func ApplySchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range Schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: apply schema: %w", dialect.Name, err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// RunInTransaction runs fn against the memory store and writes the resulting
// changes through before publishing them. The cache is reloaded first when
// another writer committed since it was loaded. A stale scope revision or a
// serialization failure yields a domain.ConflictError and the cache is
// reloaded so the next attempt sees the database's current scope.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sync(ctx); err != nil {
		return domain.Result{}, err
	}
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil && domain.IsConflict(err) {
		if rErr := s.reload(ctx); rErr != nil {
			return res, errors.Join(err, fmt.Errorf("reload after conflict: %w", rErr))
		}
	}
	return res, err
}

// View serves fn from the cache after catching up with writes committed by
// other stores sharing the database.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	s.mu.Lock()
	err := s.sync(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.View(ctx, fn)
}

// Refresh reloads the cache when the database moved on since the last load.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sync(ctx)
}

// sync compares the database generation with the cached one and reloads on
// mismatch. Callers hold s.mu.
func (s *Store) sync(ctx context.Context) error {
	var generation int64
	err := s.db.QueryRowContext(ctx, `SELECT CAST(COALESCE(SUM(revision), 0) AS BIGINT) FROM scopes`).Scan(&generation)
	if err != nil {
		return s.classify(fmt.Errorf("%s: read generation: %w", s.dialect.Name, err), "", "")
	}
	if generation == s.generation {
		return nil
	}
	return s.reload(ctx)
}

// ImportState replaces the database contents with snapshot after compacting
// drifted scopes, then refreshes the cache.
func (s *Store) ImportState(ctx context.Context, snapshot domain.Snapshot) error {
	normalizer := memory.NewStore(nil)
	if err := normalizer.ImportState(ctx, snapshot); err != nil {
		return err
	}
	rows := snapshotRows(normalizer.ExportState())

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t.name); err != nil {
				return fmt.Errorf("clear %s: %w", t.name, err)
			}
		}
		// Every known scope moves forward so caches loaded before the import go stale.
		if _, err := tx.ExecContext(ctx, `UPDATE scopes SET revision = revision + 1`); err != nil {
			return fmt.Errorf("bump scopes: %w", err)
		}
		seen := make(map[scopeKey]bool)
		for _, row := range rows {
			key := scopeKey{kind: row.kind, scopeID: row.value.(domain.Orderable).ScopeID()}
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, err := s.insertScope(ctx, tx, key); err != nil {
				return err
			}
		}
		for _, row := range rows {
			if err := s.insert(ctx, tx, row.kind, row.value, 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.reload(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type pendingRow struct {
	kind   domain.EntityType
	value  any
	create bool
}

// writeThrough runs inside the memory store's commit critical section with
// s.mu already held by RunInTransaction.
func (s *Store) writeThrough(ctx context.Context, changes []domain.Change) error {
	order := make([]rowKey, 0, len(changes))
	pending := make(map[rowKey]*pendingRow, len(changes))
	var scopes []scopeKey
	touched := make(map[scopeKey]bool)
	for _, change := range changes {
		o, ok := change.After.(domain.Orderable)
		if !ok {
			return fmt.Errorf("sqlstore: change for %s carries %T", change.Entity, change.After)
		}
		if sk := (scopeKey{kind: change.Entity, scopeID: o.ScopeID()}); !touched[sk] {
			touched[sk] = true
			scopes = append(scopes, sk)
		}
		key := rowKey{kind: change.Entity, id: o.EntityID()}
		row, seen := pending[key]
		if !seen {
			row = &pendingRow{kind: change.Entity}
			pending[key] = row
			order = append(order, key)
		}
		row.value = change.After
		row.create = row.create || change.Action == domain.ActionCreate
	}

	next := make(map[rowKey]int64, len(order))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range scopes {
			if err := s.claimScope(ctx, tx, key); err != nil {
				return err
			}
		}
		for _, key := range order {
			row := pending[key]
			if row.create {
				if err := s.insert(ctx, tx, row.kind, row.value, 1); err != nil {
					return err
				}
				next[key] = 1
				continue
			}
			rev := s.revisions[key]
			if err := s.update(ctx, tx, row.kind, row.value, rev); err != nil {
				return err
			}
			next[key] = rev + 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	for key, rev := range next {
		s.revisions[key] = rev
	}
	for _, key := range scopes {
		s.scopes[key]++
	}
	// A writer that committed concurrently on another scope leaves the database
	// sum ahead of this one, so the next sync still reloads.
	s.generation += int64(len(scopes))
	return nil
}

// claimScope advances the scope revision the cache was loaded at. Any other
// writer that committed to the scope since then, creates included, makes the
// guarded statement miss and the transaction fail with a conflict.
func (s *Store) claimScope(ctx context.Context, tx *sql.Tx, key scopeKey) error {
	var (
		n   int64
		err error
	)
	if rev, ok := s.scopes[key]; ok {
		b := s.dialect.Bind
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE scopes SET revision = revision + 1 WHERE kind = %s AND scope_id = %s AND revision = %s`, b(1), b(2), b(3)),
			string(key.kind), key.scopeID, rev)
		if err == nil {
			n, err = res.RowsAffected()
		}
	} else {
		n, err = s.insertScope(ctx, tx, key)
	}
	if err != nil {
		return s.classify(fmt.Errorf("claim scope %s %s: %w", key.kind, key.scopeID, err), key.kind, key.scopeID)
	}
	if n == 0 {
		return domain.ConflictError{Entity: key.kind, ScopeID: key.scopeID, Reason: "scope changed since it was loaded"}
	}
	return nil
}

// insertScope registers a scope at revision 1 and reports how many rows were
// written; zero means another writer registered it first.
func (s *Store) insertScope(ctx context.Context, tx *sql.Tx, key scopeKey) (int64, error) {
	b := s.dialect.Bind
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO scopes (kind, scope_id, revision) VALUES (%s, %s, 1) ON CONFLICT DO NOTHING`, b(1), b(2)),
		string(key.kind), key.scopeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.dialect.Isolation})
	if err != nil {
		return s.classify(fmt.Errorf("begin tx: %w", err), "", "")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return s.classify(err, "", "")
	}
	if err := tx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit: %w", err), "", "")
	}
	committed = true
	return nil
}

func (s *Store) classify(err error, kind domain.EntityType, scopeID string) error {
	if err == nil || domain.IsConflict(err) {
		return err
	}
	if s.dialect.IsConflict(err) {
		return domain.ConflictError{Entity: kind, ScopeID: scopeID, Reason: "concurrent write", Err: err}
	}
	return err
}

type columns struct {
	id, scopeID   string
	sortOrder     int
	recdelete     sql.NullString
	recdeleteUser sql.NullString
	payload       string
}

func columnsOf(value any) (columns, error) {
	o, ok := value.(domain.Orderable)
	if !ok {
		return columns{}, fmt.Errorf("sqlstore: %T is not orderable", value)
	}
	ord, err := orderingOf(value)
	if err != nil {
		return columns{}, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return columns{}, fmt.Errorf("encode %s: %w", o.EntityID(), err)
	}
	c := columns{id: o.EntityID(), scopeID: o.ScopeID(), sortOrder: o.Position(), payload: string(payload)}
	if ord.Recdelete != nil {
		c.recdelete = sql.NullString{String: ord.Recdelete.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if ord.RecdeleteUser != nil {
		c.recdeleteUser = sql.NullString{String: *ord.RecdeleteUser, Valid: true}
	}
	return c, nil
}

func orderingOf(value any) (domain.Ordering, error) {
	switch v := value.(type) {
	case domain.UniformType:
		return v.Ordering, nil
	case domain.UniformGeneration:
		return v.Ordering, nil
	case domain.MaterialGroup:
		return v.Ordering, nil
	case domain.Material:
		return v.Ordering, nil
	default:
		return domain.Ordering{}, fmt.Errorf("sqlstore: unsupported record %T", value)
	}
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, kind domain.EntityType, value any, revision int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	c, err := columnsOf(value)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, scope_id, sort_order, recdelete, recdelete_user, payload, revision) VALUES (%s)`,
		table, s.binds(7))
	if _, err := tx.ExecContext(ctx, query, c.id, c.scopeID, c.sortOrder, c.recdelete, c.recdeleteUser, c.payload, revision); err != nil {
		return s.classify(fmt.Errorf("insert %s %s: %w", kind, c.id, err), kind, c.scopeID)
	}
	return nil
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, kind domain.EntityType, value any, revision int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	c, err := columnsOf(value)
	if err != nil {
		return err
	}
	b := s.dialect.Bind
	query := fmt.Sprintf(`UPDATE %s SET scope_id = %s, sort_order = %s, recdelete = %s, recdelete_user = %s, payload = %s, revision = revision + 1 WHERE id = %s AND revision = %s`,
		table, b(1), b(2), b(3), b(4), b(5), b(6), b(7))
	res, err := tx.ExecContext(ctx, query, c.scopeID, c.sortOrder, c.recdelete, c.recdeleteUser, c.payload, c.id, revision)
	if err != nil {
		return s.classify(fmt.Errorf("update %s %s: %w", kind, c.id, err), kind, c.scopeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: rows affected: %w", kind, c.id, err)
	}
	if n == 0 {
		return domain.ConflictError{Entity: kind, ScopeID: c.scopeID, Reason: fmt.Sprintf("%s changed since it was loaded", c.id)}
	}
	return nil
}

func (s *Store) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.dialect.Bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

// reload replaces the cache and revision tables with the database contents.
// Scope revisions are read before the rows so a write landing in between only
// makes the cache look older than it is.
func (s *Store) reload(ctx context.Context) error {
	scopes, generation, err := s.loadScopes(ctx)
	if err != nil {
		return s.classify(err, "", "")
	}
	snapshot := domain.Snapshot{
		UniformTypes:       map[string]domain.UniformType{},
		UniformGenerations: map[string]domain.UniformGeneration{},
		MaterialGroups:     map[string]domain.MaterialGroup{},
		Materials:          map[string]domain.Material{},
	}
	revisions := make(map[rowKey]int64)
	for _, t := range tables {
		if err := s.loadTable(ctx, t, &snapshot, revisions); err != nil {
			return s.classify(err, "", "")
		}
	}
	if err := s.Store.ImportState(ctx, snapshot); err != nil {
		return err
	}
	s.revisions = revisions
	s.scopes = scopes
	s.generation = generation
	return nil
}

func (s *Store) loadScopes(ctx context.Context) (map[scopeKey]int64, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, scope_id, revision FROM scopes`)
	if err != nil {
		return nil, 0, fmt.Errorf("select scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	scopes := make(map[scopeKey]int64)
	var generation int64
	for rows.Next() {
		var (
			kind, scopeID string
			revision      int64
		)
		if err := rows.Scan(&kind, &scopeID, &revision); err != nil {
			return nil, 0, fmt.Errorf("scan scopes: %w", err)
		}
		scopes[scopeKey{kind: domain.EntityType(kind), scopeID: scopeID}] = revision
		generation += revision
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate scopes: %w", err)
	}
	return scopes, generation, nil
}

func (s *Store) loadTable(ctx context.Context, t tableSpec, snapshot *domain.Snapshot, revisions map[rowKey]int64) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, payload, revision FROM %s`, t.name))
	if err != nil {
		return fmt.Errorf("select %s: %w", t.name, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id       string
			payload  string
			revision int64
		)
		if err := rows.Scan(&id, &payload, &revision); err != nil {
			return fmt.Errorf("scan %s: %w", t.name, err)
		}
		var decodeErr error
		switch t.kind {
		case domain.EntityUniformType:
			decodeErr = decodeInto(snapshot.UniformTypes, id, payload)
		case domain.EntityUniformGeneration:
			decodeErr = decodeInto(snapshot.UniformGenerations, id, payload)
		case domain.EntityMaterialGroup:
			decodeErr = decodeInto(snapshot.MaterialGroups, id, payload)
		case domain.EntityMaterial:
			decodeErr = decodeInto(snapshot.Materials, id, payload)
		}
		if decodeErr != nil {
			return fmt.Errorf("decode %s %s: %w", t.kind, id, decodeErr)
		}
		revisions[rowKey{kind: t.kind, id: id}] = revision
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", t.name, err)
	}
	return nil
}

func decodeInto[T any](dst map[string]T, id, payload string) error {
	var v T
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return err
	}
	dst[id] = v
	return nil
}

type snapshotRow struct {
	kind  domain.EntityType
	value any
}

func snapshotRows(s domain.Snapshot) []snapshotRow {
	out := make([]snapshotRow, 0, len(s.UniformTypes)+len(s.UniformGenerations)+len(s.MaterialGroups)+len(s.Materials))
	for _, v := range s.UniformTypes {
		out = append(out, snapshotRow{kind: domain.EntityUniformType, value: v})
	}
	for _, v := range s.UniformGenerations {
		out = append(out, snapshotRow{kind: domain.EntityUniformGeneration, value: v})
	}
	for _, v := range s.MaterialGroups {
		out = append(out, snapshotRow{kind: domain.EntityMaterialGroup, value: v})
	}
	for _, v := range s.Materials {
		out = append(out, snapshotRow{kind: domain.EntityMaterial, value: v})
	}
	return out
}
