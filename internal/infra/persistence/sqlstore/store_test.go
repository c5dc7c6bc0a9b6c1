package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"uniformcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

func openSQLite(t *testing.T, path string) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	store, err := Open(context.Background(), db, Dialect{Name: "sqlite"}, domain.NewRulesEngine())
	if err != nil {
		_ = db.Close()
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createMaterials(t *testing.T, store *Store, group string, names ...string) []string {
	t.Helper()
	var ids []string
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for i, name := range names {
			m := domain.Material{MaterialGroupID: group, Typename: name}
			m.SortOrder = i
			created, err := tx.CreateMaterial(m)
			if err != nil {
				return err
			}
			ids = append(ids, created.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create materials: %v", err)
	}
	return ids
}

func swap(store *Store, a, b string) error {
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		view := tx.Snapshot()
		ma, _ := view.FindMaterial(a)
		mb, _ := view.FindMaterial(b)
		if err := tx.SetSortOrder(domain.EntityMaterial, a, mb.SortOrder); err != nil {
			return err
		}
		return tx.SetSortOrder(domain.EntityMaterial, b, ma.SortOrder)
	})
	return err
}

func positions(t *testing.T, store *Store, group string) []string {
	t.Helper()
	var ids []string
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		for _, s := range view.Siblings(domain.EntityMaterial, group) {
			ids = append(ids, s.EntityID())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return ids
}

func TestSchemaCoversEveryKind(t *testing.T) {
	stmts := strings.Join(Schema(Dialect{PayloadType: "JSONB"}), "\n")
	for _, table := range []string{"scopes", "uniform_types", "uniform_generations", "material_groups", "materials"} {
		if !strings.Contains(stmts, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("missing table %s in schema", table)
		}
	}
	if !strings.Contains(stmts, "payload JSONB") {
		t.Fatalf("expected dialect payload type in schema")
	}
}

func TestWriteThroughPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store := openSQLite(t, path)
	ids := createMaterials(t, store, "group", "Belt", "Cap", "Scarf")
	if err := swap(store, ids[0], ids[2]); err != nil {
		t.Fatalf("swap: %v", err)
	}

	reopened := openSQLite(t, path)
	got := positions(t, reopened, "group")
	want := []string{ids[2], ids[1], ids[0]}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("reloaded order = %v, want %v", got, want)
	}
	var revision int64
	if err := reopened.DB().QueryRow(`SELECT revision FROM materials WHERE id = ?`, ids[0]).Scan(&revision); err != nil {
		t.Fatalf("select revision: %v", err)
	}
	if revision != 2 {
		t.Fatalf("expected revision 2 after one update, got %d", revision)
	}
}

// interleave runs fn inside a transaction on store while other commits first,
// leaving fn to work against a snapshot that is already stale.
func interleave(store *Store, other func() error, fn func(domain.Transaction) error) error {
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := other(); err != nil {
			return err
		}
		return fn(tx)
	})
	return err
}

func TestStaleWriterGetsConflictAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	first := openSQLite(t, path)
	ids := createMaterials(t, first, "group", "A", "B", "C")
	second := openSQLite(t, path)

	err := interleave(second, func() error { return swap(first, ids[0], ids[1]) }, func(tx domain.Transaction) error {
		return tx.SetSortOrder(domain.EntityMaterial, ids[2], 0)
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict for stale writer, got %v", err)
	}
	if got := positions(t, second, "group"); got[0] != ids[1] {
		t.Fatalf("expected stale cache refreshed after conflict, got %v", got)
	}
	if err := swap(second, ids[0], ids[1]); err != nil {
		t.Fatalf("retry after refresh: %v", err)
	}
	if got := positions(t, first, "group"); got[0] != ids[0] {
		t.Fatalf("expected first store to observe retried swap, got %v", got)
	}
}

func TestStoresSharingDatabaseObserveEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	first := openSQLite(t, path)
	second := openSQLite(t, path)

	ids := createMaterials(t, first, "group", "A", "B")
	if got := positions(t, second, "group"); strings.Join(got, ",") != strings.Join(ids, ",") {
		t.Fatalf("second store served stale siblings %v, want %v", got, ids)
	}
	if err := swap(second, ids[0], ids[1]); err != nil {
		t.Fatalf("swap from second store: %v", err)
	}
	if got := positions(t, first, "group"); got[0] != ids[1] {
		t.Fatalf("first store did not observe swap, got %v", got)
	}
}

func TestStaleCreatorConflictsInsteadOfDuplicatingSortOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	first := openSQLite(t, path)
	second := openSQLite(t, path)

	appendMaterial := func(tx domain.Transaction, name string) error {
		m := domain.Material{MaterialGroupID: "group", Typename: name}
		m.SortOrder = len(tx.Snapshot().Siblings(domain.EntityMaterial, "group"))
		_, err := tx.CreateMaterial(m)
		return err
	}
	err := interleave(second, func() error {
		createMaterials(t, first, "group", "M1")
		return nil
	}, func(tx domain.Transaction) error {
		return appendMaterial(tx, "M2")
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict for stale creator, got %v", err)
	}
	if _, err := second.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return appendMaterial(tx, "M2")
	}); err != nil {
		t.Fatalf("retry create: %v", err)
	}

	rows, err := second.DB().Query(`SELECT sort_order FROM materials WHERE scope_id = ? ORDER BY sort_order`, "group")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	defer rows.Close()
	var orders []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan: %v", err)
		}
		orders = append(orders, n)
	}
	if len(orders) != 2 || orders[0] != 0 || orders[1] != 1 {
		t.Fatalf("expected stored sort orders [0 1], got %v", orders)
	}
}

func TestImportMakesOtherCachesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	first := openSQLite(t, path)
	createMaterials(t, first, "group", "A", "B")
	second := openSQLite(t, path)

	m := domain.Material{MaterialGroupID: "group", Typename: "Z"}
	m.ID = "z"
	if err := second.ImportState(context.Background(), domain.Snapshot{Materials: map[string]domain.Material{"z": m}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := positions(t, first, "group"); strings.Join(got, ",") != "z" {
		t.Fatalf("expected first store to observe import, got %v", got)
	}
}

func TestImportStateReplacesTables(t *testing.T) {
	store := openSQLite(t, filepath.Join(t.TempDir(), "catalog.db"))
	createMaterials(t, store, "group", "Old")

	g := domain.MaterialGroup{AssociationID: "assoc", Description: "Badges"}
	g.ID = "g1"
	g.SortOrder = 5
	err := store.ImportState(context.Background(), domain.Snapshot{MaterialGroups: map[string]domain.MaterialGroup{"g1": g}})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM materials`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected materials cleared, got %d", count)
	}
	var sortOrder int
	if err := store.DB().QueryRow(`SELECT sort_order FROM material_groups WHERE id = ?`, "g1").Scan(&sortOrder); err != nil {
		t.Fatalf("select group: %v", err)
	}
	if sortOrder != 0 {
		t.Fatalf("expected imported scope compacted, got %d", sortOrder)
	}
	if got := store.ExportState().MaterialGroups["g1"].SortOrder; got != 0 {
		t.Fatalf("expected cache compacted, got %d", got)
	}
}

func TestSoftDeletePersistsMarkerColumns(t *testing.T) {
	store := openSQLite(t, filepath.Join(t.TempDir(), "catalog.db"))
	ids := createMaterials(t, store, "group", "A")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.SoftDelete(domain.EntityMaterial, ids[0], "quartermaster")
	})
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	var recdelete, user sql.NullString
	if err := store.DB().QueryRow(`SELECT recdelete, recdelete_user FROM materials WHERE id = ?`, ids[0]).Scan(&recdelete, &user); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !recdelete.Valid || user.String != "quartermaster" {
		t.Fatalf("expected delete marker persisted, got %v %v", recdelete, user)
	}
}
