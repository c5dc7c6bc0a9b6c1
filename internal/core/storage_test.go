package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"uniformcore/internal/config"
	"uniformcore/internal/infra/persistence/memory"
	"uniformcore/internal/infra/persistence/sqlite"
	"uniformcore/pkg/domain"

	"github.com/google/go-cmp/cmp"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	store, err := OpenPersistentStore(config.StorageConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenPersistentStoreSQLiteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := OpenPersistentStore(config.StorageConfig{SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sq, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if sq.Path() != path {
		t.Fatalf("unexpected path %s", sq.Path())
	}

	svc := NewService(store)
	seedMaterials(t, svc, "A", "B", "C")
	if _, err := svc.Reorder(context.Background(), domain.EntityMaterial, "C", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPersistentStore(config.StorageConfig{Driver: "sqlite", SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	snap := reopened.ExportState()
	if snap.Materials["C"].SortOrder != 0 || snap.Materials["A"].SortOrder != 1 || snap.Materials["B"].SortOrder != 2 {
		t.Fatalf("unexpected persisted order %+v", snap.Materials)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(config.StorageConfig{Driver: "mongo"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestSQLiteStoresSerializeConcurrentReorders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	open := func() *Service {
		store, err := OpenPersistentStore(config.StorageConfig{Driver: "sqlite", SQLitePath: path}, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return NewService(store)
	}
	first, second := open(), open()
	ids := []string{"A", "B", "C", "D"}
	group := seedMaterials(t, first, ids...)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
		failures  []error
	)
	for i := 0; i < 8; i++ {
		svc := first
		if i%2 == 1 {
			svc = second
		}
		wg.Add(1)
		go func(i int, svc *Service) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := svc.Reorder(context.Background(), domain.EntityMaterial, ids[(i+j)%len(ids)], (i*3+j)%len(ids))
				mu.Lock()
				switch {
				case err == nil:
				case domain.IsConflict(err):
					conflicts++
				default:
					failures = append(failures, err)
				}
				mu.Unlock()
			}
		}(i, svc)
	}
	wg.Wait()
	if len(failures) > 0 {
		t.Fatalf("unexpected reorder failures: %v", failures)
	}
	t.Logf("%d reorders rejected as conflicts", conflicts)

	fromFirst := assertContiguous(t, first, domain.EntityMaterial, group.ID, len(ids))
	fromSecond := assertContiguous(t, second, domain.EntityMaterial, group.ID, len(ids))
	if diff := cmp.Diff(fromFirst, fromSecond); diff != "" {
		t.Fatalf("stores disagree on order (-first +second):\n%s", diff)
	}
}
