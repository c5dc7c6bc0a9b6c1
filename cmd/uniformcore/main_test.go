package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"uniformcore/internal/backup"
	"uniformcore/internal/config"
	"uniformcore/internal/core"
	"uniformcore/internal/httpapi"
	"uniformcore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig stores a sqlite + fs configuration under a temp dir and
// returns its path.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(dir, "catalog.db")
	cfg.Blob.Driver = "fs"
	cfg.Blob.FSRoot = filepath.Join(dir, "blobs")
	cfg.Logging.Level = "error"
	path := filepath.Join(dir, "uniformcore.yaml")
	require.NoError(t, cfg.Save(path))
	return path, cfg
}

// seedLocal creates a material group with materials A..D in the configured store.
func seedLocal(t *testing.T, cfg *config.Config) string {
	t.Helper()
	store, err := core.OpenPersistentStore(cfg.Storage, nil)
	require.NoError(t, err)
	defer store.Close()
	svc := core.NewService(store)
	ctx := context.Background()
	group, _, err := svc.CreateMaterialGroup(ctx, domain.MaterialGroup{Base: domain.Base{ID: "equipment"}, AssociationID: "assoc", Description: "Equipment"})
	require.NoError(t, err)
	for _, id := range []string{"A", "B", "C", "D"} {
		_, _, err := svc.CreateMaterial(ctx, domain.Material{Base: domain.Base{ID: id}, MaterialGroupID: group.ID, Typename: id})
		require.NoError(t, err)
	}
	return group.ID
}

// column returns the n-th whitespace separated field of every row below the header.
func column(out string, n int) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var values []string
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) > n {
			values = append(values, fields[n])
		}
	}
	return values
}

func TestParseKind(t *testing.T) {
	for _, arg := range []string{"material", "materials"} {
		kind, err := parseKind(arg)
		require.NoError(t, err)
		assert.Equal(t, domain.EntityMaterial, kind)
	}
	kind, err := parseKind("uniform_generations")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityUniformGeneration, kind)

	_, err = parseKind("sizes")
	require.Error(t, err)
}

func TestLocalCatalogCommands(t *testing.T) {
	path, cfg := writeConfig(t)
	group := seedLocal(t, cfg)

	out, err := execute(t, "-c", path, "reorder", "materials", "C", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B", "D"}, column(out, 1))
	assert.Equal(t, []string{"0", "1", "2", "3"}, column(out, 0))

	out, err = execute(t, "-c", path, "list", "material", "--scope", group)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B", "D"}, column(out, 1))

	out, err = execute(t, "-c", path, "--actor", "alice", "delete", "material", "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D"}, column(out, 1))
	assert.Equal(t, []string{"0", "1", "2"}, column(out, 0))

	out, err = execute(t, "-c", path, "list", "material", "--scope", group, "--deleted")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, column(out, 1))

	out, err = execute(t, "-c", path, "restore", "material", "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, column(out, 0))

	out, err = execute(t, "-c", path, "repair", "material", "--scope", group)
	require.NoError(t, err)
	assert.Contains(t, out, "0 changed")

	_, err = execute(t, "-c", path, "reorder", "material", "A", "9")
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "new_position", verr.Field)

	_, err = execute(t, "-c", path, "reorder", "material", "A", "first")
	require.Error(t, err)

	_, err = execute(t, "-c", path, "list", "material")
	require.Error(t, err, "scope flag is required")
}

func TestBackupCommands(t *testing.T) {
	path, cfg := writeConfig(t)
	seedLocal(t, cfg)

	out, err := execute(t, "-c", path, "backup", "create")
	require.NoError(t, err)
	keys := column(out, 0)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "backups/"))
	assert.Equal(t, []string{"4"}, column(out, 6))

	_, err = execute(t, "-c", path, "delete", "material", "A")
	require.NoError(t, err)

	out, err = execute(t, "-c", path, "backup", "list")
	require.NoError(t, err)
	assert.Equal(t, keys, column(out, 0))

	_, err = execute(t, "-c", path, "backup", "restore", keys[0])
	require.NoError(t, err)

	out, err = execute(t, "-c", path, "list", "material", "--scope", "equipment")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, column(out, 1))

	out, err = execute(t, "-c", path, "backup", "delete", keys[0])
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+keys[0])
	out, err = execute(t, "-c", path, "backup", "list")
	require.NoError(t, err)
	assert.Empty(t, column(out, 0))
	_, err = execute(t, "-c", path, "backup", "delete", keys[0])
	require.ErrorIs(t, err, backup.ErrNotFound)

	_, err = execute(t, "-c", path, "--server", "http://localhost:1", "backup", "list")
	require.Error(t, err)
}

func TestRemoteCatalogCommands(t *testing.T) {
	path, _ := writeConfig(t)
	svc := core.NewInMemoryService(nil)
	srv := httptest.NewServer(httpapi.NewHandler(svc, httpapi.WithGatherer(prometheus.NewRegistry())))
	defer srv.Close()

	ctx := context.Background()
	jacket, _, err := svc.CreateUniformType(ctx, domain.UniformType{Base: domain.Base{ID: "jacket"}, AssociationID: "assoc", Name: "Jacket", UsingGenerations: true})
	require.NoError(t, err)
	for _, id := range []string{"g0", "g1", "g2", "g3"} {
		_, _, err := svc.CreateUniformGeneration(ctx, domain.UniformGeneration{Base: domain.Base{ID: id}, UniformTypeID: jacket.ID, Name: id})
		require.NoError(t, err)
	}

	out, err := execute(t, "-c", path, "--server", srv.URL, "reorder", "uniform_generations", "g0", "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g0", "g3"}, column(out, 1))

	out, err = execute(t, "-c", path, "--server", srv.URL, "--actor", "bob", "delete", "uniform_generation", "g2")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g0", "g3"}, column(out, 1))
	deleted := svc.Store().ExportState().UniformGenerations["g2"]
	require.NotNil(t, deleted.RecdeleteUser)
	assert.Equal(t, "bob", *deleted.RecdeleteUser)

	out, err = execute(t, "-c", path, "--server", srv.URL, "list", "uniform_generations", "--scope", jacket.ID, "--deleted")
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, column(out, 1))

	out, err = execute(t, "-c", path, "--server", srv.URL, "repair", "uniform_generation", "--scope", jacket.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "repaired uniform_generations in jacket: 0 changed")

	_, err = execute(t, "-c", path, "--server", srv.URL, "reorder", "uniform_generation", "ghost", "0")
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestServeLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.Blob.Driver = "memory"
	cfg.HTTP.ShutdownTimeout = "2s"
	cfg.Tracing.Path = filepath.Join(t.TempDir(), "trace.jsonl")
	a := &app{cfg: cfg, logger: zap.NewNop()}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	hc := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 2 * time.Second}
	base := fmt.Sprintf("http://%s", ln.Addr())
	require.Eventually(t, func() bool {
		resp, err := hc.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := hc.Post(base+"/api/v1/backups", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = hc.Post(base+"/api/v1/material_groups", "application/json", strings.NewReader(`{"association_id":"assoc","description":"Equipment"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	trace, err := os.ReadFile(cfg.Tracing.Path)
	require.NoError(t, err)
	var span core.JSONTraceEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(trace), &span))
	assert.Equal(t, "create_"+string(domain.EntityMaterialGroup), span.Operation)
	assert.Equal(t, "success", span.Status)
}
