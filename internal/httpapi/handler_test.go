package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"uniformcore/internal/backup"
	"uniformcore/internal/blob"
	"uniformcore/internal/core"
	"uniformcore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listBody struct {
	Items []struct {
		ID        string `json:"id"`
		SortOrder int    `json:"sort_order"`
		Typename  string `json:"typename"`
	} `json:"items"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func newTestServer(t *testing.T) (*httptest.Server, *core.Service, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec, err := core.NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)
	svc := core.NewInMemoryService(nil, core.WithMetricsRecorder(rec))
	archive := backup.New(svc.Store(), blob.NewMemory())
	srv := httptest.NewServer(NewHandler(svc, WithBackups(archive), WithGatherer(reg)))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	group, _, err := svc.CreateMaterialGroup(ctx, domain.MaterialGroup{AssociationID: "assoc", Description: "Equipment"})
	require.NoError(t, err)
	for _, id := range []string{"A", "B", "C", "D"} {
		_, _, err := svc.CreateMaterial(ctx, domain.Material{Base: domain.Base{ID: id}, MaterialGroupID: group.ID, Typename: id})
		require.NoError(t, err)
	}
	return srv, svc, group.ID
}

func do(t *testing.T, method, url string, body any, headers ...string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func idsOf(b listBody) []string {
	ids := make([]string, len(b.Items))
	for i, item := range b.Items {
		ids[i] = item.ID
	}
	return ids
}

func TestSortOrderEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := do(t, http.MethodPut, srv.URL+"/api/v1/materials/C/sort-order", map[string]int{"new_position": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[listBody](t, resp)
	assert.Equal(t, []string{"A", "C", "B", "D"}, idsOf(body))
	for i, item := range body.Items {
		assert.Equal(t, i, item.SortOrder)
	}
}

func TestSortOrderEndpointErrors(t *testing.T) {
	srv, _, group := newTestServer(t)
	cases := []struct {
		name   string
		url    string
		body   any
		status int
		typ    string
		field  string
	}{
		{name: "out of range", url: "/api/v1/materials/A/sort-order", body: map[string]int{"new_position": 4}, status: http.StatusBadRequest, typ: typeValidation, field: "new_position"},
		{name: "missing position", url: "/api/v1/materials/A/sort-order", body: map[string]string{}, status: http.StatusBadRequest, typ: typeValidation, field: "new_position"},
		{name: "bad json", url: "/api/v1/materials/A/sort-order", body: "{", status: http.StatusBadRequest, typ: typeValidation},
		{name: "unknown id", url: "/api/v1/materials/Z/sort-order", body: map[string]int{"new_position": 0}, status: http.StatusNotFound, typ: typeNotFound},
		{name: "unknown collection", url: "/api/v1/sizes/A/sort-order", body: map[string]int{"new_position": 0}, status: http.StatusNotFound, typ: typeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPut, srv.URL+tc.url, tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
			env := decode[errorEnvelope](t, resp)
			assert.Equal(t, tc.typ, env.Error.Type)
			if tc.field != "" {
				assert.Equal(t, tc.field, env.Error.Field)
			}
		})
	}

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/materials?scope="+group, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"A", "B", "C", "D"}, idsOf(decode[listBody](t, resp)), "failed requests must not change order")
}

func TestSortOrderConflict(t *testing.T) {
	svc := core.NewInMemoryService(domain.NewRulesEngine())
	srv := httptest.NewServer(NewHandler(svc, WithGatherer(prometheus.NewRegistry())))
	defer srv.Close()
	ctx := context.Background()
	group, _, err := svc.CreateMaterialGroup(ctx, domain.MaterialGroup{AssociationID: "assoc", Description: "Equipment"})
	require.NoError(t, err)
	for _, id := range []string{"A", "B"} {
		_, _, err := svc.CreateMaterial(ctx, domain.Material{Base: domain.Base{ID: id}, MaterialGroupID: group.ID, Typename: id})
		require.NoError(t, err)
	}
	_, err = svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.SetSortOrder(domain.EntityMaterial, "B", 5)
	})
	require.NoError(t, err)

	resp := do(t, http.MethodPut, srv.URL+"/api/v1/materials/A/sort-order", map[string]int{"new_position": 1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	env := decode[errorEnvelope](t, resp)
	assert.Equal(t, typeConflict, env.Error.Type)
	assert.Equal(t, group.ID, env.Error.ScopeID)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/materials/repair?scope="+group.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[struct {
		Changed int               `json:"changed"`
		Items   []domain.Material `json:"items"`
	}](t, resp)
	assert.Equal(t, 1, report.Changed)
	require.Len(t, report.Items, 2)
	assert.Equal(t, "B", report.Items[1].ID)
	assert.Equal(t, 1, report.Items[1].SortOrder)
}

func TestCrudEndpoints(t *testing.T) {
	srv, _, group := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/materials", map[string]any{"material_group_id": group, "typename": "Belt", "actual_quantity": 1, "target_quantity": 3})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		Item       domain.Material    `json:"item"`
		Violations []domain.Violation `json:"violations"`
	}](t, resp)
	assert.Equal(t, 4, created.Item.SortOrder)
	require.Len(t, created.Violations, 1)
	assert.Equal(t, core.RuleMaterialQuantity, created.Violations[0].Rule)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/materials", map[string]any{"material_group_id": group})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/materials", map[string]any{"id": "A", "material_group_id": group, "typename": "Belt"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "id", decode[errorEnvelope](t, resp).Error.Field)

	resp = do(t, http.MethodPatch, srv.URL+"/api/v1/materials/A", map[string]any{"typename": "Boots", "sort_order": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[struct {
		Item domain.Material `json:"item"`
	}](t, resp)
	assert.Equal(t, "Boots", updated.Item.Typename)
	assert.Equal(t, 0, updated.Item.SortOrder)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/materials/A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/materials/B", nil, ActorHeader, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"A", "C", "D", created.Item.ID}, idsOf(decode[listBody](t, resp)))

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/materials?deleted=true&scope="+group, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"B"}, idsOf(decode[listBody](t, resp)))

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/materials/B/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	restored := decode[struct {
		Item domain.Material `json:"item"`
	}](t, resp)
	assert.Equal(t, 4, restored.Item.SortOrder)
	assert.Nil(t, restored.Item.Recdelete)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/materials", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackupEndpoints(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/backups", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		Backup backup.Info `json:"backup"`
	}](t, resp)
	require.True(t, strings.HasPrefix(created.Backup.Key, backup.Prefix))

	require.NoError(t, svc.Store().ImportState(context.Background(), domain.Snapshot{}))

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/backups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[struct {
		Backups []backup.Info `json:"backups"`
	}](t, resp)
	require.Len(t, listed.Backups, 1)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/backups/restore", map[string]string{"key": created.Backup.Key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, svc.Store().ExportState().Materials, 4)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/backups/restore", map[string]string{"key": "nope.json"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/api/v1/backups/restore", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	name := strings.TrimPrefix(created.Backup.Key, backup.Prefix)
	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/backups/"+name, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/backups/"+name, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/api/v1/backups", nil)
	assert.Empty(t, decode[struct {
		Backups []backup.Info `json:"backups"`
	}](t, resp).Backups)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	do(t, http.MethodPut, srv.URL+"/api/v1/materials/B/sort-order", map[string]int{"new_position": 0})
	resp = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `uniformcore_service_operations_total{operation="reorder_material",status="success"} 1`)
}
