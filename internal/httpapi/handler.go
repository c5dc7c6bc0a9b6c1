// Package httpapi exposes the catalog service over JSON/HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"uniformcore/internal/backup"
	"uniformcore/internal/core"
	"uniformcore/pkg/domain"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// ActorHeader carries the user recorded on soft deletes.
const ActorHeader = "X-Uniformcore-Actor"

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBackups enables the backup endpoints.
func WithBackups(archive *backup.Archive) Option {
	return func(h *Handler) { h.backups = archive }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		if g != nil {
			h.gatherer = g
		}
	}
}

// Handler routes API requests to the catalog service.
type Handler struct {
	svc      *core.Service
	backups  *backup.Archive
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	router   *mux.Router
}

// NewHandler builds the router for svc.
func NewHandler(svc *core.Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, logger: zap.NewNop(), gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(h)
	}
	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/backups", h.handleListBackups).Methods(http.MethodGet)
	api.HandleFunc("/backups", h.handleCreateBackup).Methods(http.MethodPost)
	api.HandleFunc("/backups/restore", h.handleRestoreBackup).Methods(http.MethodPost)
	api.HandleFunc("/backups/{name}", h.handleDeleteBackup).Methods(http.MethodDelete)
	api.HandleFunc("/{kind}", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{kind}", h.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/{kind}/repair", h.handleRepair).Methods(http.MethodPost)
	api.HandleFunc("/{kind}/{id}", h.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/{kind}/{id}", h.handleUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/{kind}/{id}", h.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/{kind}/{id}/restore", h.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/{kind}/{id}/sort-order", h.handleSortOrder).Methods(http.MethodPut)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// SortOrderRequest is the body of a sort order change.
type SortOrderRequest struct {
	NewPosition *int `json:"new_position"`
}

// ItemsResponse wraps an ordered sibling list.
type ItemsResponse struct {
	Items      []domain.Orderable `json:"items"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

// ItemResponse wraps a single record.
type ItemResponse struct {
	Item       any                `json:"item"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	scope := r.URL.Query().Get("scope")
	var (
		items []domain.Orderable
		err   error
	)
	if deleted, _ := strconv.ParseBool(r.URL.Query().Get("deleted")); deleted {
		items, err = h.svc.ListDeleted(r.Context(), kind, scope)
	} else {
		items, err = h.svc.List(r.Context(), kind, scope)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemsResponse{Items: nonNil(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	item, err := h.svc.Get(r.Context(), kind, mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemResponse{Item: item})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var (
		created any
		res     domain.Result
		err     error
	)
	switch kind {
	case domain.EntityUniformType:
		var in domain.UniformType
		if err = json.Unmarshal(body, &in); err == nil {
			created, res, err = h.svc.CreateUniformType(r.Context(), in)
		}
	case domain.EntityUniformGeneration:
		var in domain.UniformGeneration
		if err = json.Unmarshal(body, &in); err == nil {
			created, res, err = h.svc.CreateUniformGeneration(r.Context(), in)
		}
	case domain.EntityMaterialGroup:
		var in domain.MaterialGroup
		if err = json.Unmarshal(body, &in); err == nil {
			created, res, err = h.svc.CreateMaterialGroup(r.Context(), in)
		}
	case domain.EntityMaterial:
		var in domain.Material
		if err = json.Unmarshal(body, &in); err == nil {
			created, res, err = h.svc.CreateMaterial(r.Context(), in)
		}
	}
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntax) || errors.As(err, &typeErr) {
		writeError(w, http.StatusBadRequest, errorBody{Type: typeValidation, Entity: string(kind), Message: "invalid request payload"})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ItemResponse{Item: created, Violations: res.Violations})
}

// handleUpdate merges the request body over the stored record. Ordering,
// scope and identity fields are ignored by the service.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var (
		updated any
		res     domain.Result
		err     error
	)
	switch kind {
	case domain.EntityUniformType:
		updated, res, err = h.svc.UpdateUniformType(r.Context(), id, merge[domain.UniformType](body))
	case domain.EntityUniformGeneration:
		updated, res, err = h.svc.UpdateUniformGeneration(r.Context(), id, merge[domain.UniformGeneration](body))
	case domain.EntityMaterialGroup:
		updated, res, err = h.svc.UpdateMaterialGroup(r.Context(), id, merge[domain.MaterialGroup](body))
	case domain.EntityMaterial:
		updated, res, err = h.svc.UpdateMaterial(r.Context(), id, merge[domain.Material](body))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemResponse{Item: updated, Violations: res.Violations})
}

func merge[T any](body []byte) func(*T) error {
	return func(current *T) error {
		if err := json.Unmarshal(body, current); err != nil {
			return domain.ValidationError{Field: "body", Message: "invalid request payload"}
		}
		return nil
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	remaining, res, err := h.svc.Delete(r.Context(), kind, mux.Vars(r)["id"], r.Header.Get(ActorHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemsResponse{Items: nonNil(remaining), Violations: res.Violations})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	restored, res, err := h.svc.Restore(r.Context(), kind, mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemResponse{Item: restored, Violations: res.Violations})
}

func (h *Handler) handleSortOrder(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req SortOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Type: typeValidation, Entity: string(kind), Message: "invalid request payload"})
		return
	}
	if req.NewPosition == nil {
		writeError(w, http.StatusBadRequest, errorBody{Type: typeValidation, Entity: string(kind), Field: "new_position", Message: "new_position is required"})
		return
	}
	items, err := h.svc.Reorder(r.Context(), kind, mux.Vars(r)["id"], *req.NewPosition)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemsResponse{Items: nonNil(items)})
}

func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Repair(r.Context(), kind, r.URL.Query().Get("scope"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	report.Items = nonNil(report.Items)
	writeJSON(w, http.StatusOK, report)
}

type restoreBackupRequest struct {
	Key string `json:"key"`
}

func (h *Handler) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, Message: "backups not configured"})
		return
	}
	list, err := h.backups.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": list})
}

func (h *Handler) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, Message: "backups not configured"})
		return
	}
	info, err := h.backups.Create(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"backup": info})
}

func (h *Handler) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, Message: "backups not configured"})
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req restoreBackupRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, errorBody{Type: typeValidation, Field: "key", Message: "backup key is required"})
		return
	}
	info, err := h.backups.Restore(r.Context(), req.Key)
	if errors.Is(err, backup.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, ID: req.Key, Message: err.Error()})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup": info})
}

func (h *Handler) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, Message: "backups not configured"})
		return
	}
	name := mux.Vars(r)["name"]
	err := h.backups.Delete(r.Context(), name)
	if errors.Is(err, backup.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, ID: name, Message: err.Error()})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func kindOf(w http.ResponseWriter, r *http.Request) (domain.EntityType, bool) {
	name := mux.Vars(r)["kind"]
	kind, ok := domain.KindForCollection(name)
	if !ok {
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, Message: "unknown collection " + strconv.Quote(name)})
		return "", false
	}
	return kind, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errorBody{Type: typeValidation, Message: "request body too large"})
		return nil, false
	}
	return body, true
}

func nonNil(items []domain.Orderable) []domain.Orderable {
	if items == nil {
		return []domain.Orderable{}
	}
	return items
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
