package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"uniformcore/pkg/domain"
)

// Error types carried in the error envelope.
const (
	typeNotFound   = "not_found"
	typeValidation = "validation"
	typeConflict   = "conflict"
	typeInternal   = "internal"
)

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Entity  string `json:"entity,omitempty"`
	ID      string `json:"id,omitempty"`
	ScopeID string `json:"scope_id,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// writeDomainError maps service errors to status codes: not found 404,
// validation 400, conflict 409, anything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		notFound   domain.NotFoundError
		validation domain.ValidationError
		conflict   domain.ConflictError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, errorBody{Type: typeNotFound, Message: err.Error(), Entity: string(notFound.Entity), ID: notFound.ID})
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, errorBody{Type: typeValidation, Message: validation.Message, Entity: string(validation.Entity), Field: validation.Field})
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, errorBody{Type: typeConflict, Message: conflict.Reason, Entity: string(conflict.Entity), ScopeID: conflict.ScopeID})
	default:
		writeError(w, http.StatusInternalServerError, errorBody{Type: typeInternal, Message: err.Error()})
	}
}
