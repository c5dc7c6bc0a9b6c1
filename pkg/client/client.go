// Package client is a typed HTTP client for the uniformcore API. Errors
// returned by the server are decoded back into pkg/domain error values so
// callers can match them with errors.As.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"uniformcore/pkg/domain"
)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithActor sets the user recorded on deletes issued by this client.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = actor }
}

// Client talks to one uniformcore server.
type Client struct {
	base  *url.URL
	http  *http.Client
	actor string
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must be absolute", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is returned for error responses that carry no domain error type.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Type, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Entity  string `json:"entity"`
		ID      string `json:"id"`
		ScopeID string `json:"scope_id"`
		Field   string `json:"field"`
	} `json:"error"`
}

type itemsEnvelope struct {
	Items []json.RawMessage `json:"items"`
}

type itemEnvelope struct {
	Item json.RawMessage `json:"item"`
}

// RepairReport mirrors the server's repair response.
type RepairReport struct {
	Kind    domain.EntityType `json:"kind"`
	ScopeID string            `json:"scope_id"`
	Changed int               `json:"changed"`
}

// List returns the live records of a scope in sort order.
func (c *Client) List(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error) {
	q := url.Values{"scope": {scopeID}}
	var env itemsEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/"+kind.Collection(), q, nil, &env); err != nil {
		return nil, err
	}
	return decodeItems(kind, env.Items)
}

// ListDeleted returns the soft-deleted records of a scope, most recently
// deleted first. Their ids are what Restore accepts.
func (c *Client) ListDeleted(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error) {
	q := url.Values{"scope": {scopeID}, "deleted": {"true"}}
	var env itemsEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/"+kind.Collection(), q, nil, &env); err != nil {
		return nil, err
	}
	return decodeItems(kind, env.Items)
}

// Reorder moves id to newPosition and returns the scope in its new order.
func (c *Client) Reorder(ctx context.Context, kind domain.EntityType, change domain.SortOrderChange) ([]domain.Orderable, error) {
	if strings.TrimSpace(change.ID) == "" {
		return nil, domain.ValidationError{Entity: kind, Field: "id", Message: "id is required"}
	}
	body := map[string]int{"new_position": change.NewPosition}
	var env itemsEnvelope
	path := "/api/v1/" + kind.Collection() + "/" + url.PathEscape(change.ID) + "/sort-order"
	if err := c.do(ctx, http.MethodPut, path, nil, body, &env); err != nil {
		return nil, err
	}
	return decodeItems(kind, env.Items)
}

// ChangeUniformTypeSortOrder moves a uniform type within its association.
func (c *Client) ChangeUniformTypeSortOrder(ctx context.Context, change domain.SortOrderChange) ([]domain.UniformType, error) {
	return changeSortOrder[domain.UniformType](ctx, c, domain.EntityUniformType, change)
}

// ChangeGenerationSortOrder moves a generation within its uniform type.
func (c *Client) ChangeGenerationSortOrder(ctx context.Context, change domain.SortOrderChange) ([]domain.UniformGeneration, error) {
	return changeSortOrder[domain.UniformGeneration](ctx, c, domain.EntityUniformGeneration, change)
}

// ChangeMaterialGroupSortOrder moves a material group within its association.
func (c *Client) ChangeMaterialGroupSortOrder(ctx context.Context, change domain.SortOrderChange) ([]domain.MaterialGroup, error) {
	return changeSortOrder[domain.MaterialGroup](ctx, c, domain.EntityMaterialGroup, change)
}

// ChangeMaterialSortOrder moves a material within its group.
func (c *Client) ChangeMaterialSortOrder(ctx context.Context, change domain.SortOrderChange) ([]domain.Material, error) {
	return changeSortOrder[domain.Material](ctx, c, domain.EntityMaterial, change)
}

func changeSortOrder[T domain.Orderable](ctx context.Context, c *Client, kind domain.EntityType, change domain.SortOrderChange) ([]T, error) {
	items, err := c.Reorder(ctx, kind, change)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		out = append(out, item.(T))
	}
	return out, nil
}

// Delete soft-deletes a record and returns the remaining live siblings.
func (c *Client) Delete(ctx context.Context, kind domain.EntityType, id string) ([]domain.Orderable, error) {
	var env itemsEnvelope
	if err := c.do(ctx, http.MethodDelete, "/api/v1/"+kind.Collection()+"/"+url.PathEscape(id), nil, nil, &env); err != nil {
		return nil, err
	}
	return decodeItems(kind, env.Items)
}

// Restore revives a soft-deleted record at the end of its scope.
func (c *Client) Restore(ctx context.Context, kind domain.EntityType, id string) (domain.Orderable, error) {
	var env itemEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/"+kind.Collection()+"/"+url.PathEscape(id)+"/restore", nil, nil, &env); err != nil {
		return nil, err
	}
	items, err := decodeItems(kind, []json.RawMessage{env.Item})
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// Repair compacts a drifted scope.
func (c *Client) Repair(ctx context.Context, kind domain.EntityType, scopeID string) (RepairReport, error) {
	var report RepairReport
	err := c.do(ctx, http.MethodPost, "/api/v1/"+kind.Collection()+"/repair", url.Values{"scope": {scopeID}}, nil, &report)
	return report, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Uniformcore-Actor", c.actor)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Type == "" {
		return &APIError{Status: status, Type: "unknown", Message: strings.TrimSpace(string(raw))}
	}
	e := env.Error
	kind := domain.EntityType(e.Entity)
	switch e.Type {
	case "not_found":
		if e.ID != "" {
			return domain.NotFoundError{Entity: kind, ID: e.ID}
		}
	case "validation":
		return domain.ValidationError{Entity: kind, Field: e.Field, Message: e.Message}
	case "conflict":
		return domain.ConflictError{Entity: kind, ScopeID: e.ScopeID, Reason: e.Message}
	}
	return &APIError{Status: status, Type: e.Type, Message: e.Message}
}

func decodeItems(kind domain.EntityType, raw []json.RawMessage) ([]domain.Orderable, error) {
	switch kind {
	case domain.EntityUniformType:
		return decodeAs[domain.UniformType](raw)
	case domain.EntityUniformGeneration:
		return decodeAs[domain.UniformGeneration](raw)
	case domain.EntityMaterialGroup:
		return decodeAs[domain.MaterialGroup](raw)
	case domain.EntityMaterial:
		return decodeAs[domain.Material](raw)
	default:
		return nil, domain.ValidationError{Entity: kind, Field: "kind", Message: "unsupported entity kind"}
	}
}

func decodeAs[T domain.Orderable](raw []json.RawMessage) ([]domain.Orderable, error) {
	out := make([]domain.Orderable, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
