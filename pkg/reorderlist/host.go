package reorderlist

import (
	"context"
	"errors"
	"uniformcore/pkg/domain"
	"uniformcore/pkg/ordering"

	"go.uber.org/zap"
)

// ErrReorderFailed is the generic failure surfaced to the user after a
// rejected drop. The underlying cause is logged, not shown.
var ErrReorderFailed = errors.New("the new order could not be saved")

// ChangeFunc persists a sort order change and returns the scope in order.
type ChangeFunc[T domain.Orderable] func(ctx context.Context, change domain.SortOrderChange) ([]T, error)

// ReloadFunc fetches the confirmed list from the server.
type ReloadFunc[T domain.Orderable] func(ctx context.Context) ([]T, error)

// TestIDPrefix returns the row test identifier prefix for kind.
func TestIDPrefix(kind domain.EntityType) string {
	switch kind {
	case domain.EntityUniformType:
		return "div_type_"
	case domain.EntityUniformGeneration:
		return "div_generation_"
	case domain.EntityMaterialGroup:
		return "div_mGroup_row_"
	case domain.EntityMaterial:
		return "div_material_"
	default:
		return "div_" + string(kind) + "_"
	}
}

// HostOption customizes a Host.
type HostOption func(*hostOptions)

type hostOptions struct {
	logger *zap.Logger
	notify func(error)
}

// WithLogger sets the logger for persistence failures.
func WithLogger(logger *zap.Logger) HostOption {
	return func(o *hostOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNotifier sets the callback that surfaces failures to the user.
func WithNotifier(notify func(error)) HostOption {
	return func(o *hostOptions) { o.notify = notify }
}

// Host wires a List of one entity kind to its sort order change function.
type Host[T domain.Orderable] struct {
	kind   domain.EntityType
	list   *List[T]
	change ChangeFunc[T]
	reload ReloadFunc[T]
	logger *zap.Logger
	notify func(error)
}

// NewHost returns a host showing items whose drops are persisted via change.
// reload is used to revalidate after a failed change.
func NewHost[T domain.Orderable](kind domain.EntityType, items []T, change ChangeFunc[T], reload ReloadFunc[T], opts ...HostOption) *Host[T] {
	o := hostOptions{logger: zap.NewNop(), notify: func(error) {}}
	for _, opt := range opts {
		opt(&o)
	}
	h := &Host[T]{kind: kind, change: change, reload: reload, logger: o.logger, notify: o.notify}
	if h.notify == nil {
		h.notify = func(error) {}
	}
	h.list = New(items, func(item T) string { return item.EntityID() }, TestIDPrefix(kind), h.persist)
	return h
}

// List returns the controller driven by drag gestures.
func (h *Host[T]) List() *List[T] { return h.list }

// persist sends the dragged item's index in the reordered array as its new
// position and adopts the server's response. On failure the list is
// revalidated and the user is notified.
func (h *Host[T]) persist(ctx context.Context, reordered []T, draggedID string) error {
	newPosition := ordering.IndexOf(reordered, func(item T) bool { return item.EntityID() == draggedID })
	items, err := h.change(ctx, domain.SortOrderChange{ID: draggedID, NewPosition: newPosition})
	if err == nil {
		h.list.Replace(items)
		return nil
	}
	h.logger.Warn("sort order change failed",
		zap.String("kind", string(h.kind)),
		zap.String("id", draggedID),
		zap.Int("to", newPosition),
		zap.Error(err),
	)
	if h.reload != nil {
		fresh, rerr := h.reload(ctx)
		if rerr != nil {
			h.logger.Warn("revalidation failed", zap.String("kind", string(h.kind)), zap.Error(rerr))
		} else {
			h.list.Replace(fresh)
		}
	}
	h.notify(ErrReorderFailed)
	return err
}
