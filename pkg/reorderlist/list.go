// Package reorderlist implements the drag-and-drop controller for an ordered
// sibling list and the host glue that persists a drop through a sort order
// change call.
//
// A List moves through Idle, Dragging and Persisting. A drop that passes the
// guard hands the spliced array to the persist callback; anything else
// returns to Idle without calling it. The list itself is never reordered
// optimistically: it only changes when the host replaces it.
package reorderlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"uniformcore/pkg/ordering"
)

// State is the controller phase.
type State int

const (
	Idle State = iota
	Dragging
	Persisting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Persisting:
		return "persisting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned when a gesture starts while another is in flight.
	ErrBusy = errors.New("reorderlist: a reorder is already in progress")
	// ErrNotDragging is returned by DragOver outside of a drag.
	ErrNotDragging = errors.New("reorderlist: no drag in progress")
	// ErrUnknownItem is returned by DragStart for ids not in the list.
	ErrUnknownItem = errors.New("reorderlist: unknown item")
)

// PersistFunc receives the reordered array and the dragged item's id.
type PersistFunc[T any] func(ctx context.Context, reordered []T, draggedID string) error

// Row is one rendered entry with its stable test identifier.
type Row[T any] struct {
	Item     T
	ID       string
	TestID   string
	Dragging bool
}

// List is the controller for one rendered sibling list. It is safe for
// concurrent use.
type List[T any] struct {
	mu      sync.Mutex
	items   []T
	idOf    func(T) string
	prefix  string
	persist PersistFunc[T]

	state    State
	snapshot []T
	dragID   string
	from     int
	over     int
}

// New returns an idle list over items. idOf extracts the stable id and
// testIDPrefix is prepended to it for each row's test identifier.
func New[T any](items []T, idOf func(T) string, testIDPrefix string, persist PersistFunc[T]) *List[T] {
	return &List[T]{
		items:   append([]T(nil), items...),
		idOf:    idOf,
		prefix:  testIDPrefix,
		persist: persist,
	}
}

// State returns the current phase.
func (l *List[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Items returns a copy of the list in its displayed order.
func (l *List[T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.items...)
}

// Rows returns the rendered rows.
func (l *List[T]) Rows() []Row[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make([]Row[T], len(l.items))
	for i, item := range l.items {
		id := l.idOf(item)
		rows[i] = Row[T]{Item: item, ID: id, TestID: l.prefix + id, Dragging: l.state == Dragging && id == l.dragID}
	}
	return rows
}

// Replace swaps in a fresh list, typically the server's response.
func (l *List[T]) Replace(items []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append([]T(nil), items...)
}

// DragStart begins dragging id.
func (l *List[T]) DragStart(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Idle {
		return ErrBusy
	}
	idx := l.indexOf(l.items, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	l.state = Dragging
	l.snapshot = append([]T(nil), l.items...)
	l.dragID = id
	l.from = idx
	l.over = idx
	return nil
}

// DragOver records the index the dragged row currently hovers. Indexes
// outside the list are clamped.
func (l *List[T]) DragOver(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Dragging {
		return ErrNotDragging
	}
	if index < 0 {
		index = 0
	}
	if index >= len(l.snapshot) {
		index = len(l.snapshot) - 1
	}
	l.over = index
	return nil
}

// Cancel abandons a drag. It has no effect while persisting.
func (l *List[T]) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Dragging {
		l.reset()
	}
}

// Drop finishes the drag. It reports whether the persist callback ran and
// returns the callback's error. A drop onto the starting index, or one whose
// spliced array no longer matches the current list, ends the drag without
// persisting.
func (l *List[T]) Drop(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.state != Dragging {
		l.mu.Unlock()
		return false, ErrNotDragging
	}
	reordered := ordering.Splice(l.snapshot, l.from, l.over)
	id := l.dragID
	if l.from == l.over || len(reordered) != len(l.items) || l.indexOf(l.items, id) < 0 || l.persist == nil {
		l.reset()
		l.mu.Unlock()
		return false, nil
	}
	l.state = Persisting
	l.mu.Unlock()

	err := l.persist(ctx, reordered, id)

	l.mu.Lock()
	l.reset()
	l.mu.Unlock()
	return true, err
}

func (l *List[T]) reset() {
	l.state = Idle
	l.snapshot = nil
	l.dragID = ""
	l.from, l.over = 0, 0
}

func (l *List[T]) indexOf(items []T, id string) int {
	return ordering.IndexOf(items, func(item T) bool { return l.idOf(item) == id })
}
