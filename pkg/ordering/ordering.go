// Package ordering implements the dense sibling ordering protocol shared by all
// orderable catalog records. Within one scope the non-deleted siblings hold the
// sort orders 0..n-1 exactly once each; every function here either checks that
// invariant or returns the minimal set of reassignments that preserves it.
package ordering

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrPositionOutOfRange is returned when a target position is outside 0..n-1.
	ErrPositionOutOfRange = errors.New("ordering: position out of range")
	// ErrUnknownID is returned when the moved id is not part of the scope.
	ErrUnknownID = errors.New("ordering: id not in scope")
	// ErrNotContiguous is returned when a scope has gaps or duplicate sort orders.
	ErrNotContiguous = errors.New("ordering: sort orders are not contiguous")
)

// Entry is one sibling in a scope.
type Entry struct {
	ID        string
	SortOrder int
}

// Assignment moves a sibling from one sort order to another.
type Assignment struct {
	ID   string
	From int
	To   int
}

// Validate checks that entries hold exactly the sort orders 0..len-1.
func Validate(entries []Entry) error {
	seen := make([]bool, len(entries))
	for _, e := range entries {
		if e.SortOrder < 0 || e.SortOrder >= len(entries) {
			return fmt.Errorf("%w: %s has sort order %d among %d siblings", ErrNotContiguous, e.ID, e.SortOrder, len(entries))
		}
		if seen[e.SortOrder] {
			return fmt.Errorf("%w: sort order %d assigned twice", ErrNotContiguous, e.SortOrder)
		}
		seen[e.SortOrder] = true
	}
	return nil
}

// Move plans moving id to newPosition. Siblings strictly between the old and
// new position shift by one toward the vacated slot; nothing else changes.
// An empty plan means the item is already at newPosition.
func Move(entries []Entry, id string, newPosition int) ([]Assignment, error) {
	idx := indexOfID(entries, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if newPosition < 0 || newPosition >= len(entries) {
		return nil, fmt.Errorf("%w: %d (valid range: 0-%d)", ErrPositionOutOfRange, newPosition, len(entries)-1)
	}
	oldPosition := entries[idx].SortOrder
	if oldPosition == newPosition {
		return nil, nil
	}
	var plan []Assignment
	for _, e := range entries {
		switch {
		case e.ID == id:
			plan = append(plan, Assignment{ID: e.ID, From: oldPosition, To: newPosition})
		case oldPosition < newPosition && e.SortOrder > oldPosition && e.SortOrder <= newPosition:
			plan = append(plan, Assignment{ID: e.ID, From: e.SortOrder, To: e.SortOrder - 1})
		case oldPosition > newPosition && e.SortOrder >= newPosition && e.SortOrder < oldPosition:
			plan = append(plan, Assignment{ID: e.ID, From: e.SortOrder, To: e.SortOrder + 1})
		}
	}
	return plan, nil
}

// Remove plans the shift that closes the gap left by id leaving the scope.
// The removed entry itself is not part of the plan.
func Remove(entries []Entry, id string) ([]Assignment, error) {
	idx := indexOfID(entries, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	removed := entries[idx].SortOrder
	var plan []Assignment
	for _, e := range entries {
		if e.ID != id && e.SortOrder > removed {
			plan = append(plan, Assignment{ID: e.ID, From: e.SortOrder, To: e.SortOrder - 1})
		}
	}
	return plan, nil
}

// Next returns the sort order a new sibling receives when appended.
func Next(entries []Entry) int { return len(entries) }

// Compact renumbers a drifted scope to 0..n-1, keeping the current relative
// order and breaking ties by id. Only entries whose value changes are returned.
func Compact(entries []Entry) []Assignment {
	sorted := Sorted(entries)
	var plan []Assignment
	for i, e := range sorted {
		if e.SortOrder != i {
			plan = append(plan, Assignment{ID: e.ID, From: e.SortOrder, To: i})
		}
	}
	return plan
}

// Apply returns a copy of entries with plan applied, sorted by sort order.
func Apply(entries []Entry, plan []Assignment) []Entry {
	targets := make(map[string]int, len(plan))
	for _, a := range plan {
		targets[a.ID] = a.To
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if to, ok := targets[e.ID]; ok {
			e.SortOrder = to
		}
		out[i] = e
	}
	return Sorted(out)
}

// Sorted returns a copy of entries ordered by sort order, then id.
func Sorted(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns the ids of entries in their given order.
func IDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Splice returns a copy of items with the element at from moved to index to.
// Out-of-range indexes yield an unchanged copy.
func Splice[T any](items []T, from, to int) []T {
	out := append([]T(nil), items...)
	if from < 0 || from >= len(out) || to < 0 || to >= len(out) || from == to {
		return out
	}
	moved := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:to], append([]T{moved}, out[to:]...)...)
	return out
}

// IndexOf returns the index of the first item matching, or -1.
func IndexOf[T any](items []T, match func(T) bool) int {
	for i, item := range items {
		if match(item) {
			return i
		}
	}
	return -1
}

func indexOfID(entries []Entry, id string) int {
	return IndexOf(entries, func(e Entry) bool { return e.ID == id })
}
