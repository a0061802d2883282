// Package table provides keyed per-environment state over a fixed slot
// population. Every other pipeline component builds on it: run ids, agent
// states, cached actions and episode counters are each one table.
package table

import (
	"fmt"
	"sync"
)

// Table maps environment slot ids in [0, N) to values of a fixed shape.
// The zero function defines the identity value entries reset to; the
// optional add function enables element-wise accumulation.
//
// A table is owned by one logical call path (the inference service) but is
// internally locked so concurrent calls over disjoint id sets stay safe.
type Table[T any] struct {
	mu     sync.Mutex
	values []T
	zero   func() T
	add    func(current, delta T) T
}

// New creates a table of n slots, all initialized to the zero value.
func New[T any](n int, zero func() T) (*Table[T], error) {
	return NewAccumulator[T](n, zero, nil)
}

// NewAccumulator creates a table whose entries can also be accumulated
// element-wise via Add.
func NewAccumulator[T any](n int, zero func() T, add func(current, delta T) T) (*Table[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("table size must be > 0, got %d", n)
	}
	if zero == nil {
		return nil, fmt.Errorf("zero function is required")
	}
	t := &Table[T]{
		values: make([]T, n),
		zero:   zero,
		add:    add,
	}
	for i := range t.values {
		t.values[i] = zero()
	}
	return t, nil
}

// Len returns the slot population size.
func (t *Table[T]) Len() int {
	return len(t.values)
}

// Read returns the current values for ids, in order. Ids may repeat.
func (t *Table[T]) Read(ids []int) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]T, len(ids))
	for i, id := range ids {
		if err := t.check(id); err != nil {
			return nil, err
		}
		out[i] = t.values[id]
	}
	return out, nil
}

// Replace atomically overwrites the entries for ids with values.
func (t *Table[T]) Replace(ids []int, values []T) error {
	if len(ids) != len(values) {
		return fmt.Errorf("replace shape mismatch: ids=%d values=%d", len(ids), len(values))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		if err := t.check(id); err != nil {
			return err
		}
	}
	for i, id := range ids {
		t.values[id] = values[i]
	}
	return nil
}

// Add accumulates deltas into the entries for ids. Duplicate ids in a single
// call each contribute once.
func (t *Table[T]) Add(ids []int, deltas []T) error {
	if t.add == nil {
		return fmt.Errorf("table has no accumulate function")
	}
	if len(ids) != len(deltas) {
		return fmt.Errorf("add shape mismatch: ids=%d deltas=%d", len(ids), len(deltas))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		if err := t.check(id); err != nil {
			return err
		}
	}
	for i, id := range ids {
		t.values[id] = t.add(t.values[id], deltas[i])
	}
	return nil
}

// Reset sets the entries for ids back to the zero value.
func (t *Table[T]) Reset(ids []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		if err := t.check(id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		t.values[id] = t.zero()
	}
	return nil
}

func (t *Table[T]) check(id int) error {
	if id < 0 || id >= len(t.values) {
		return fmt.Errorf("slot id %d outside [0, %d)", id, len(t.values))
	}
	return nil
}
