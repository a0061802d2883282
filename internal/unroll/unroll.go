// Package unroll turns continuous per-slot step streams into fixed-length
// trajectory windows without losing or duplicating steps across window
// boundaries.
package unroll

import (
	"fmt"
	"sync"

	"tracerl/internal/model"
)

// Assembler buffers steps per environment slot and emits a window once a
// slot has accumulated length+1 steps. Windows restart with overlap-by-one:
// the last step of an emitted window becomes the first step of the next, so
// consecutive unrolls share a boundary step and concatenate into the exact
// stream that was appended.
type Assembler struct {
	mu      sync.Mutex
	length  int
	buffers [][]model.Step
}

// NewAssembler creates an assembler for n slots emitting windows of
// length+1 steps.
func NewAssembler(n, length int) (*Assembler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("assembler slot count must be > 0, got %d", n)
	}
	if length <= 0 {
		return nil, fmt.Errorf("unroll length must be > 0, got %d", length)
	}
	return &Assembler{
		length:  length,
		buffers: make([][]model.Step, n),
	}, nil
}

// WindowSize returns the number of steps per emitted unroll.
func (a *Assembler) WindowSize() int {
	return a.length + 1
}

// Append adds one step per id to that id's in-progress window. Slots whose
// window reaches length+1 steps emit a completed window and keep only the
// boundary step; the returned slices contain exactly those slots, in the
// order they appear in ids.
func (a *Assembler) Append(ids []int, steps []model.Step) ([]int, [][]model.Step, error) {
	if len(ids) != len(steps) {
		return nil, nil, fmt.Errorf("append shape mismatch: ids=%d steps=%d", len(ids), len(steps))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if err := a.check(id); err != nil {
			return nil, nil, err
		}
	}

	var completedIDs []int
	var completed [][]model.Step
	for i, id := range ids {
		a.buffers[id] = append(a.buffers[id], steps[i])
		if len(a.buffers[id]) < a.length+1 {
			continue
		}
		window := a.buffers[id]
		emitted := make([]model.Step, len(window))
		copy(emitted, window)
		// Overlap-by-one restart: the boundary step opens the next window.
		a.buffers[id] = append(a.buffers[id][:0], window[len(window)-1])
		completedIDs = append(completedIDs, id)
		completed = append(completed, emitted)
	}
	return completedIDs, completed, nil
}

// Reset discards the in-progress windows for ids without emitting them.
func (a *Assembler) Reset(ids []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if err := a.check(id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		a.buffers[id] = nil
	}
	return nil
}

// Buffered returns the number of buffered steps for one slot.
func (a *Assembler) Buffered(id int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(id); err != nil {
		return 0, err
	}
	return len(a.buffers[id]), nil
}

func (a *Assembler) check(id int) error {
	if id < 0 || id >= len(a.buffers) {
		return fmt.Errorf("slot id %d outside [0, %d)", id, len(a.buffers))
	}
	return nil
}
