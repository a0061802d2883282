package unroll

import (
	"testing"

	"tracerl/internal/model"
)

func step(v int) model.Step {
	return model.Step{
		PrevAction: v,
		Env:        model.EnvOutput{Reward: float64(v), Observation: []float64{float64(v)}},
		Agent:      model.AgentOutput{Action: v, Baseline: float64(v)},
	}
}

func appendOne(t *testing.T, a *Assembler, id, v int) ([]int, [][]model.Step) {
	t.Helper()
	ids, unrolls, err := a.Append([]int{id}, []model.Step{step(v)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ids, unrolls
}

func TestNewAssemblerValidation(t *testing.T) {
	if _, err := NewAssembler(0, 5); err == nil {
		t.Fatalf("expected error for zero slots")
	}
	if _, err := NewAssembler(2, 0); err == nil {
		t.Fatalf("expected error for zero length")
	}
}

func TestContinuityAcrossWindows(t *testing.T) {
	const length = 5
	a, err := NewAssembler(2, length)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}

	// Two consecutive windows share one boundary step, so two unrolls
	// consume 2*length+1 distinct steps.
	var unrolls [][]model.Step
	for v := 0; v < 2*length+1; v++ {
		ids, completed := appendOne(t, a, 0, v)
		for range ids {
			unrolls = append(unrolls, completed...)
		}
	}

	if len(unrolls) != 2 {
		t.Fatalf("expected exactly 2 unrolls, got %d", len(unrolls))
	}
	for i, u := range unrolls {
		if len(u) != a.WindowSize() {
			t.Fatalf("unroll %d has %d steps, want %d", i, len(u), a.WindowSize())
		}
	}
	if unrolls[0][length].PrevAction != unrolls[1][0].PrevAction {
		t.Fatalf("windows must overlap by one: %d != %d",
			unrolls[0][length].PrevAction, unrolls[1][0].PrevAction)
	}

	// Concatenation (dropping the duplicated boundary step) reproduces the
	// original stream.
	var joined []int
	joined = append(joined, stepValues(unrolls[0])...)
	joined = append(joined, stepValues(unrolls[1])[1:]...)
	for v, got := range joined {
		if got != v {
			t.Fatalf("step %d out of order: got %d", v, got)
		}
	}
}

func stepValues(steps []model.Step) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.PrevAction
	}
	return out
}

func TestCompletedUnrollIsIndependentOfBuffer(t *testing.T) {
	const length = 2
	a, err := NewAssembler(1, length)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}

	var emitted []model.Step
	for v := 0; v < length+1; v++ {
		_, completed := appendOne(t, a, 0, v)
		if len(completed) == 1 {
			emitted = completed[0]
		}
	}
	boundary := emitted[length].PrevAction

	// Further appends must not mutate the already-emitted window.
	appendOne(t, a, 0, 99)
	if emitted[length].PrevAction != boundary {
		t.Fatalf("emitted unroll mutated after ownership transfer")
	}
}

func TestResetDropsPartialWindowOnly(t *testing.T) {
	const length = 4
	a, err := NewAssembler(3, length)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}

	appendOne(t, a, 0, 1)
	appendOne(t, a, 0, 2)
	appendOne(t, a, 1, 7)

	if err := a.Reset([]int{0}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if n, _ := a.Buffered(0); n != 0 {
		t.Fatalf("reset slot should have no buffered steps, got %d", n)
	}
	if n, _ := a.Buffered(1); n != 1 {
		t.Fatalf("reset must not leak across slots: slot 1 has %d steps, want 1", n)
	}

	// The reset slot starts a fresh window: the next window needs a full
	// length+1 steps again.
	var count int
	for v := 0; v < length+1; v++ {
		ids, _ := appendOne(t, a, 0, v)
		count += len(ids)
	}
	if count != 1 {
		t.Fatalf("expected exactly one unroll after reset, got %d", count)
	}
}

func TestAppendShapeAndRangeErrors(t *testing.T) {
	a, err := NewAssembler(2, 3)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}

	if _, _, err := a.Append([]int{0, 1}, []model.Step{step(0)}); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
	if _, _, err := a.Append([]int{2}, []model.Step{step(0)}); err == nil {
		t.Fatalf("expected out-of-range error")
	}
	if err := a.Reset([]int{-1}); err == nil {
		t.Fatalf("expected out-of-range error on reset")
	}
}

func TestInterleavedSlotsCompleteIndependently(t *testing.T) {
	const length = 3
	a, err := NewAssembler(2, length)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}

	// Slot 1 is one step behind slot 0; completions must not align.
	appendOne(t, a, 0, 0)
	for v := 1; v < length+1; v++ {
		ids, unrolls, err := a.Append([]int{0, 1}, []model.Step{step(v), step(100 + v)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if v < length {
			if len(ids) != 0 {
				t.Fatalf("premature completion at step %d", v)
			}
			continue
		}
		if len(ids) != 1 || ids[0] != 0 {
			t.Fatalf("expected only slot 0 to complete, got %v", ids)
		}
		if got := unrolls[0][0].PrevAction; got != 0 {
			t.Fatalf("slot 0 window starts at %d, want 0", got)
		}
	}
}
