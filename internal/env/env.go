// Package env defines the environment collaborator contract and the batched
// wrapper actors drive. Environments are external to the pipeline core; the
// core only consumes their shape metadata and per-step outputs.
package env

// Spec is the shape metadata an environment factory supplies once at
// startup; no queue or table is constructed before it is known.
type Spec struct {
	ObservationSize int
	NumActions      int
}

// Info carries auxiliary per-step data. RawReward is the unshaped score
// used for reporting; Abandoned marks an artificial episode end that must
// not be treated as a true terminal state.
type Info struct {
	RawReward float64
	Abandoned bool
}

// Environment is a single simulation instance following the usual gym
// step/reset shape.
type Environment interface {
	Reset() []float64
	Step(action int) (observation []float64, reward float64, done bool, info Info)
}

// Factory creates one environment per slot and declares the shared spec.
type Factory interface {
	Spec() Spec
	New(seed int64) Environment
}
