package env

import "fmt"

// Batched drives a contiguous block of environment slots for one actor.
// Slot ids are globally unique: actor task k with batch size n owns
// [k*n, (k+1)*n).
type Batched struct {
	ids  []int
	envs []Environment
}

// NewBatched creates batchSize environments with slot ids starting at
// firstID, seeding each environment from its slot id.
func NewBatched(factory Factory, batchSize, firstID int, seed int64) (*Batched, error) {
	if factory == nil {
		return nil, fmt.Errorf("environment factory is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("env batch size must be > 0, got %d", batchSize)
	}
	if firstID < 0 {
		return nil, fmt.Errorf("first env id must be >= 0, got %d", firstID)
	}

	b := &Batched{
		ids:  make([]int, batchSize),
		envs: make([]Environment, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		b.ids[i] = firstID + i
		b.envs[i] = factory.New(seed + int64(firstID+i))
	}
	return b, nil
}

// IDs returns the slot ids owned by this batch, in batch order.
func (b *Batched) IDs() []int {
	return b.ids
}

// Reset resets every environment and returns the initial observations.
func (b *Batched) Reset() [][]float64 {
	obs := make([][]float64, len(b.envs))
	for i, e := range b.envs {
		obs[i] = e.Reset()
	}
	return obs
}

// Step advances every environment with its action.
func (b *Batched) Step(actions []int) ([][]float64, []float64, []bool, []Info, error) {
	if len(actions) != len(b.envs) {
		return nil, nil, nil, nil, fmt.Errorf("action batch size %d, want %d", len(actions), len(b.envs))
	}

	obs := make([][]float64, len(b.envs))
	rewards := make([]float64, len(b.envs))
	dones := make([]bool, len(b.envs))
	infos := make([]Info, len(b.envs))
	for i, e := range b.envs {
		obs[i], rewards[i], dones[i], infos[i] = e.Step(actions[i])
	}
	return obs, rewards, dones, infos, nil
}

// ResetIfDone resets only the environments whose done flag is set and
// splices the fresh observations into obs.
func (b *Batched) ResetIfDone(obs [][]float64, dones []bool) [][]float64 {
	for i, done := range dones {
		if done {
			obs[i] = b.envs[i].Reset()
		}
	}
	return obs
}
