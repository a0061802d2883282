package model

// TrainingBatch is one time-major batch assembled from dequeued unrolls.
// All grids are shaped [time][batch]; InitialStates is shaped [batch] and
// holds the recurrent state at each unroll's first step.
type TrainingBatch struct {
	InitialStates []AgentState
	PrevActions   [][]int
	Env           [][]EnvOutput
	Agent         [][]AgentOutput
}

// SeqLen returns the time dimension of the batch.
func (b TrainingBatch) SeqLen() int {
	return len(b.PrevActions)
}

// BatchSize returns the batch dimension.
func (b TrainingBatch) BatchSize() int {
	return len(b.InitialStates)
}

// UnrolledOutputs are the current policy's outputs over a full batch,
// including the trailing bootstrap step: Logits is [time][batch][action],
// Baselines is [time][batch].
type UnrolledOutputs struct {
	Logits    [][][]float64
	Baselines [][]float64
}

// TrainStats reports one gradient step for logging.
type TrainStats struct {
	Loss        float64
	PolicyLoss  float64
	ValueLoss   float64
	EntropyLoss float64
	KLLoss      float64
	Entropy     float64
	KL          float64
}
