// Package policy provides the policy/value collaborator consumed by the
// inference service and the training orchestrator: a categorical
// distribution over actions, a linear-softmax policy with a value head, and
// the analytic gradient step that trains it.
package policy

import (
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"tracerl/internal/model"
	"tracerl/internal/vtrace"
)

// LinearConfig configures the linear policy module.
type LinearConfig struct {
	ObsDim     int
	NumActions int
	// StateDecay controls the recurrent observation trace:
	// state' = decay*state + (1-decay)*observation.
	StateDecay   float64
	LearningRate float64
	EntropyCost  float64
	BaselineCost float64
	KLCost       float64
	Seed         int64
}

// Linear is a linear-softmax policy with a linear value head over the
// feature vector [observation, recurrent trace, one-hot previous action].
// The recurrent trace is a decaying average of observations, so the module
// is shape-stable and carries genuine per-slot recurrent state.
type Linear struct {
	cfg        LinearConfig
	featureDim int

	mu     sync.Mutex
	policy *mat.Dense    // NumActions x featureDim
	value  *mat.VecDense // featureDim
	rng    *rand.Rand
}

// NewLinear creates a linear policy module with small random initial weights.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if cfg.ObsDim <= 0 {
		return nil, fmt.Errorf("observation dim must be > 0, got %d", cfg.ObsDim)
	}
	if cfg.NumActions <= 1 {
		return nil, fmt.Errorf("need at least 2 actions, got %d", cfg.NumActions)
	}
	if cfg.StateDecay < 0 || cfg.StateDecay >= 1 {
		return nil, fmt.Errorf("state decay %v outside [0, 1)", cfg.StateDecay)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be > 0")
	}

	featureDim := cfg.ObsDim*2 + cfg.NumActions
	rng := rand.New(rand.NewSource(cfg.Seed))
	policyData := make([]float64, cfg.NumActions*featureDim)
	valueData := make([]float64, featureDim)
	for i := range policyData {
		policyData[i] = rng.NormFloat64() * 0.01
	}
	for i := range valueData {
		valueData[i] = rng.NormFloat64() * 0.01
	}

	return &Linear{
		cfg:        cfg,
		featureDim: featureDim,
		policy:     mat.NewDense(cfg.NumActions, featureDim, policyData),
		value:      mat.NewVecDense(featureDim, valueData),
		rng:        rng,
	}, nil
}

// NumActions returns the action-space size.
func (l *Linear) NumActions() int {
	return l.cfg.NumActions
}

// InitialState returns the defined initial recurrent state for n slots.
func (l *Linear) InitialState(n int) []model.AgentState {
	states := make([]model.AgentState, n)
	for i := range states {
		states[i] = make(model.AgentState, l.cfg.ObsDim)
	}
	return states
}

// Forward runs one policy step for each slot in the batch: it advances the
// recurrent trace, produces logits and a baseline, and (unless training)
// samples an action. It is shape-stable per call signature.
func (l *Linear) Forward(prevActions []int, envs []model.EnvOutput, states []model.AgentState, training bool) ([]model.AgentOutput, []model.AgentState, error) {
	if len(prevActions) != len(envs) || len(envs) != len(states) {
		return nil, nil, fmt.Errorf("forward shape mismatch: actions=%d envs=%d states=%d",
			len(prevActions), len(envs), len(states))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	outs := make([]model.AgentOutput, len(envs))
	nextStates := make([]model.AgentState, len(envs))
	for i := range envs {
		next, feat, err := l.featuresLocked(prevActions[i], envs[i], states[i])
		if err != nil {
			return nil, nil, err
		}
		logits, baseline := l.headsLocked(feat)

		action := 0
		if !training {
			action = Sample(logits, l.rng)
		}
		outs[i] = model.AgentOutput{Action: action, PolicyLogits: logits, Baseline: baseline}
		nextStates[i] = next
	}
	return outs, nextStates, nil
}

// Unrolled re-runs the current policy over a full time-major batch,
// reproducing the recurrent-state evolution from each unroll's initial
// state. The outputs include the trailing bootstrap step.
func (l *Linear) Unrolled(batch model.TrainingBatch) (model.UnrolledOutputs, error) {
	seqLen := batch.SeqLen()
	batchSize := batch.BatchSize()
	if seqLen == 0 || batchSize == 0 {
		return model.UnrolledOutputs{}, fmt.Errorf("empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	outs := model.UnrolledOutputs{
		Logits:    make([][][]float64, seqLen),
		Baselines: make([][]float64, seqLen),
	}
	states := make([]model.AgentState, batchSize)
	for b := range states {
		states[b] = batch.InitialStates[b].Clone()
	}
	for t := 0; t < seqLen; t++ {
		outs.Logits[t] = make([][]float64, batchSize)
		outs.Baselines[t] = make([]float64, batchSize)
		for b := 0; b < batchSize; b++ {
			next, feat, err := l.featuresLocked(batch.PrevActions[t][b], batch.Env[t][b], states[b])
			if err != nil {
				return model.UnrolledOutputs{}, fmt.Errorf("unrolled forward at t=%d b=%d: %w", t, b, err)
			}
			logits, baseline := l.headsLocked(feat)
			outs.Logits[t][b] = logits
			outs.Baselines[t][b] = baseline
			states[b] = next
		}
	}
	return outs, nil
}

// ApplyGradients performs one SGD step of the actor-critic loss: policy
// gradient on the corrected advantages, baseline regression to the corrected
// value targets, entropy bonus, and KL(old|new) cost. The recurrent trace is
// treated as an input (no backpropagation through time).
func (l *Linear) ApplyGradients(batch model.TrainingBatch, outs model.UnrolledOutputs, corr vtrace.Returns) (model.TrainStats, error) {
	seqLen := len(corr.VS)
	batchSize := batch.BatchSize()
	if seqLen+1 != batch.SeqLen() {
		return model.TrainStats{}, fmt.Errorf("corrected returns cover %d steps, batch has %d", seqLen, batch.SeqLen())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	gradPolicy := mat.NewDense(l.cfg.NumActions, l.featureDim, nil)
	gradValue := mat.NewVecDense(l.featureDim, nil)
	count := float64(seqLen * batchSize)

	var stats model.TrainStats
	states := make([]model.AgentState, batchSize)
	for b := range states {
		states[b] = batch.InitialStates[b].Clone()
	}

	for t := 0; t < seqLen; t++ {
		for b := 0; b < batchSize; b++ {
			next, feat, err := l.featuresLocked(batch.PrevActions[t][b], batch.Env[t][b], states[b])
			if err != nil {
				return model.TrainStats{}, err
			}
			states[b] = next

			logits := outs.Logits[t][b]
			baseline := outs.Baselines[t][b]
			action := batch.Agent[t][b].Action
			probs := Softmax(logits)
			entropy := Entropy(logits)
			lse := logSumExp(logits)

			targetLP := LogProb(logits, action)
			behaviourLP := LogProb(batch.Agent[t][b].PolicyLogits, action)
			kl := behaviourLP - targetLP
			advantage := corr.PGAdvantages[t][b]
			vErr := baseline - corr.VS[t][b]

			stats.PolicyLoss += -targetLP * advantage / count
			stats.ValueLoss += l.cfg.BaselineCost * 0.5 * vErr * vErr / count
			stats.Entropy += entropy / count
			stats.KL += kl / count

			gradLogits := mat.NewVecDense(l.cfg.NumActions, nil)
			for i := 0; i < l.cfg.NumActions; i++ {
				indicator := 0.0
				if i == action {
					indicator = 1.0
				}
				g := -(advantage+l.cfg.KLCost)*(indicator-probs[i]) +
					l.cfg.EntropyCost*probs[i]*(logits[i]-lse+entropy)
				gradLogits.SetVec(i, g/count)
			}
			gradPolicy.RankOne(gradPolicy, 1, gradLogits, featVec(feat))
			gradValue.AddScaledVec(gradValue, l.cfg.BaselineCost*vErr/count, featVec(feat))
		}
	}

	stats.EntropyLoss = -l.cfg.EntropyCost * stats.Entropy
	stats.KLLoss = l.cfg.KLCost * stats.KL
	stats.Loss = stats.PolicyLoss + stats.ValueLoss + stats.EntropyLoss + stats.KLLoss

	gradPolicy.Scale(l.cfg.LearningRate, gradPolicy)
	l.policy.Sub(l.policy, gradPolicy)
	l.value.AddScaledVec(l.value, -l.cfg.LearningRate, gradValue)

	return stats, nil
}

// Weights exports the module weights for checkpointing.
func (l *Linear) Weights() map[string][]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	policy := make([]float64, l.cfg.NumActions*l.featureDim)
	for r := 0; r < l.cfg.NumActions; r++ {
		copy(policy[r*l.featureDim:(r+1)*l.featureDim], l.policy.RawRowView(r))
	}
	value := make([]float64, l.featureDim)
	copy(value, l.value.RawVector().Data)
	return map[string][]float64{"policy": policy, "value": value}
}

// SetWeights restores module weights from a checkpoint.
func (l *Linear) SetWeights(weights map[string][]float64) error {
	policy, ok := weights["policy"]
	if !ok || len(policy) != l.cfg.NumActions*l.featureDim {
		return fmt.Errorf("policy weights missing or wrong size: got %d, want %d",
			len(policy), l.cfg.NumActions*l.featureDim)
	}
	value, ok := weights["value"]
	if !ok || len(value) != l.featureDim {
		return fmt.Errorf("value weights missing or wrong size: got %d, want %d",
			len(value), l.featureDim)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for r := 0; r < l.cfg.NumActions; r++ {
		for c := 0; c < l.featureDim; c++ {
			l.policy.Set(r, c, policy[r*l.featureDim+c])
		}
	}
	for i := 0; i < l.featureDim; i++ {
		l.value.SetVec(i, value[i])
	}
	return nil
}

func (l *Linear) featuresLocked(prevAction int, env model.EnvOutput, state model.AgentState) (model.AgentState, []float64, error) {
	if len(env.Observation) != l.cfg.ObsDim {
		return nil, nil, fmt.Errorf("observation size mismatch: got=%d want=%d", len(env.Observation), l.cfg.ObsDim)
	}
	if len(state) != l.cfg.ObsDim {
		return nil, nil, fmt.Errorf("agent state size mismatch: got=%d want=%d", len(state), l.cfg.ObsDim)
	}
	if prevAction < 0 || prevAction >= l.cfg.NumActions {
		return nil, nil, fmt.Errorf("previous action %d outside [0, %d)", prevAction, l.cfg.NumActions)
	}

	next := make(model.AgentState, l.cfg.ObsDim)
	for i, o := range env.Observation {
		next[i] = l.cfg.StateDecay*state[i] + (1-l.cfg.StateDecay)*o
	}

	feat := make([]float64, l.featureDim)
	copy(feat, env.Observation)
	copy(feat[l.cfg.ObsDim:], next)
	feat[2*l.cfg.ObsDim+prevAction] = 1
	return next, feat, nil
}

func (l *Linear) headsLocked(feat []float64) ([]float64, float64) {
	fv := featVec(feat)
	logits := mat.NewVecDense(l.cfg.NumActions, nil)
	logits.MulVec(l.policy, fv)
	baseline := mat.Dot(l.value, fv)
	out := make([]float64, l.cfg.NumActions)
	copy(out, logits.RawVector().Data)
	return out, baseline
}

func featVec(feat []float64) *mat.VecDense {
	return mat.NewVecDense(len(feat), feat)
}
