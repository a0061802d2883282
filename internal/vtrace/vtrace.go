// Package vtrace computes off-policy-corrected value targets and
// policy-gradient advantages from importance-weighted, truncated traces.
//
// For details and theory see "IMPALA: Scalable Distributed Deep-RL with
// Importance Weighted Actor-Learner Architectures" by Espeholt, Soyer,
// Munos et al.
package vtrace

import (
	"fmt"
	"math"
)

// Inputs are all shaped [time][batch] except BootstrapValue, shaped [batch].
// Discounts are expected to already be zero at true terminal steps.
type Inputs struct {
	BehaviourActionLogProbs [][]float64
	TargetActionLogProbs    [][]float64
	Discounts               [][]float64
	Rewards                 [][]float64
	Values                  [][]float64
	BootstrapValue          []float64

	// Lambda mixes in a generalized-advantage-style bootstrap; 1.0 is the
	// plain V-trace estimator.
	Lambda float64
	// ClipRhoThreshold caps the importance ratio in the value correction
	// (rho-bar in the paper). Zero disables clipping.
	ClipRhoThreshold float64
	// ClipPGRhoThreshold caps the importance ratio in the policy-gradient
	// advantage. Zero disables clipping.
	ClipPGRhoThreshold float64
}

// Returns holds the corrected value targets and advantages, both
// shaped [time][batch].
type Returns struct {
	VS           [][]float64
	PGAdvantages [][]float64
}

// FromImportanceWeights computes V-trace targets with the linear-time
// backward recursion:
//
//	v_t = V(x_t) + delta_t + gamma_t * c_t * (v_{t+1} - V(x_{t+1}))
//
// where delta_t = rho-bar_t * (r_t + gamma_t*V(x_{t+1}) - V(x_t)) and
// c_t = min(rho_t, 1) * lambda.
func FromImportanceWeights(in Inputs) (Returns, error) {
	if err := in.validate(); err != nil {
		return Returns{}, err
	}

	seqLen := len(in.Discounts)
	batch := len(in.BootstrapValue)

	vs := make([][]float64, seqLen)
	pgAdvantages := make([][]float64, seqLen)
	for t := range vs {
		vs[t] = make([]float64, batch)
		pgAdvantages[t] = make([]float64, batch)
	}

	// Backward pass. acc_b carries v_{t+1} - V(x_{t+1}) per batch element;
	// at t = T-1 the bootstrap value stands in for both terms, so it starts
	// at zero.
	acc := make([]float64, batch)
	for t := seqLen - 1; t >= 0; t-- {
		for b := 0; b < batch; b++ {
			nextValue := in.BootstrapValue[b]
			if t+1 < seqLen {
				nextValue = in.Values[t+1][b]
			}
			rho := math.Exp(in.TargetActionLogProbs[t][b] - in.BehaviourActionLogProbs[t][b])
			clippedRho := rho
			if in.ClipRhoThreshold > 0 {
				clippedRho = math.Min(rho, in.ClipRhoThreshold)
			}
			c := math.Min(rho, 1) * in.Lambda

			delta := clippedRho * (in.Rewards[t][b] + in.Discounts[t][b]*nextValue - in.Values[t][b])
			acc[b] = delta + in.Discounts[t][b]*c*acc[b]
			vs[t][b] = in.Values[t][b] + acc[b]
		}
	}

	for t := 0; t < seqLen; t++ {
		for b := 0; b < batch; b++ {
			nextVS := in.BootstrapValue[b]
			if t+1 < seqLen {
				nextVS = vs[t+1][b]
			}
			rho := math.Exp(in.TargetActionLogProbs[t][b] - in.BehaviourActionLogProbs[t][b])
			clippedPGRho := rho
			if in.ClipPGRhoThreshold > 0 {
				clippedPGRho = math.Min(rho, in.ClipPGRhoThreshold)
			}
			pgAdvantages[t][b] = clippedPGRho *
				(in.Rewards[t][b] + in.Discounts[t][b]*nextVS - in.Values[t][b])
		}
	}

	return Returns{VS: vs, PGAdvantages: pgAdvantages}, nil
}

func (in Inputs) validate() error {
	if in.Lambda <= 0 || in.Lambda > 1 {
		return fmt.Errorf("lambda %v outside (0, 1]", in.Lambda)
	}
	if in.ClipRhoThreshold < 0 {
		return fmt.Errorf("clip rho threshold %v must be >= 0", in.ClipRhoThreshold)
	}
	if in.ClipPGRhoThreshold < 0 {
		return fmt.Errorf("clip pg rho threshold %v must be >= 0", in.ClipPGRhoThreshold)
	}

	seqLen := len(in.Discounts)
	if seqLen == 0 {
		return fmt.Errorf("sequence length must be > 0")
	}
	batch := len(in.BootstrapValue)
	if batch == 0 {
		return fmt.Errorf("batch size must be > 0")
	}

	fields := map[string][][]float64{
		"behaviour_action_log_probs": in.BehaviourActionLogProbs,
		"target_action_log_probs":    in.TargetActionLogProbs,
		"discounts":                  in.Discounts,
		"rewards":                    in.Rewards,
		"values":                     in.Values,
	}
	for name, field := range fields {
		if len(field) != seqLen {
			return fmt.Errorf("%s has %d timesteps, want %d", name, len(field), seqLen)
		}
		for t, row := range field {
			if len(row) != batch {
				return fmt.Errorf("%s[%d] has batch %d, want %d", name, t, len(row), batch)
			}
		}
	}
	return nil
}
