package policy

import (
	"math"
	"math/rand"
)

// Categorical distribution helpers over raw logits. All of them use the
// shifted log-sum-exp so large logits stay finite.

func logSumExp(logits []float64) float64 {
	max := math.Inf(-1)
	for _, l := range logits {
		if l > max {
			max = l
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(l - max)
	}
	return max + math.Log(sum)
}

// Softmax returns the normalized probabilities for logits.
func Softmax(logits []float64) []float64 {
	lse := logSumExp(logits)
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - lse)
	}
	return probs
}

// LogProb returns log pi(action | logits).
func LogProb(logits []float64, action int) float64 {
	return logits[action] - logSumExp(logits)
}

// Entropy returns the entropy of the categorical distribution.
func Entropy(logits []float64) float64 {
	lse := logSumExp(logits)
	var h float64
	for _, l := range logits {
		logP := l - lse
		h -= math.Exp(logP) * logP
	}
	return h
}

// Sample draws an action index from the distribution using rng.
func Sample(logits []float64, rng *rand.Rand) int {
	probs := Softmax(logits)
	u := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if u < cum {
			return i
		}
	}
	return len(probs) - 1
}
