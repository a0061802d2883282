package policy

import (
	"math"
	"math/rand"
	"testing"
)

func TestSoftmaxNormalizes(t *testing.T) {
	probs := Softmax([]float64{1000, 1001, 999})

	var sum float64
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatalf("softmax unstable for large logits: %v", probs)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("softmax sums to %v, want 1", sum)
	}
	if probs[1] <= probs[0] || probs[0] <= probs[2] {
		t.Fatalf("softmax order wrong: %v", probs)
	}
}

func TestLogProbMatchesSoftmax(t *testing.T) {
	logits := []float64{0.3, -1.2, 2.0}
	probs := Softmax(logits)
	for a := range logits {
		if math.Abs(LogProb(logits, a)-math.Log(probs[a])) > 1e-9 {
			t.Fatalf("log prob of action %d diverges from log softmax", a)
		}
	}
}

func TestEntropyBounds(t *testing.T) {
	uniform := Entropy([]float64{0, 0, 0, 0})
	want := math.Log(4)
	if math.Abs(uniform-want) > 1e-9 {
		t.Fatalf("uniform entropy %v, want %v", uniform, want)
	}

	peaked := Entropy([]float64{100, 0, 0, 0})
	if peaked > 1e-6 {
		t.Fatalf("peaked entropy %v, want ~0", peaked)
	}
}

func TestSampleFollowsDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	logits := []float64{0, math.Log(3)} // probabilities 0.25 / 0.75

	const n = 20000
	var ones int
	for i := 0; i < n; i++ {
		if Sample(logits, rng) == 1 {
			ones++
		}
	}
	freq := float64(ones) / n
	if math.Abs(freq-0.75) > 0.02 {
		t.Fatalf("sampled action 1 with frequency %v, want ~0.75", freq)
	}
}
