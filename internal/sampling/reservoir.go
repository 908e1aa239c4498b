package sampling

import (
	"math/rand/v2"
)

// AlgorithmReservoir is recorded in sampling audits.
const AlgorithmReservoir = "reservoir_sampling"

// IntSource yields uniform integers in [0, n). *rand.Rand satisfies it.
type IntSource interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// DefaultSource draws from the math/rand/v2 global generator.
var DefaultSource IntSource = globalSource{}

// Reservoir selects min(k, len(candidates)) items with equal inclusion probability
// in a single pass (Algorithm R).
func Reservoir[T any](src IntSource, candidates []T, k int) []T {
	if k <= 0 || len(candidates) == 0 {
		return []T{}
	}
	if src == nil {
		src = DefaultSource
	}
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]T, k)
	copy(out, candidates[:k])
	for i := k; i < len(candidates); i++ {
		if j := src.IntN(i + 1); j < k {
			out[j] = candidates[i]
		}
	}
	return out
}
