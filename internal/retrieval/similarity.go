package retrieval

import (
	"math"

	"github.com/felixgeelhaar/rewind/internal/memory"
)

// Cosine returns the cosine similarity of a and b in [-1, 1]. A zero-norm
// vector scores 0. Vectors of different length are an error, never a
// truncated comparison.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, memory.NewDimensionMismatchError("retrieval.cosine", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}
