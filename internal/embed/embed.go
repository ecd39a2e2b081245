package embed

import (
	"context"
	"math"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Normalize scales a vector to unit length. The epsilon keeps a zero
// vector from dividing by zero.
func Normalize(vector []float64) []float64 {
	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	norm := math.Sqrt(sum) + 1e-10
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = v / norm
	}
	return out
}

// Dot returns the inner product of two vectors. For unit-normalized
// inputs this equals cosine similarity.
func Dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
