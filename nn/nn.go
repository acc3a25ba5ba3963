// Package nn contains the inference-only building blocks shared by the
// decoders: affine maps, embeddings, normalisation and activations.
//
// All layers are read-only after construction; concurrent use is safe.
package nn

import (
	"math"
	"math/rand/v2"
)

// NewRand returns the deterministic generator used for weight initialisation.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// xavier fills n values uniformly in +-sqrt(6/(fanIn+fanOut)).
func xavier(rng *rand.Rand, n, fanIn, fanOut int) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := make([]float64, n)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return data
}
