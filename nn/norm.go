package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// LayerNorm normalises a vector to zero mean and unit variance, then applies
// the learned scale and shift.
type LayerNorm struct {
	Gamma []float64
	Beta  []float64
	Eps   float64
}

// NewLayerNorm returns the identity-initialised normaliser.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := make([]float64, dim)
	for i := range gamma {
		gamma[i] = 1
	}
	return &LayerNorm{Gamma: gamma, Beta: make([]float64, dim), Eps: 1e-5}
}

// Apply normalises x into a new slice.
func (ln *LayerNorm) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	ln.apply(out, x)
	return out
}

// ApplyRows normalises each row of x independently.
func (ln *LayerNorm) ApplyRows(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		ln.apply(out.RawRowView(i), x.RawRowView(i))
	}
	return out
}

func (ln *LayerNorm) apply(dst, x []float64) {
	mean, variance := stat.PopMeanVariance(x, nil)
	inv := 1 / math.Sqrt(variance+ln.Eps)
	for i, v := range x {
		dst[i] = (v-mean)*inv*ln.Gamma[i] + ln.Beta[i]
	}
}
