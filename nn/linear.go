package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is the affine map y = Wx + b, with W stored as (out, in).
type Linear struct {
	W *mat.Dense
	B []float64
}

// NewLinear creates a Xavier-initialised layer with a zero bias.
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	return &Linear{
		W: mat.NewDense(out, in, xavier(rng, in*out, in, out)),
		B: make([]float64, out),
	}
}

// In returns the input dimension.
func (l *Linear) In() int {
	_, c := l.W.Dims()
	return c
}

// Out returns the output dimension.
func (l *Linear) Out() int {
	r, _ := l.W.Dims()
	return r
}

// Apply maps a single vector. x is not modified.
func (l *Linear) Apply(x []float64) []float64 {
	out := mat.NewVecDense(l.Out(), nil)
	out.MulVec(l.W, mat.NewVecDense(len(x), x))
	y := out.RawVector().Data
	floats.Add(y, l.B)
	return y
}

// ApplyRows maps every row of x and returns a new matrix.
func (l *Linear) ApplyRows(x mat.Matrix) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.W.T())
	r, _ := y.Dims()
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), l.B)
	}
	return &y
}
