package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Sinusoidal returns the fixed (maxLen, dim) positional encoding table:
// even columns hold sin(pos*w), odd columns cos(pos*w), w = 10000^(-2i/dim).
func Sinusoidal(maxLen, dim int) *mat.Dense {
	pe := mat.NewDense(maxLen, dim, nil)
	for pos := 0; pos < maxLen; pos++ {
		row := pe.RawRowView(pos)
		for j := 0; j < dim; j += 2 {
			w := math.Exp(float64(j) * -math.Log(10000) / float64(dim))
			row[j] = math.Sin(float64(pos) * w)
			if j+1 < dim {
				row[j+1] = math.Cos(float64(pos) * w)
			}
		}
	}
	return pe
}
