// Package attention implements the two attention mechanisms used by the
// caption decoders: additive (Bahdanau) attention over the feature grid and
// multi-head scaled dot-product attention.
package attention

import (
	"math"
	"math/rand/v2"

	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Additive scores each grid location as v·tanh(Wq h + Wk f_i) and returns the
// softmax-weighted sum of the raw feature vectors.
type Additive struct {
	Query *nn.Linear // hidden -> attention space
	Key   *nn.Linear // feature -> attention space
	Score *nn.Linear // attention space -> scalar
}

// NewAdditive creates a randomly initialised additive attention block.
func NewAdditive(rng *rand.Rand, hiddenDim, featureDim, attnDim int) *Additive {
	return &Additive{
		Query: nn.NewLinear(rng, hiddenDim, attnDim),
		Key:   nn.NewLinear(rng, featureDim, attnDim),
		Score: nn.NewLinear(rng, attnDim, 1),
	}
}

// Keys projects every grid location into the attention space. The result
// depends only on the grid, so it is computed once per image.
func (a *Additive) Keys(g *feature.Grid) *mat.Dense {
	return a.Key.ApplyRows(g.Matrix())
}

// Attend returns the context vector (dimension g.Dim()) and the attention
// weights (length g.Len(), non-negative, summing to one) for hidden state h.
// keys must come from Keys(g); g must be non-empty.
func (a *Additive) Attend(h []float64, g *feature.Grid, keys *mat.Dense) (context, weights []float64) {
	q := a.Query.Apply(h)
	v := a.Score.W.RawRowView(0)
	bias := a.Score.B[0]

	n := g.Len()
	scores := make([]float64, n)
	buf := make([]float64, len(q))
	for i := 0; i < n; i++ {
		floats.AddTo(buf, q, keys.RawRowView(i))
		for j, x := range buf {
			buf[j] = math.Tanh(x)
		}
		scores[i] = floats.Dot(v, buf) + bias
	}
	weights = nn.Softmax(scores)

	var c mat.VecDense
	c.MulVec(g.Matrix().T(), mat.NewVecDense(n, weights))
	return c.RawVector().Data, weights
}
