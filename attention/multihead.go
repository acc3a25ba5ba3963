package attention

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/krau/konacaption/nn"
	"gonum.org/v1/gonum/mat"
)

// ErrHeads is returned when the model dimension cannot be split evenly
// across the requested number of heads.
var ErrHeads = errors.New("attention: model dimension not divisible by head count")

// MultiHead is scaled dot-product attention split across Heads heads.
// Queries have the model dimension; keys and values may come from a source
// of a different dimension and are projected into the model dimension.
type MultiHead struct {
	Heads int
	Q     *nn.Linear
	K     *nn.Linear
	V     *nn.Linear
	O     *nn.Linear
}

// NewMultiHead creates a randomly initialised block. sourceDim is the width of
// the key/value source: modelDim for self-attention, the feature dimension for
// cross-attention.
func NewMultiHead(rng *rand.Rand, modelDim, sourceDim, heads int) (*MultiHead, error) {
	if heads < 1 || modelDim < 1 || modelDim%heads != 0 {
		return nil, fmt.Errorf("%w: dim %d, heads %d", ErrHeads, modelDim, heads)
	}
	return &MultiHead{
		Heads: heads,
		Q:     nn.NewLinear(rng, modelDim, modelDim),
		K:     nn.NewLinear(rng, sourceDim, modelDim),
		V:     nn.NewLinear(rng, sourceDim, modelDim),
		O:     nn.NewLinear(rng, modelDim, modelDim),
	}, nil
}

// KV holds projected keys and values, one row per source position.
type KV struct {
	K *mat.Dense
	V *mat.Dense
}

// Project computes keys and values for src.
func (m *MultiHead) Project(src mat.Matrix) KV {
	return KV{K: m.K.ApplyRows(src), V: m.V.ApplyRows(src)}
}

// Result is the attention output and the per-head weight matrices
// (query positions x source positions).
type Result struct {
	Out     *mat.Dense
	Weights []*mat.Dense
}

// Attend runs every query row against kv. With causal set, query i may only
// see source positions j <= i; masked scores are -Inf before the softmax so
// their weights are exactly zero.
func (m *MultiHead) Attend(query mat.Matrix, kv KV, causal bool) Result {
	q := m.Q.ApplyRows(query)
	t, d := q.Dims()
	s, _ := kv.K.Dims()
	hd := d / m.Heads
	scale := 1 / math.Sqrt(float64(hd))

	concat := mat.NewDense(t, d, nil)
	weights := make([]*mat.Dense, m.Heads)
	for h := 0; h < m.Heads; h++ {
		lo, hi := h*hd, (h+1)*hd

		scores := mat.NewDense(t, s, nil)
		scores.Mul(q.Slice(0, t, lo, hi), kv.K.Slice(0, s, lo, hi).T())
		scores.Scale(scale, scores)
		for i := 0; i < t; i++ {
			row := scores.RawRowView(i)
			if causal {
				for j := i + 1; j < s; j++ {
					row[j] = math.Inf(-1)
				}
			}
			copy(row, nn.Softmax(row))
		}

		var head mat.Dense
		head.Mul(scores, kv.V.Slice(0, s, lo, hi))
		concat.Slice(0, t, lo, hi).(*mat.Dense).Copy(&head)
		weights[h] = scores
	}
	return Result{Out: m.O.ApplyRows(concat), Weights: weights}
}
