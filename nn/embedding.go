package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// ErrTokenRange is returned when a token id has no embedding row.
var ErrTokenRange = errors.New("nn: token id out of range")

// Embedding is a lookup table of one row per token id.
type Embedding struct {
	W *mat.Dense
}

// NewEmbedding creates a Xavier-initialised table of size x dim.
func NewEmbedding(rng *rand.Rand, size, dim int) *Embedding {
	return &Embedding{W: mat.NewDense(size, dim, xavier(rng, size*dim, size, dim))}
}

// Size returns the number of rows.
func (e *Embedding) Size() int {
	r, _ := e.W.Dims()
	return r
}

// Dim returns the embedding dimension.
func (e *Embedding) Dim() int {
	_, c := e.W.Dims()
	return c
}

// Lookup returns a copy of the row for id.
func (e *Embedding) Lookup(id int) ([]float64, error) {
	if id < 0 || id >= e.Size() {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrTokenRange, id, e.Size())
	}
	return mat.Row(nil, id, e.W), nil
}
