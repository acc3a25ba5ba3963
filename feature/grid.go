// Package feature holds the spatial feature grid produced by an image
// backbone and the extractors that produce it.
package feature

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyGrid is returned for a grid with no spatial locations.
	ErrEmptyGrid = errors.New("feature: empty grid")
	// ErrShape is returned when grid data does not match its declared shape.
	ErrShape = errors.New("feature: shape mismatch")
	// ErrNonFinite is returned when a grid contains NaN or Inf.
	ErrNonFinite = errors.New("feature: non-finite value in grid")
)

// Grid is an N x Dim matrix of feature vectors, one row per spatial location.
// A Grid is immutable once built and may be shared by concurrent decoders.
type Grid struct {
	m   *mat.Dense
	n   int
	dim int
}

// NewGrid copies data (row-major, n*dim values) into a new grid.
// A nil data slice yields an all-zero grid.
func NewGrid(n, dim int, data []float64) (*Grid, error) {
	if n <= 0 {
		return nil, ErrEmptyGrid
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrShape, dim)
	}
	buf := make([]float64, n*dim)
	if data != nil {
		if len(data) != n*dim {
			return nil, fmt.Errorf("%w: got %d values for %dx%d", ErrShape, len(data), n, dim)
		}
		copy(buf, data)
	}
	return &Grid{m: mat.NewDense(n, dim, buf), n: n, dim: dim}, nil
}

// FromFloat32 builds a grid from row-major float32 data such as an ONNX output.
func FromFloat32(n, dim int, data []float32) (*Grid, error) {
	if len(data) != n*dim {
		return nil, fmt.Errorf("%w: got %d values for %dx%d", ErrShape, len(data), n, dim)
	}
	buf := make([]float64, len(data))
	for i, v := range data {
		buf[i] = float64(v)
	}
	return NewGrid(n, dim, buf)
}

// Len returns the number of spatial locations.
func (g *Grid) Len() int {
	if g == nil {
		return 0
	}
	return g.n
}

// Dim returns the dimension of each feature vector.
func (g *Grid) Dim() int {
	if g == nil {
		return 0
	}
	return g.dim
}

// Matrix exposes the grid as a read-only matrix. Callers must not mutate it.
func (g *Grid) Matrix() mat.Matrix {
	return g.m
}

// Row returns a copy of the i-th feature vector.
func (g *Grid) Row(i int) []float64 {
	return mat.Row(nil, i, g.m)
}

// Mean returns the average feature vector over all locations.
func (g *Grid) Mean() []float64 {
	out := make([]float64, g.dim)
	for i := 0; i < g.n; i++ {
		for j, v := range g.m.RawRowView(i) {
			out[j] += v
		}
	}
	inv := 1 / float64(g.n)
	for j := range out {
		out[j] *= inv
	}
	return out
}

// Validate rejects grids that cannot be decoded.
func (g *Grid) Validate() error {
	if g == nil || g.n == 0 {
		return ErrEmptyGrid
	}
	for i := 0; i < g.n; i++ {
		for j, v := range g.m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w at (%d, %d)", ErrNonFinite, i, j)
			}
		}
	}
	return nil
}

// Extractor maps a decoded image to its feature grid.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) (*Grid, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, img image.Image) (*Grid, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, img image.Image) (*Grid, error) {
	return f(ctx, img)
}
