package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrNonFinite is returned when a vector holds NaN or an infinity.
var ErrNonFinite = errors.New("nn: non-finite value")

// CheckFinite reports the first NaN or Inf in x.
func CheckFinite(x []float64) error {
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w at index %d: %v", ErrNonFinite, i, v)
		}
	}
	return nil
}

// Softmax returns exp(x) normalised to sum to one. The maximum is subtracted
// before exponentiating; -Inf entries get exactly zero weight.
func Softmax(x []float64) []float64 {
	out := make([]float64, len(x))
	m := floats.Max(x)
	for i, v := range x {
		out[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// LogSoftmax returns x - logsumexp(x).
func LogSoftmax(x []float64) []float64 {
	lse := floats.LogSumExp(x)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - lse
	}
	return out
}

// Argmax returns the index of the largest value, the lowest index on ties.
// x must be non-empty and free of NaN.
func Argmax(x []float64) int {
	return floats.MaxIdx(x)
}
