package nn

import "math"

// The activations below work in place and return their argument.

// Tanh applies tanh element-wise.
func Tanh(x []float64) []float64 {
	for i, v := range x {
		x[i] = math.Tanh(v)
	}
	return x
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(x []float64) []float64 {
	for i, v := range x {
		x[i] = sigmoid(v)
	}
	return x
}

// ReLU clamps negative values to zero.
func ReLU(x []float64) []float64 {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
	return x
}

func sigmoid(x float64) float64 {
	if x > 50 {
		x = 50
	} else if x < -50 {
		x = -50
	}
	return 1 / (1 + math.Exp(-x))
}
