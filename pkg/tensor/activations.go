package tensor

import (
	"fmt"
	"math"
)

// Activation names accepted by Activate.
const (
	ActivationReLU = "relu"
	ActivationGELU = "gelu"
)

// ReLU applies max(0, x) element-wise.
func (t *Tensor) ReLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		if x > 0 {
			result.Data[i] = x
		}
	}
	return result
}

// GELU applies the tanh approximation of the Gaussian Error Linear Unit:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
func (t *Tensor) GELU() *Tensor {
	const (
		sqrt2OverPi = 0.7978845608 // sqrt(2/π)
		coeff       = 0.044715
	)
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		inner := sqrt2OverPi * (x + coeff*x*x*x)
		result.Data[i] = 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
	}
	return result
}

// Activate applies the named activation.
func Activate(t *Tensor, name string) (*Tensor, error) {
	switch name {
	case ActivationReLU, "":
		return t.ReLU(), nil
	case ActivationGELU:
		return t.GELU(), nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}
