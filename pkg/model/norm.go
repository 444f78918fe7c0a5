package model

import (
	"fmt"
	"math"

	"decoderlm/pkg/tensor"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// Formula:
//
//	mean = mean(x, dim=-1)
//	var = var(x, dim=-1)
//	output = (x - mean) / sqrt(var + eps) * scale + shift
type LayerNorm struct {
	Scale *tensor.Tensor // (dmodel) - gamma
	Shift *tensor.Tensor // (dmodel) - beta
	Eps   float32
}

// NewLayerNorm creates a LayerNorm with scale=1 and shift=0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Scale: tensor.Full([]int{dim}, 1),
		Shift: tensor.NewTensor([]int{dim}),
		Eps:   eps,
	}
}

// Forward normalizes every position of x over its last axis.
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}
	width := x.Shape[len(x.Shape)-1]
	if width != len(ln.Scale.Data) {
		return nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			width, len(ln.Scale.Data))
	}

	return tensor.MapRows(x, 8, func(row, out []float32) {
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(width)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(width)

		invStd := 1 / math.Sqrt(variance+float64(ln.Eps))
		for i, v := range row {
			out[i] = float32((float64(v)-mean)*invStd)*ln.Scale.Data[i] + ln.Shift.Data[i]
		}
	})
}
