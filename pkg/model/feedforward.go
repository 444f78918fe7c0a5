package model

import (
	"fmt"

	"decoderlm/pkg/tensor"
)

// Linear is an affine map x @ Weight + Bias.
type Linear struct {
	Weight *tensor.Tensor // (in, out)
	Bias   *tensor.Tensor // (out)
}

// NewLinear creates a zero-initialised affine map.
func NewLinear(in, out int) *Linear {
	return &Linear{
		Weight: tensor.NewTensor([]int{in, out}),
		Bias:   tensor.NewTensor([]int{out}),
	}
}

// Forward maps (..., in) to (..., out).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Affine(x, l.Weight, l.Bias)
}

// FeedForward is the position-wise sublayer of a decoder layer.
//
// Architecture:
//  1. Linear1: (..., dmodel + cond) -> (..., dim_feedforward)
//  2. Activation (ReLU by default)
//  3. Dropout
//  4. Linear2: (..., dim_feedforward) -> (..., dmodel)
type FeedForward struct {
	Linear1    *Linear
	Linear2    *Linear
	Activation string
	Dropout    float32
}

// NewFeedForward creates the feed-forward sublayer for config. Its input
// is the residual stream widened by the conditioning channels.
func NewFeedForward(config Config) *FeedForward {
	return &FeedForward{
		Linear1:    NewLinear(config.DModel+config.NConditionalChannels, config.DimFeedForward),
		Linear2:    NewLinear(config.DimFeedForward, config.DModel),
		Activation: config.Activation,
		Dropout:    config.Dropout,
	}
}

// Forward computes the feed-forward transformation.
func (ff *FeedForward) Forward(x *tensor.Tensor, mode tensor.Mode) (*tensor.Tensor, error) {
	hidden, err := ff.Linear1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute first projection: %w", err)
	}
	hidden, err = tensor.Activate(hidden, ff.Activation)
	if err != nil {
		return nil, err
	}
	hidden, err = hidden.Dropout(ff.Dropout, mode)
	if err != nil {
		return nil, err
	}
	output, err := ff.Linear2.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to compute second projection: %w", err)
	}
	return output, nil
}
