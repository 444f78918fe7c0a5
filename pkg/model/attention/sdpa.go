package attention

import (
	"fmt"
	"math"

	"decoderlm/pkg/tensor"
)

// MaskSentinel is the score written at forbidden positions before softmax.
// It is large enough to vanish after exponentiation but finite, so rows that
// are entirely masked stay free of NaNs.
const MaskSentinel float32 = -1e9

// ScaledDotProductAttention computes softmax(q·kᵀ/√d)·v.
//
// Input shapes:
//   - query: (..., Lq, d)
//   - key:   (..., Lk, d)
//   - value: (..., Lk, dv)
//   - mask:  optional, broadcastable to (..., Lq, Lk); 0 marks a forbidden pair
//
// Returns the output (..., Lq, dv) and the attention weights (..., Lq, Lk).
//
// Masked pairs are suppressed twice: with MaskSentinel before the softmax and
// by zeroing the weights after it. A query row with no allowed key therefore
// gets all-zero weights and an all-zero output instead of the uniform
// distribution the softmax alone would produce.
func ScaledDotProductAttention(query, key, value, mask *tensor.Tensor) (output, weights *tensor.Tensor, err error) {
	if len(query.Shape) < 2 {
		return nil, nil, fmt.Errorf("expected query of rank >= 2, got shape %v", query.Shape)
	}
	d := query.Shape[len(query.Shape)-1]
	if d == 0 {
		return nil, nil, fmt.Errorf("query feature dimension must be positive, got shape %v", query.Shape)
	}

	// Step 1: scores = q · kᵀ, scaled by the per-head dimension
	scores, err := tensor.MatmulTransposed(query, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(float32(1 / math.Sqrt(float64(d))))

	// Step 2: push forbidden scores towards -inf
	if mask != nil {
		scores, err = tensor.MaskedFill(scores, mask, MaskSentinel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply mask: %w", err)
		}
	}

	// Step 3: softmax over the key axis
	weights, err = tensor.Softmax(scores, len(scores.Shape)-1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply softmax: %w", err)
	}

	// Step 4: zero forbidden weights so fully masked rows contribute nothing
	if mask != nil {
		weights, err = tensor.MaskedFill(weights, mask, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to zero masked weights: %w", err)
		}
	}

	// Step 5: weights · v
	output, err = tensor.Matmul(weights, value)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply attention to values: %w", err)
	}
	return output, weights, nil
}
