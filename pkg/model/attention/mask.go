package attention

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"decoderlm/pkg/tensor"
)

// ErrConfiguration reports inconsistent dimensions or missing shape
// information. Test for it with errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Masks hold 1 where a query position may attend to a key position and 0
// where it may not. All builders are pure and allocate a fresh tensor.

// SelfAttentionMask builds a (batch, L, L) padding mask from per-example
// valid lengths, where L = max(validLength). Both the query and the key
// position must be inside the example. With causal set, keys later than the
// query are also excluded.
func SelfAttentionMask(validLength []int, causal bool) (*tensor.Tensor, error) {
	if len(validLength) == 0 {
		return nil, fmt.Errorf("%w: valid lengths must describe at least one example", ErrConfiguration)
	}
	return PaddedSelfAttentionMask(validLength, lo.Max(validLength), causal)
}

// PaddedSelfAttentionMask is SelfAttentionMask over an explicit width, for
// right-padded batches whose padded length exceeds the longest example.
func PaddedSelfAttentionMask(validLength []int, width int, causal bool) (*tensor.Tensor, error) {
	if width < 0 {
		return nil, fmt.Errorf("%w: negative mask width %d", ErrConfiguration, width)
	}
	valid, err := validityRows(validLength, width)
	if err != nil {
		return nil, err
	}
	batch := len(validLength)
	mask := tensor.NewTensor([]int{batch, width, width})
	for b := 0; b < batch; b++ {
		row := valid[b*width : (b+1)*width]
		for i := 0; i < width; i++ {
			if row[i] == 0 {
				continue
			}
			off := (b*width + i) * width
			for j := 0; j < width; j++ {
				if causal && j > i {
					break
				}
				mask.Data[off+j] = row[j]
			}
		}
	}
	return mask, nil
}

// CrossAttentionMask builds a (batch, Lt, Ls) mask letting each valid target
// position attend to every valid source position. There is no causal
// constraint.
func CrossAttentionMask(srcValidLength, tgtValidLength []int) (*tensor.Tensor, error) {
	if len(srcValidLength) != len(tgtValidLength) {
		return nil, fmt.Errorf("source and target batch sizes differ: %d vs %d",
			len(srcValidLength), len(tgtValidLength))
	}
	if len(srcValidLength) == 0 {
		return nil, fmt.Errorf("%w: valid lengths must describe at least one example", ErrConfiguration)
	}
	ls, lt := lo.Max(srcValidLength), lo.Max(tgtValidLength)
	src, err := validityRows(srcValidLength, ls)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	tgt, err := validityRows(tgtValidLength, lt)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	batch := len(srcValidLength)
	mask := tensor.NewTensor([]int{batch, lt, ls})
	for b := 0; b < batch; b++ {
		for i := 0; i < lt; i++ {
			if tgt[b*lt+i] == 0 {
				continue
			}
			copy(mask.Data[(b*lt+i)*ls:(b*lt+i+1)*ls], src[b*ls:(b+1)*ls])
		}
	}
	return mask, nil
}

// CausalMask builds a (batchSize, seqLen, seqLen) lower-triangular mask.
func CausalMask(batchSize, seqLen int) (*tensor.Tensor, error) {
	if batchSize <= 0 || seqLen < 0 {
		return nil, fmt.Errorf("%w: causal mask needs a positive batch size and a sequence length, got batch=%d seq=%d",
			ErrConfiguration, batchSize, seqLen)
	}
	tri := tensor.NewTensor([]int{1, seqLen, seqLen})
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			tri.Data[i*seqLen+j] = 1
		}
	}
	return tri.Repeat(batchSize)
}

// CausalMaskLike builds a causal mask matching a (batch, seq, dmodel)
// reference tensor.
func CausalMaskLike(ref *tensor.Tensor) (*tensor.Tensor, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: causal mask needs a reference tensor or an explicit shape", ErrConfiguration)
	}
	if len(ref.Shape) != 3 {
		return nil, fmt.Errorf("%w: causal mask reference must be (batch, seq, dmodel), got shape %v",
			ErrConfiguration, ref.Shape)
	}
	return CausalMask(ref.Shape[0], ref.Shape[1])
}

// offsetCausalMask lets new query t (absolute position past+t) see keys
// [0, past+t]. Shape (newLen, past+newLen), broadcast over the batch.
func offsetCausalMask(past, newLen int) *tensor.Tensor {
	total := past + newLen
	mask := tensor.NewTensor([]int{newLen, total})
	for t := 0; t < newLen; t++ {
		for j := 0; j <= past+t; j++ {
			mask.Data[t*total+j] = 1
		}
	}
	return mask
}

// validityRows returns v[b*width+j] = 1 if j < validLength[b].
func validityRows(validLength []int, width int) ([]float32, error) {
	valid := make([]float32, len(validLength)*width)
	for b, n := range validLength {
		if n < 0 || n > width {
			return nil, fmt.Errorf("valid length %d of example %d outside [0, %d]", n, b, width)
		}
		for j := 0; j < n; j++ {
			valid[b*width+j] = 1
		}
	}
	return valid, nil
}
