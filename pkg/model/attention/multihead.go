package attention

import (
	"fmt"

	"decoderlm/pkg/tensor"
)

// MultiHeadAttention projects queries, keys and values, splits the feature
// axis into heads folded into the batch axis, runs one scaled dot-product
// attention over all heads of all examples, and merges the heads back.
//
// Head folding is example-major: row b*NumHeads+h of a folded tensor holds
// head h of example b.
type MultiHeadAttention struct {
	NumHeads int
	HeadDim  int
	DModel   int

	WQuery *tensor.Tensor // (dmodel, dmodel)
	WKey   *tensor.Tensor // (dmodel, dmodel)
	WValue *tensor.Tensor // (dmodel, dmodel)
	WOut   *tensor.Tensor // (dmodel, dmodel)
	BQuery *tensor.Tensor // (dmodel)
	BKey   *tensor.Tensor // (dmodel)
	BValue *tensor.Tensor // (dmodel)
	BOut   *tensor.Tensor // (dmodel)
}

// NewMultiHeadAttention creates a zero-initialised attention layer.
// dModel must be a positive multiple of numHeads.
func NewMultiHeadAttention(dModel, numHeads int) (*MultiHeadAttention, error) {
	if dModel <= 0 || numHeads <= 0 {
		return nil, fmt.Errorf("%w: dmodel (%d) and num_heads (%d) must be positive",
			ErrConfiguration, dModel, numHeads)
	}
	if dModel%numHeads != 0 {
		return nil, fmt.Errorf("%w: dmodel (%d) must be divisible by num_heads (%d)",
			ErrConfiguration, dModel, numHeads)
	}

	square := []int{dModel, dModel}
	return &MultiHeadAttention{
		NumHeads: numHeads,
		HeadDim:  dModel / numHeads,
		DModel:   dModel,
		WQuery:   tensor.NewTensor(square),
		WKey:     tensor.NewTensor(square),
		WValue:   tensor.NewTensor(square),
		WOut:     tensor.NewTensor(square),
		BQuery:   tensor.NewTensor([]int{dModel}),
		BKey:     tensor.NewTensor([]int{dModel}),
		BValue:   tensor.NewTensor([]int{dModel}),
		BOut:     tensor.NewTensor([]int{dModel}),
	}, nil
}

// Forward computes multi-head attention.
//
// Input shapes:
//   - q: (batch, Lq, dmodel)
//   - k, v: (batch, Lk, dmodel)
//   - mask: optional (batch, Lq, Lk), or (Lq, Lk) shared by every example
//
// Returns the output (batch, Lq, dmodel) and the alignments
// (batch, num_heads, Lq, Lk).
func (m *MultiHeadAttention) Forward(q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	for _, x := range []*tensor.Tensor{q, k, v} {
		if len(x.Shape) != 3 || x.Shape[2] != m.DModel {
			return nil, nil, fmt.Errorf("expected 3D input (batch, seq, %d), got shape %v", m.DModel, x.Shape)
		}
	}
	batchSize, lq, lk := q.Shape[0], q.Shape[1], k.Shape[1]
	if k.Shape[0] != batchSize || v.Shape[0] != batchSize || v.Shape[1] != lk {
		return nil, nil, fmt.Errorf("query/key/value shapes disagree: %v, %v, %v", q.Shape, k.Shape, v.Shape)
	}

	// Step 1: Project and fold heads into the batch axis
	// (batch, L, dmodel) -> (batch*num_heads, L, head_dim)
	qh, err := m.projectHeads(q, m.WQuery, m.BQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	kh, err := m.projectHeads(k, m.WKey, m.BKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	vh, err := m.projectHeads(v, m.WValue, m.BValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}

	// Step 2: Give every head its example's mask
	if mask != nil && len(mask.Shape) == 3 {
		if mask.Shape[0] != batchSize || mask.Shape[1] != lq || mask.Shape[2] != lk {
			return nil, nil, fmt.Errorf("mask shape %v does not match (%d, %d, %d)", mask.Shape, batchSize, lq, lk)
		}
		mask, err = mask.RepeatEach(m.NumHeads)
		if err != nil {
			return nil, nil, err
		}
	}

	// Step 3: Attention over all heads at once
	context, weights, err := ScaledDotProductAttention(qh, kh, vh, mask)
	if err != nil {
		return nil, nil, err
	}

	// Step 4: Merge heads and project
	output, err := m.mergeHeads(context)
	if err != nil {
		return nil, nil, err
	}
	alignments, err := weights.View([]int{batchSize, m.NumHeads, lq, lk})
	if err != nil {
		return nil, nil, err
	}
	return output, alignments, nil
}

// ForwardCached runs causal self-attention for the newest positions of x
// (batch, new, dmodel), attending to everything already stored in cache.
// The new keys and values are appended to the cache. Returns the output
// (batch, new, dmodel).
func (m *MultiHeadAttention) ForwardCached(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != m.DModel {
		return nil, fmt.Errorf("expected 3D input (batch, seq, %d), got shape %v", m.DModel, x.Shape)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: cached attention needs a cache", ErrConfiguration)
	}
	past, newLen := cache.CurrentPos, x.Shape[1]

	qh, err := m.projectHeads(x, m.WQuery, m.BQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	kh, err := m.projectHeads(x, m.WKey, m.BKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute K: %w", err)
	}
	vh, err := m.projectHeads(x, m.WValue, m.BValue)
	if err != nil {
		return nil, fmt.Errorf("failed to compute V: %w", err)
	}

	keys, values, err := cache.Update(kh, vh)
	if err != nil {
		return nil, err
	}
	context, _, err := ScaledDotProductAttention(qh, keys, values, offsetCausalMask(past, newLen))
	if err != nil {
		return nil, err
	}
	return m.mergeHeads(context)
}

// NewCache allocates a KV cache sized for this layer.
func (m *MultiHeadAttention) NewCache(batchSize, maxLength int) *KVCache {
	return NewKVCache(batchSize*m.NumHeads, maxLength, m.HeadDim)
}

func (m *MultiHeadAttention) projectHeads(x, w, b *tensor.Tensor) (*tensor.Tensor, error) {
	p, err := tensor.Affine(x, w, b)
	if err != nil {
		return nil, err
	}
	return m.reshapeToBatches(p)
}

func (m *MultiHeadAttention) mergeHeads(context *tensor.Tensor) (*tensor.Tensor, error) {
	merged, err := m.reshapeFromBatches(context)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Affine(merged, m.WOut, m.BOut)
	if err != nil {
		return nil, fmt.Errorf("failed to apply output projection: %w", err)
	}
	return out, nil
}

// reshapeToBatches splits (batch, L, dmodel) into heads and folds them into
// the batch axis: (batch, L, H, S) -> (batch, H, L, S) -> (batch*H, L, S).
func (m *MultiHeadAttention) reshapeToBatches(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != m.DModel {
		return nil, fmt.Errorf("cannot split shape %v into %d heads of %d", x.Shape, m.NumHeads, m.HeadDim)
	}
	batchSize, seqLen := x.Shape[0], x.Shape[1]
	split, err := x.View([]int{batchSize, seqLen, m.NumHeads, m.HeadDim})
	if err != nil {
		return nil, err
	}
	perm, err := split.Permute(0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	return perm.View([]int{batchSize * m.NumHeads, seqLen, m.HeadDim})
}

// reshapeFromBatches inverts reshapeToBatches.
func (m *MultiHeadAttention) reshapeFromBatches(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[0]%m.NumHeads != 0 || x.Shape[2] != m.HeadDim {
		return nil, fmt.Errorf("cannot merge shape %v from %d heads of %d", x.Shape, m.NumHeads, m.HeadDim)
	}
	batchSize, seqLen := x.Shape[0]/m.NumHeads, x.Shape[1]
	split, err := x.View([]int{batchSize, m.NumHeads, seqLen, m.HeadDim})
	if err != nil {
		return nil, err
	}
	perm, err := split.Permute(0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	return perm.View([]int{batchSize, seqLen, m.DModel})
}
