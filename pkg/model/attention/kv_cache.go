package attention

import (
	"fmt"

	"decoderlm/pkg/tensor"
)

// KVCache stores the projected keys and values one attention layer has seen
// during incremental generation, so each step only projects the newest
// position.
//
// Keys and values are kept in the head-folded layout used by
// MultiHeadAttention: (batch*heads, max_length, head_dim), with rows ordered
// example-major (row b*heads+h is head h of example b).
type KVCache struct {
	K          *tensor.Tensor // (batch*heads, max_length, head_dim)
	V          *tensor.Tensor // (batch*heads, max_length, head_dim)
	CurrentPos int            // Number of cached positions
	MaxLength  int

	batchHeads int
	headDim    int
}

// NewKVCache creates an empty cache with room for maxLength positions.
func NewKVCache(batchHeads, maxLength, headDim int) *KVCache {
	shape := []int{batchHeads, maxLength, headDim}
	return &KVCache{
		K:          tensor.NewTensor(shape),
		V:          tensor.NewTensor(shape),
		MaxLength:  maxLength,
		batchHeads: batchHeads,
		headDim:    headDim,
	}
}

// Update appends newK and newV, both (batch*heads, new_tokens, head_dim),
// and returns the full cached keys and values (batch*heads, CurrentPos, head_dim).
func (c *KVCache) Update(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(newK.Shape) != 3 || !newK.ShapeEquals(newV) {
		return nil, nil, fmt.Errorf("expected matching 3D key/value tensors, got K=%v, V=%v",
			newK.Shape, newV.Shape)
	}
	if newK.Shape[0] != c.batchHeads || newK.Shape[2] != c.headDim {
		return nil, nil, fmt.Errorf("cache holds (%d, *, %d), got key shape %v",
			c.batchHeads, c.headDim, newK.Shape)
	}
	newTokens := newK.Shape[1]
	if c.CurrentPos+newTokens > c.MaxLength {
		return nil, nil, fmt.Errorf("cache overflow: cannot add %d tokens at position %d (max %d)",
			newTokens, c.CurrentPos, c.MaxLength)
	}

	rowLen := newTokens * c.headDim
	for r := 0; r < c.batchHeads; r++ {
		dst := (r*c.MaxLength + c.CurrentPos) * c.headDim
		copy(c.K.Data[dst:dst+rowLen], newK.Data[r*rowLen:(r+1)*rowLen])
		copy(c.V.Data[dst:dst+rowLen], newV.Data[r*rowLen:(r+1)*rowLen])
	}
	c.CurrentPos += newTokens

	k, v, _ := c.KV()
	return k, v, nil
}

// KV returns compact copies of the cached keys and values and the number of
// cached positions.
func (c *KVCache) KV() (k, v *tensor.Tensor, seqLen int) {
	k, _ = c.K.Narrow(1, 0, c.CurrentPos)
	v, _ = c.V.Narrow(1, 0, c.CurrentPos)
	return k, v, c.CurrentPos
}

// SizeBytes returns the memory held by the cache.
func (c *KVCache) SizeBytes() int {
	return (len(c.K.Data) + len(c.V.Data)) * 4
}
