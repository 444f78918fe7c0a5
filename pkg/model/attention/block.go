package attention

import (
	"fmt"

	"decoderlm/pkg/tensor"
)

// FeedForward is the position-wise sublayer of a decoder layer.
type FeedForward interface {
	Forward(x *tensor.Tensor, mode tensor.Mode) (*tensor.Tensor, error)
}

// Normalizer normalizes the residual stream over its feature axis.
type Normalizer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// DecoderLayer is one self-attention + feed-forward layer.
//
// Architecture (post-norm):
//  1. a = Attn(x, x, x, mask)
//  2. x = Norm1(x + Dropout(a))
//  3. h = concat(x, conditioning)   # only when conditioning is given
//  4. f = FF(h)
//  5. x = Norm2(x + Dropout(f))
type DecoderLayer struct {
	Attn    *MultiHeadAttention
	FF      FeedForward
	Norm1   Normalizer // after attention
	Norm2   Normalizer // after feed-forward
	Dropout float32
}

// NewDecoderLayer assembles a decoder layer from its sublayers.
func NewDecoderLayer(attn *MultiHeadAttention, ff FeedForward, norm1, norm2 Normalizer, dropout float32) *DecoderLayer {
	return &DecoderLayer{
		Attn:    attn,
		FF:      ff,
		Norm1:   norm1,
		Norm2:   norm2,
		Dropout: dropout,
	}
}

// Forward computes one decoder layer.
//
// Input shapes:
//   - x: (batch, seq, dmodel)
//   - mask: (batch, seq, seq) causal padding mask, or nil
//   - conditioning: optional (batch, channels), nil to skip concatenation
//
// Returns the hidden state (batch, seq, dmodel) and the self-attention
// alignments (batch, heads, seq, seq).
func (l *DecoderLayer) Forward(x, mask, conditioning *tensor.Tensor, mode tensor.Mode) (*tensor.Tensor, *tensor.Tensor, error) {
	attnOut, alignment, err := l.Attn.Forward(x, x, x, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	hidden, err := l.finish(x, attnOut, conditioning, mode)
	if err != nil {
		return nil, nil, err
	}
	return hidden, alignment, nil
}

// ForwardCached is Forward for the newest positions during incremental
// generation; earlier positions are read from cache.
func (l *DecoderLayer) ForwardCached(x, conditioning *tensor.Tensor, cache *KVCache, mode tensor.Mode) (*tensor.Tensor, error) {
	attnOut, err := l.Attn.ForwardCached(x, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to compute cached attention: %w", err)
	}
	return l.finish(x, attnOut, conditioning, mode)
}

// NewCache allocates the key/value cache for this layer's attention.
func (l *DecoderLayer) NewCache(batchSize, maxLength int) *KVCache {
	return l.Attn.NewCache(batchSize, maxLength)
}

func (l *DecoderLayer) finish(x, attnOut, conditioning *tensor.Tensor, mode tensor.Mode) (*tensor.Tensor, error) {
	hidden, err := l.residualNorm(x, attnOut, l.Norm1, mode)
	if err != nil {
		return nil, fmt.Errorf("attention sublayer: %w", err)
	}

	ffIn := hidden
	if conditioning != nil {
		ffIn, err = ConcatConditioning(hidden, conditioning)
		if err != nil {
			return nil, err
		}
	}
	ffOut, err := l.FF.Forward(ffIn, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}

	hidden, err = l.residualNorm(hidden, ffOut, l.Norm2, mode)
	if err != nil {
		return nil, fmt.Errorf("feed-forward sublayer: %w", err)
	}
	return hidden, nil
}

func (l *DecoderLayer) residualNorm(shortcut, sub *tensor.Tensor, norm Normalizer, mode tensor.Mode) (*tensor.Tensor, error) {
	sub, err := sub.Dropout(l.Dropout, mode)
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(shortcut, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to add residual: %w", err)
	}
	return norm.Forward(sum)
}

// ConcatConditioning appends a per-example signal (batch, channels) to every
// position of x (batch, seq, dmodel), giving (batch, seq, dmodel+channels).
func ConcatConditioning(x, conditioning *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D hidden state, got shape %v", x.Shape)
	}
	batchSize, seqLen := x.Shape[0], x.Shape[1]
	if len(conditioning.Shape) != 2 || conditioning.Shape[0] != batchSize {
		return nil, fmt.Errorf("%w: conditioning shape %v does not match batch size %d",
			ErrConfiguration, conditioning.Shape, batchSize)
	}
	channels := conditioning.Shape[1]

	tiled := tensor.NewTensor([]int{batchSize, seqLen, channels})
	for b := 0; b < batchSize; b++ {
		src := conditioning.Data[b*channels : (b+1)*channels]
		for i := 0; i < seqLen; i++ {
			off := (b*seqLen + i) * channels
			copy(tiled.Data[off:off+channels], src)
		}
	}
	return tensor.Concatenate([]*tensor.Tensor{x, tiled}, 2)
}
