package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"decoderlm/pkg/model/attention"
	"decoderlm/pkg/tensor"
)

// Layer is one step of the decoder stack: it maps the hidden state to a new
// hidden state and reports its self-attention alignments.
type Layer interface {
	Forward(x, mask, conditioning *tensor.Tensor, mode tensor.Mode) (*tensor.Tensor, *tensor.Tensor, error)
}

// IncrementalLayer is a Layer that can also process only the newest
// positions, keeping earlier keys and values in a cache.
type IncrementalLayer interface {
	Layer
	ForwardCached(x, conditioning *tensor.Tensor, cache *attention.KVCache, mode tensor.Mode) (*tensor.Tensor, error)
	NewCache(batchSize, maxLength int) *attention.KVCache
}

// DecoderStack applies its layers in order, sharing one mask and one
// conditioning signal.
type DecoderStack struct {
	Layers []Layer
}

// Forward runs every layer and collects their alignments.
func (s *DecoderStack) Forward(x, mask, conditioning *tensor.Tensor, mode tensor.Mode) (*tensor.Tensor, []*tensor.Tensor, error) {
	alignments := make([]*tensor.Tensor, 0, len(s.Layers))
	for i, layer := range s.Layers {
		var (
			alignment *tensor.Tensor
			err       error
		)
		x, alignment, err = layer.Forward(x, mask, conditioning, mode)
		if err != nil {
			return nil, nil, fmt.Errorf("failed in decoder layer %d: %w", i, err)
		}
		alignments = append(alignments, alignment)
	}
	return x, alignments, nil
}

// NewCaches allocates one cache per layer. Every layer must be incremental.
func (s *DecoderStack) NewCaches(batchSize, maxLength int) ([]*attention.KVCache, error) {
	caches := make([]*attention.KVCache, len(s.Layers))
	for i, layer := range s.Layers {
		inc, ok := layer.(IncrementalLayer)
		if !ok {
			return nil, fmt.Errorf("%w: decoder layer %d (%T) does not support caching", ErrConfiguration, i, layer)
		}
		caches[i] = inc.NewCache(batchSize, maxLength)
	}
	return caches, nil
}

// ForwardCached runs the newest positions through every layer.
func (s *DecoderStack) ForwardCached(x, conditioning *tensor.Tensor, caches []*attention.KVCache, mode tensor.Mode) (*tensor.Tensor, error) {
	if len(caches) != len(s.Layers) {
		return nil, fmt.Errorf("%w: %d caches for %d layers", ErrConfiguration, len(caches), len(s.Layers))
	}
	for i, layer := range s.Layers {
		inc, ok := layer.(IncrementalLayer)
		if !ok {
			return nil, fmt.Errorf("%w: decoder layer %d (%T) does not support caching", ErrConfiguration, i, layer)
		}
		var err error
		x, err = inc.ForwardCached(x, conditioning, caches[i], mode)
		if err != nil {
			return nil, fmt.Errorf("failed in decoder layer %d: %w", i, err)
		}
	}
	return x, nil
}

// SequenceModel is the decoder-only language model.
//
// Architecture:
//  1. Token embeddings: lookup table (vocab_size, dmodel)
//  2. Positional encoding: fixed sinusoidal, added
//  3. Decoder stack: decoder_layers post-norm layers
//  4. Classifier: affine (dmodel, vocab_size)
//
// Parameters are only read by Forward and Generate, so concurrent calls on
// one model are safe as long as each uses its own Mode.
type SequenceModel struct {
	Config     Config
	Embedding  *Embedding
	Positional *PositionalEncoder
	Decoder    *DecoderStack
	Classifier *Linear
}

// ForwardResult bundles the outputs of a full-sequence forward pass.
type ForwardResult struct {
	Logits     *tensor.Tensor   // (batch, seq, vocab_size)
	Alignments []*tensor.Tensor // per layer, (batch, heads, seq, seq)
	Embeddings *tensor.Tensor   // (batch, seq, dmodel), positions included
}

// NewSequenceModel builds a model for config with weights drawn from a
// generator seeded with seed.
func NewSequenceModel(config Config, seed uint64) (*SequenceModel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	positional, err := NewPositionalEncoder(config.DModel, config.NumPositions, config.PositionalEncoding)
	if err != nil {
		return nil, err
	}

	m := &SequenceModel{
		Config:     config,
		Embedding:  NewEmbedding(config.VocabSize, config.DModel),
		Positional: positional,
		Decoder:    &DecoderStack{Layers: make([]Layer, config.DecoderLayers)},
		Classifier: NewLinear(config.DModel, config.VocabSize),
	}
	for i := range m.Decoder.Layers {
		attn, err := attention.NewMultiHeadAttention(config.DModel, config.NumHeads)
		if err != nil {
			return nil, err
		}
		m.Decoder.Layers[i] = attention.NewDecoderLayer(
			attn,
			NewFeedForward(config),
			NewLayerNorm(config.DModel, config.LayerNormEps),
			NewLayerNorm(config.DModel, config.LayerNormEps),
			config.Dropout,
		)
	}
	initializeWeights(m, seed)

	klog.V(1).InfoS("Built sequence model",
		"layers", config.DecoderLayers, "dmodel", config.DModel, "heads", config.NumHeads,
		"vocab", config.VocabSize, "parameters", m.NumParameters())
	return m, nil
}

// Forward computes logits for every position of a right-padded batch.
//
// ids is (batch, seq) and rectangular. validLength gives the true length of
// each example; nil means every example fills the full width. conditioning
// is (batch, n_conditional_channels), or (batch) for one channel, and must
// be given exactly when the model has conditioning channels.
func (m *SequenceModel) Forward(ids [][]int, validLength []int, conditioning *tensor.Tensor, mode tensor.Mode) (*ForwardResult, error) {
	embeddings, err := m.embed(ids, 0)
	if err != nil {
		return nil, err
	}
	batchSize, seqLen := embeddings.Shape[0], embeddings.Shape[1]

	if validLength == nil {
		validLength = make([]int, batchSize)
		for i := range validLength {
			validLength[i] = seqLen
		}
	}
	if len(validLength) != batchSize {
		return nil, fmt.Errorf("%w: %d valid lengths for a batch of %d", ErrConfiguration, len(validLength), batchSize)
	}
	mask, err := attention.PaddedSelfAttentionMask(validLength, seqLen, true)
	if err != nil {
		return nil, err
	}
	cond, err := m.conditioning(conditioning, batchSize)
	if err != nil {
		return nil, err
	}

	hidden, alignments, err := m.Decoder.Forward(embeddings, mask, cond, mode)
	if err != nil {
		return nil, err
	}
	logits, err := m.Classifier.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output logits: %w", err)
	}

	klog.V(3).InfoS("Forward pass", "batch", batchSize, "seq", seqLen, "training", mode.Training)
	return &ForwardResult{
		Logits:     logits,
		Alignments: alignments,
		Embeddings: embeddings,
	}, nil
}

// LogProbs scores each example: entry [b][t] is the log-probability the
// model assigns to ids[b][t+1] after ids[b][:t+1], for t < validLength[b]-1.
func (m *SequenceModel) LogProbs(ids [][]int, validLength []int, conditioning *tensor.Tensor) ([][]float32, error) {
	result, err := m.Forward(ids, validLength, conditioning, tensor.Inference())
	if err != nil {
		return nil, err
	}
	logp, err := tensor.LogSoftmax(result.Logits, 2)
	if err != nil {
		return nil, err
	}

	scores := make([][]float32, len(ids))
	for b, row := range ids {
		n := len(row)
		if validLength != nil {
			n = validLength[b]
		}
		scores[b] = make([]float32, max(n-1, 0))
		for t := range scores[b] {
			scores[b][t] = logp.Get(b, t, row[t+1])
		}
	}
	return scores, nil
}

// embed looks up ids and adds the encoding of positions starting at offset.
func (m *SequenceModel) embed(ids [][]int, offset int) (*tensor.Tensor, error) {
	x, err := m.Embedding.Lookup(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup token embeddings: %w", err)
	}
	return m.Positional.ForwardAt(x, offset)
}

// conditioning validates the optional conditioning signal and returns it as
// (batch, channels).
func (m *SequenceModel) conditioning(cond *tensor.Tensor, batchSize int) (*tensor.Tensor, error) {
	channels := m.Config.NConditionalChannels
	switch {
	case channels == 0 && cond == nil:
		return nil, nil
	case channels == 0:
		return nil, fmt.Errorf("%w: model has no conditioning channels but conditioning was given", ErrConfiguration)
	case cond == nil:
		return nil, fmt.Errorf("%w: model expects %d conditioning channels", ErrConfiguration, channels)
	}

	if len(cond.Shape) == 1 && channels == 1 {
		cond = cond.Reshape([]int{cond.Shape[0], 1})
	}
	if len(cond.Shape) != 2 || cond.Shape[0] != batchSize || cond.Shape[1] != channels {
		return nil, fmt.Errorf("%w: conditioning shape %v, expected (%d, %d)",
			ErrConfiguration, cond.Shape, batchSize, channels)
	}
	return cond, nil
}

// initializeWeights fills the parameters from a seeded generator:
//   - Embeddings: N(0, 0.02)
//   - Linear weights: Xavier uniform, biases zero
//   - LayerNorm scale one, shift zero (set by NewLayerNorm)
func initializeWeights(m *SequenceModel, seed uint64) {
	src := rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)

	normal := distuv.Normal{Mu: 0, Sigma: 0.02, Src: src}
	for i := range m.Embedding.Weight.Data {
		m.Embedding.Weight.Data[i] = float32(normal.Rand())
	}

	params := m.Parameters()
	for _, name := range ParameterNames(params) {
		t := params[name]
		if name == "embedding.weight" || len(t.Shape) != 2 {
			continue
		}
		fanIn, fanOut := t.Shape[0], t.Shape[1]
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		uniform := distuv.Uniform{Min: -limit, Max: limit, Src: src}
		for i := range t.Data {
			t.Data[i] = float32(uniform.Rand())
		}
	}
}
