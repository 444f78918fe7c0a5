package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"decoderlm/pkg/model/attention"
	"decoderlm/pkg/tensor"
)

// GenerateRequest describes one sampling run.
type GenerateRequest struct {
	// BatchSize is the number of independent sequences to produce.
	BatchSize int

	// MaxLength is the length of every output sequence, start token included.
	MaxLength int

	// StartID is the token every sequence begins with.
	StartID int

	// Temperature divides the logits before the softmax. Values <= 0 select
	// the most likely token instead of sampling.
	Temperature float64

	// ForbiddenIDs are never produced after the start token.
	ForbiddenIDs []int

	// Conditioning is the optional (batch, channels) signal, required when
	// the model has conditioning channels.
	Conditioning *tensor.Tensor

	// Seed drives the categorical draws.
	Seed uint64

	// UseCache keeps per-layer keys and values between steps so each step
	// only runs the newest position. The sampled ids are the same as without
	// the cache up to float rounding in the logits.
	UseCache bool
}

// GenerateResult holds the produced token ids, (batch, max_length).
type GenerateResult struct {
	OutputIDs [][]int
}

// Generate samples sequences one token at a time. Steps run strictly in
// order; ctx is checked between steps and a cancelled context aborts the
// run with its error.
func (m *SequenceModel) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := m.validateRequest(req); err != nil {
		return nil, err
	}
	cond, err := m.conditioning(req.Conditioning, req.BatchSize)
	if err != nil {
		return nil, err
	}
	sampler := newSampler(req.Temperature, req.Seed, req.ForbiddenIDs)

	outputIDs := make([][]int, req.BatchSize)
	for b := range outputIDs {
		outputIDs[b] = make([]int, 1, req.MaxLength)
		outputIDs[b][0] = req.StartID
	}

	var step stepFunc = m.recomputeStep
	if req.UseCache {
		caches, err := m.Decoder.NewCaches(req.BatchSize, req.MaxLength)
		if err != nil {
			return nil, err
		}
		step = m.cachedStep(caches)
		klog.V(1).InfoS("Allocated key/value caches", "layers", len(caches),
			"bytes", lo.SumBy(caches, func(c *attention.KVCache) int { return c.SizeBytes() }))
	}

	for pos := 1; pos < req.MaxLength; pos++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logits, err := step(outputIDs, cond)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", pos, err)
		}
		next, err := sampler.sample(logits)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", pos, err)
		}
		for b, id := range next {
			outputIDs[b] = append(outputIDs[b], id)
		}
		klog.V(2).InfoS("Generation step", "step", pos, "batch", req.BatchSize, "cached", req.UseCache)
	}
	return &GenerateResult{OutputIDs: outputIDs}, nil
}

func (m *SequenceModel) validateRequest(req GenerateRequest) error {
	vocab := m.Config.VocabSize
	if req.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, req.BatchSize)
	}
	if req.MaxLength <= 0 {
		return fmt.Errorf("%w: max length must be positive, got %d", ErrConfiguration, req.MaxLength)
	}
	// The last id is sampled, never fed back, so only MaxLength-1 positions
	// pass through the stack.
	if req.MaxLength-1 > m.Config.NumPositions {
		return fmt.Errorf("%w: max length %d needs %d positions, num_positions is %d",
			ErrSequenceLength, req.MaxLength, req.MaxLength-1, m.Config.NumPositions)
	}
	if req.StartID < 0 || req.StartID >= vocab {
		return fmt.Errorf("%w: start id %d outside vocabulary of %d", ErrConfiguration, req.StartID, vocab)
	}
	if bad, ok := lo.Find(req.ForbiddenIDs, func(id int) bool { return id < 0 || id >= vocab }); ok {
		return fmt.Errorf("%w: forbidden id %d outside vocabulary of %d", ErrConfiguration, bad, vocab)
	}
	if len(lo.Uniq(req.ForbiddenIDs)) == vocab && req.MaxLength > 1 {
		return fmt.Errorf("%w: every token id is forbidden", ErrConfiguration)
	}
	return nil
}

// stepFunc returns the (batch, vocab) logits for the next position given
// the ids produced so far.
type stepFunc func(ids [][]int, cond *tensor.Tensor) (*tensor.Tensor, error)

// recomputeStep runs the whole prefix through the stack and classifies the
// last position.
func (m *SequenceModel) recomputeStep(ids [][]int, cond *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := m.embed(ids, 0)
	if err != nil {
		return nil, err
	}
	mask, err := attention.CausalMaskLike(x)
	if err != nil {
		return nil, err
	}
	hidden, _, err := m.Decoder.Forward(x, mask, cond, tensor.Inference())
	if err != nil {
		return nil, err
	}
	last, err := hidden.Narrow(1, hidden.Shape[1]-1, 1)
	if err != nil {
		return nil, err
	}
	return m.classifyLast(last)
}

// cachedStep feeds only the newest id of each sequence, reusing the keys
// and values stored for earlier positions.
func (m *SequenceModel) cachedStep(caches []*attention.KVCache) stepFunc {
	return func(ids [][]int, cond *tensor.Tensor) (*tensor.Tensor, error) {
		pos := len(ids[0]) - 1
		newest := make([][]int, len(ids))
		for b, row := range ids {
			newest[b] = row[pos:]
		}
		x, err := m.embed(newest, pos)
		if err != nil {
			return nil, err
		}
		hidden, err := m.Decoder.ForwardCached(x, cond, caches, tensor.Inference())
		if err != nil {
			return nil, err
		}
		return m.classifyLast(hidden)
	}
}

// classifyLast maps (batch, 1, dmodel) to (batch, vocab) logits.
func (m *SequenceModel) classifyLast(last *tensor.Tensor) (*tensor.Tensor, error) {
	flat, err := last.View([]int{last.Shape[0], last.Shape[2]})
	if err != nil {
		return nil, err
	}
	logits, err := m.Classifier.Forward(flat)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output logits: %w", err)
	}
	return logits, nil
}

// sampler draws one token per row of a (batch, vocab) logit matrix, never
// returning a forbidden id.
type sampler struct {
	temperature float64
	forbidden   []int
	src         rand.Source
}

func newSampler(temperature float64, seed uint64, forbidden []int) *sampler {
	return &sampler{
		temperature: temperature,
		forbidden:   lo.Uniq(forbidden),
		src:         rand.NewPCG(seed, seed^0x853c49e6748fea9b),
	}
}

func (s *sampler) sample(logits *tensor.Tensor) ([]int, error) {
	if len(s.forbidden) > 0 {
		logits = logits.Clone()
	}
	batchSize, vocab := logits.Shape[0], logits.Shape[1]
	for b := 0; b < batchSize; b++ {
		for _, id := range s.forbidden {
			logits.Data[b*vocab+id] = attention.MaskSentinel
		}
	}
	if s.temperature <= 0 {
		return tensor.ArgMax(logits)
	}

	out := make([]int, batchSize)
	weights := make([]float64, vocab)
	for b := 0; b < batchSize; b++ {
		row := logits.Data[b*vocab : (b+1)*vocab]
		maxLogit := float64(lo.Max(row))
		for i, v := range row {
			weights[i] = math.Exp((float64(v) - maxLogit) / s.temperature)
		}
		// Dividing the sentinel by a huge temperature leaves a weight near 1.
		for _, id := range s.forbidden {
			weights[id] = 0
		}
		out[b] = int(distuv.NewCategorical(weights, s.src).Rand())
	}
	return out, nil
}
