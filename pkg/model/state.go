package model

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"decoderlm/pkg/model/attention"
	"decoderlm/pkg/tensor"
)

// Parameters returns every weight of the model keyed by component name,
// e.g. "embedding.weight", "decoder.0.attention.linear_q.weight",
// "decoder.0.feedforward.linear1.bias", "decoder.0.norm1.weight",
// "classifier.bias". The tensors are the model's own; writing to them
// changes the model.
func (m *SequenceModel) Parameters() map[string]*tensor.Tensor {
	params := map[string]*tensor.Tensor{
		"embedding.weight":  m.Embedding.Weight,
		"classifier.weight": m.Classifier.Weight,
		"classifier.bias":   m.Classifier.Bias,
	}
	for i, layer := range m.Decoder.Layers {
		layerParameters(params, fmt.Sprintf("decoder.%d.", i), layer)
	}
	return params
}

// NumParameters returns the total number of scalar weights.
func (m *SequenceModel) NumParameters() int {
	return lo.SumBy(lo.Values(m.Parameters()), func(t *tensor.Tensor) int { return len(t.Data) })
}

// ParameterNames returns the keys of params in a stable order.
func ParameterNames(params map[string]*tensor.Tensor) []string {
	names := lo.Keys(params)
	slices.Sort(names)
	return names
}

func layerParameters(params map[string]*tensor.Tensor, prefix string, layer Layer) {
	l, ok := layer.(*attention.DecoderLayer)
	if !ok {
		return
	}
	attn := l.Attn
	for name, t := range map[string]*tensor.Tensor{
		"attention.linear_q.weight": attn.WQuery,
		"attention.linear_q.bias":   attn.BQuery,
		"attention.linear_k.weight": attn.WKey,
		"attention.linear_k.bias":   attn.BKey,
		"attention.linear_v.weight": attn.WValue,
		"attention.linear_v.bias":   attn.BValue,
		"attention.linear_o.weight": attn.WOut,
		"attention.linear_o.bias":   attn.BOut,
	} {
		params[prefix+name] = t
	}
	if ff, ok := l.FF.(*FeedForward); ok {
		params[prefix+"feedforward.linear1.weight"] = ff.Linear1.Weight
		params[prefix+"feedforward.linear1.bias"] = ff.Linear1.Bias
		params[prefix+"feedforward.linear2.weight"] = ff.Linear2.Weight
		params[prefix+"feedforward.linear2.bias"] = ff.Linear2.Bias
	}
	for name, norm := range map[string]attention.Normalizer{"norm1": l.Norm1, "norm2": l.Norm2} {
		if ln, ok := norm.(*LayerNorm); ok {
			params[prefix+name+".weight"] = ln.Scale
			params[prefix+name+".bias"] = ln.Shift
		}
	}
}
