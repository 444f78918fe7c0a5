package model

import (
	"fmt"

	"decoderlm/pkg/tensor"
)

// Embedding maps token ids to dense vectors.
type Embedding struct {
	Weight *tensor.Tensor // (vocab_size, dmodel)
}

// NewEmbedding creates a zero-initialised embedding table.
func NewEmbedding(vocabSize, dim int) *Embedding {
	return &Embedding{Weight: tensor.NewTensor([]int{vocabSize, dim})}
}

// Lookup gathers the rows for a rectangular batch of ids.
//
// ids: (batch, seq)
// output: (batch, seq, dmodel)
func (e *Embedding) Lookup(ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty batch of token ids", ErrConfiguration)
	}
	vocabSize, dim := e.Weight.Shape[0], e.Weight.Shape[1]
	batchSize, seqLen := len(ids), len(ids[0])

	output := tensor.NewTensor([]int{batchSize, seqLen, dim})
	for b, row := range ids {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: token rows must share one length, row %d has %d, expected %d",
				ErrConfiguration, b, len(row), seqLen)
		}
		for s, id := range row {
			if id < 0 || id >= vocabSize {
				return nil, fmt.Errorf("invalid token ID %d at position (%d, %d), vocab size is %d",
					id, b, s, vocabSize)
			}
			dst := (b*seqLen + s) * dim
			copy(output.Data[dst:dst+dim], e.Weight.Data[id*dim:(id+1)*dim])
		}
	}
	return output, nil
}
