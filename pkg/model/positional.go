package model

import (
	"fmt"
	"math"

	"decoderlm/pkg/tensor"
)

// Positional encoding variants.
const (
	// PositionalSinusoidal is the canonical encoding: feature 2k holds
	// sin(p·ω_k) and feature 2k+1 holds cos(p·ω_k), with ω_k = 10000^(-2k/d).
	PositionalSinusoidal = "sinusoidal"

	// PositionalLegacySine reproduces weights trained with the sine-only
	// formula: the first ceil(d/2) features hold sin(p / 10000^(i/d)) for
	// even i, followed by sin(p / 10000^(i/d)) for odd i.
	PositionalLegacySine = "legacy-sine"
)

// PositionalEncoder adds a fixed position-dependent signal to embeddings.
//
// The table is precomputed for every supported position at construction
// and only read afterwards, so one encoder can serve concurrent calls.
type PositionalEncoder struct {
	DModel       int
	NumPositions int
	Kind         string
	table        []float32 // (num_positions, dmodel)
}

// NewPositionalEncoder precomputes the encoding table for numPositions
// positions. An empty kind selects PositionalSinusoidal.
func NewPositionalEncoder(dModel, numPositions int, kind string) (*PositionalEncoder, error) {
	if dModel <= 0 || numPositions <= 0 {
		return nil, fmt.Errorf("%w: positional encoder needs positive dmodel and num_positions, got %d and %d",
			ErrConfiguration, dModel, numPositions)
	}
	if kind == "" {
		kind = PositionalSinusoidal
	}

	table := make([]float32, numPositions*dModel)
	switch kind {
	case PositionalSinusoidal:
		for pos := 0; pos < numPositions; pos++ {
			row := table[pos*dModel : (pos+1)*dModel]
			for i := range row {
				angle := float64(pos) / math.Pow(10000, float64(i&^1)/float64(dModel))
				if i%2 == 0 {
					row[i] = float32(math.Sin(angle))
				} else {
					row[i] = float32(math.Cos(angle))
				}
			}
		}
	case PositionalLegacySine:
		half := (dModel + 1) / 2
		for pos := 0; pos < numPositions; pos++ {
			row := table[pos*dModel : (pos+1)*dModel]
			for i := 0; i < dModel; i++ {
				col := i / 2
				if i%2 == 1 {
					col = half + i/2
				}
				row[col] = float32(math.Sin(float64(pos) / math.Pow(10000, float64(i)/float64(dModel))))
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown positional encoding %q", ErrConfiguration, kind)
	}

	return &PositionalEncoder{
		DModel:       dModel,
		NumPositions: numPositions,
		Kind:         kind,
		table:        table,
	}, nil
}

// Encoding returns the (length, dmodel) encoding for positions
// [offset, offset+length).
func (p *PositionalEncoder) Encoding(offset, length int) (*tensor.Tensor, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid position range [%d, %d)", offset, offset+length)
	}
	if offset+length > p.NumPositions {
		return nil, fmt.Errorf("%w: sequence reaches position %d, maximum is %d",
			ErrSequenceLength, offset+length, p.NumPositions)
	}
	return tensor.FromSlice(p.table[offset*p.DModel:(offset+length)*p.DModel], []int{length, p.DModel})
}

// Forward adds the encoding of positions [0, seq) to x (batch, seq, dmodel).
func (p *PositionalEncoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return p.ForwardAt(x, 0)
}

// ForwardAt adds the encoding of positions [offset, offset+seq) to x, for
// incremental decoding where x holds only the newest positions.
func (p *PositionalEncoder) ForwardAt(x *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != p.DModel {
		return nil, fmt.Errorf("expected 3D input (batch, seq, %d), got shape %v", p.DModel, x.Shape)
	}
	enc, err := p.Encoding(offset, x.Shape[1])
	if err != nil {
		return nil, err
	}
	return tensor.Add(x, enc)
}
