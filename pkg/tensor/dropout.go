package tensor

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Mode carries the execution settings of a single forward call.
//
// Inference mode disables dropout. Training mode draws dropout masks from
// Rand, which is owned by the caller for the duration of the call and must
// not be shared between concurrent calls.
type Mode struct {
	Training bool
	Rand     *rand.Rand
}

// Inference returns the mode used for scoring and generation.
func Inference() Mode {
	return Mode{}
}

// Training returns a training mode whose dropout masks are seeded with seed.
func Training(seed uint64) Mode {
	return Mode{Training: true, Rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Dropout randomly zeros out elements with probability p in training mode
// and rescales survivors by 1/(1-p). In inference mode it returns t itself.
func (t *Tensor) Dropout(p float32, mode Mode) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	if !mode.Training || p == 0 {
		return t, nil
	}

	rng := mode.Rand
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1))
	}

	result := NewTensor(t.Shape)
	scale := 1 / (1 - p)
	for i, v := range t.Data {
		if rng.Float32() >= p {
			result.Data[i] = v * scale
		}
	}
	return result, nil
}
