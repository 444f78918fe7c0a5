package attention

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"decoderlm/pkg/tensor"
)

func fillRandom(t *tensor.Tensor, rng *rand.Rand, scale float32) {
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

func randomAttention(t *testing.T, dModel, numHeads int, seed uint64) *MultiHeadAttention {
	t.Helper()
	attn, err := NewMultiHeadAttention(dModel, numHeads)
	if err != nil {
		t.Fatalf("NewMultiHeadAttention failed: %v", err)
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for _, w := range []*tensor.Tensor{attn.WQuery, attn.WKey, attn.WValue, attn.WOut,
		attn.BQuery, attn.BKey, attn.BValue, attn.BOut} {
		fillRandom(w, rng, 0.5)
	}
	return attn
}

func TestScaledDotProductAttention_RowSums(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	q := tensor.NewTensor([]int{2, 3, 4})
	k := tensor.NewTensor([]int{2, 3, 4})
	v := tensor.NewTensor([]int{2, 3, 5})
	fillRandom(q, rng, 1)
	fillRandom(k, rng, 1)
	fillRandom(v, rng, 1)

	// Example 1 has a query row with no allowed key.
	mask, err := tensor.FromSlice([]float32{
		1, 0, 0,
		1, 1, 0,
		1, 1, 1,

		1, 1, 0,
		0, 0, 0,
		0, 1, 1,
	}, []int{2, 3, 3})
	if err != nil {
		t.Fatal(err)
	}

	out, weights, err := ScaledDotProductAttention(q, k, v, mask)
	if err != nil {
		t.Fatalf("ScaledDotProductAttention failed: %v", err)
	}
	if !shapeEquals(out.Shape, []int{2, 3, 5}) || !shapeEquals(weights.Shape, []int{2, 3, 3}) {
		t.Fatalf("Unexpected shapes: output %v, weights %v", out.Shape, weights.Shape)
	}

	for b := 0; b < 2; b++ {
		for i := 0; i < 3; i++ {
			var sum float64
			allowed := false
			for j := 0; j < 3; j++ {
				w := weights.Get(b, i, j)
				if mask.Get(b, i, j) == 0 && w != 0 {
					t.Errorf("weight[%d,%d,%d] = %v at a masked position", b, i, j, w)
				}
				if mask.Get(b, i, j) != 0 {
					allowed = true
				}
				sum += float64(w)
			}
			if allowed && math.Abs(sum-1) > 1e-5 {
				t.Errorf("row (%d,%d) sums to %v, expected 1", b, i, sum)
			}
			if !allowed && sum != 0 {
				t.Errorf("fully masked row (%d,%d) sums to %v, expected 0", b, i, sum)
			}
		}
	}

	// A fully masked row contributes an all-zero output.
	for d := 0; d < 5; d++ {
		if got := out.Get(1, 1, d); got != 0 {
			t.Errorf("output[1,1,%d] = %v, expected 0", d, got)
		}
	}
}

func TestScaledDotProductAttention_ScalesByHeadDim(t *testing.T) {
	// Two keys whose scores differ by 4 before scaling; with d=4 the
	// scaled difference is 2.
	q, _ := tensor.FromSlice([]float32{1, 1, 1, 1}, []int{1, 4})
	k, _ := tensor.FromSlice([]float32{
		1, 1, 1, 1,
		0, 0, 0, 0,
	}, []int{2, 4})
	v, _ := tensor.FromSlice([]float32{1, 0}, []int{2, 1})

	_, weights, err := ScaledDotProductAttention(q, k, v, nil)
	if err != nil {
		t.Fatalf("ScaledDotProductAttention failed: %v", err)
	}
	want := float32(1 / (1 + math.Exp(-2)))
	if math.Abs(float64(weights.Data[0]-want)) > 1e-6 {
		t.Errorf("weight = %v, expected %v", weights.Data[0], want)
	}
}

func TestNewMultiHeadAttention_Divisibility(t *testing.T) {
	tests := []struct {
		dModel, heads int
		wantErr       bool
	}{
		{10, 3, true},
		{12, 3, false},
		{8, 8, false},
		{0, 1, true},
		{8, 0, true},
	}
	for _, tt := range tests {
		attn, err := NewMultiHeadAttention(tt.dModel, tt.heads)
		if tt.wantErr {
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("dmodel=%d heads=%d: expected ErrConfiguration, got %v", tt.dModel, tt.heads, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("dmodel=%d heads=%d: unexpected error %v", tt.dModel, tt.heads, err)
			continue
		}
		if attn.HeadDim*attn.NumHeads != tt.dModel {
			t.Errorf("HeadDim %d * NumHeads %d != %d", attn.HeadDim, attn.NumHeads, tt.dModel)
		}
	}
}

func TestReshape_RoundTrip(t *testing.T) {
	attn, err := NewMultiHeadAttention(12, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, shape := range [][]int{{1, 1, 12}, {2, 5, 12}, {3, 0, 12}} {
		x := tensor.NewTensor(shape)
		for i := range x.Data {
			x.Data[i] = float32(i)
		}
		folded, err := attn.reshapeToBatches(x)
		if err != nil {
			t.Fatalf("reshapeToBatches(%v) failed: %v", shape, err)
		}
		if !shapeEquals(folded.Shape, []int{shape[0] * 3, shape[1], 4}) {
			t.Errorf("folded shape %v for input %v", folded.Shape, shape)
		}
		back, err := attn.reshapeFromBatches(folded)
		if err != nil {
			t.Fatalf("reshapeFromBatches failed: %v", err)
		}
		if !back.Equals(x, 0) {
			t.Errorf("round trip of %v did not recover the input", shape)
		}
	}
}

// TestReshape_HeadLayout checks that heads are split from the feature axis
// and folded example-major, not reinterpreted from the flat buffer.
func TestReshape_HeadLayout(t *testing.T) {
	const batch, seq, heads, sub = 2, 3, 2, 2
	attn, err := NewMultiHeadAttention(heads*sub, heads)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewTensor([]int{batch, seq, heads * sub})
	for b := 0; b < batch; b++ {
		for l := 0; l < seq; l++ {
			for f := 0; f < heads*sub; f++ {
				x.Set(float32(b*100+l*10+f), b, l, f)
			}
		}
	}
	folded, err := attn.reshapeToBatches(x)
	if err != nil {
		t.Fatal(err)
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for l := 0; l < seq; l++ {
				for s := 0; s < sub; s++ {
					want := x.Get(b, l, h*sub+s)
					if got := folded.Get(b*heads+h, l, s); got != want {
						t.Errorf("folded[%d,%d,%d] = %v, expected %v", b*heads+h, l, s, got, want)
					}
				}
			}
		}
	}
}

// TestMultiHeadAttention_CausalPadding runs a single example with five real
// tokens padded to seven.
func TestMultiHeadAttention_CausalPadding(t *testing.T) {
	attn := randomAttention(t, 8, 2, 7)
	x := tensor.NewTensor([]int{1, 7, 8})
	fillRandom(x, rand.New(rand.NewPCG(3, 4)), 1)

	mask, err := PaddedSelfAttentionMask([]int{5}, 7, true)
	if err != nil {
		t.Fatal(err)
	}
	out, align, err := attn.Forward(x, x, x, mask)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !shapeEquals(out.Shape, []int{1, 7, 8}) || !shapeEquals(align.Shape, []int{1, 2, 7, 7}) {
		t.Fatalf("Unexpected shapes: output %v, alignments %v", out.Shape, align.Shape)
	}

	for h := 0; h < 2; h++ {
		if w := align.Get(0, h, 0, 0); math.Abs(float64(w)-1) > 1e-5 {
			t.Errorf("head %d: position 0 weight on key 0 = %v, expected 1", h, w)
		}
		for j := 1; j < 7; j++ {
			if w := align.Get(0, h, 0, j); w != 0 {
				t.Errorf("head %d: position 0 attends to key %d with %v", h, j, w)
			}
		}
		var sum float32
		for j := 0; j < 7; j++ {
			w := align.Get(0, h, 4, j)
			if j >= 5 && w != 0 {
				t.Errorf("head %d: position 4 attends to padding key %d with %v", h, j, w)
			}
			sum += w
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("head %d: position 4 weights sum to %v", h, sum)
		}
		for i := 5; i < 7; i++ {
			for j := 0; j < 7; j++ {
				if w := align.Get(0, h, i, j); w != 0 {
					t.Errorf("head %d: padding position %d has weight %v on key %d", h, i, w, j)
				}
			}
		}
	}
}

// TestMultiHeadAttention_BatchMaskCorrespondence gives two examples different
// lengths: every head of each example must see that example's mask.
func TestMultiHeadAttention_BatchMaskCorrespondence(t *testing.T) {
	attn := randomAttention(t, 8, 4, 11)
	x := tensor.NewTensor([]int{2, 4, 8})
	fillRandom(x, rand.New(rand.NewPCG(5, 6)), 1)

	validLength := []int{2, 4}
	mask, err := SelfAttentionMask(validLength, true)
	if err != nil {
		t.Fatal(err)
	}
	_, align, err := attn.Forward(x, x, x, mask)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for b, n := range validLength {
		for h := 0; h < 4; h++ {
			for i := 0; i < 4; i++ {
				for j := 0; j < 4; j++ {
					w := align.Get(b, h, i, j)
					forbidden := i >= n || j >= n || j > i
					if forbidden && w != 0 {
						t.Errorf("example %d head %d: weight[%d,%d] = %v at a forbidden pair", b, h, i, j, w)
					}
					if !forbidden && w == 0 {
						t.Errorf("example %d head %d: weight[%d,%d] is 0 at an allowed pair", b, h, i, j)
					}
				}
			}
		}
	}
}

func TestMultiHeadAttention_ShapeValidation(t *testing.T) {
	attn := randomAttention(t, 8, 2, 1)
	tests := []struct {
		name    string
		q, k, v *tensor.Tensor
		mask    *tensor.Tensor
	}{
		{"2D input", tensor.NewTensor([]int{4, 8}), tensor.NewTensor([]int{4, 8}), tensor.NewTensor([]int{4, 8}), nil},
		{"wrong width", tensor.NewTensor([]int{1, 4, 6}), tensor.NewTensor([]int{1, 4, 6}), tensor.NewTensor([]int{1, 4, 6}), nil},
		{"key value length differ", tensor.NewTensor([]int{1, 4, 8}), tensor.NewTensor([]int{1, 3, 8}), tensor.NewTensor([]int{1, 4, 8}), nil},
		{"mask batch mismatch", tensor.NewTensor([]int{2, 3, 8}), tensor.NewTensor([]int{2, 3, 8}), tensor.NewTensor([]int{2, 3, 8}), tensor.NewTensor([]int{1, 3, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := attn.Forward(tt.q, tt.k, tt.v, tt.mask); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

// TestForwardCached_MatchesFullForward feeds a sequence one position at a time
// through the cache and compares with a single causal pass.
func TestForwardCached_MatchesFullForward(t *testing.T) {
	const batch, seq, dModel = 2, 5, 8
	attn := randomAttention(t, dModel, 2, 21)
	x := tensor.NewTensor([]int{batch, seq, dModel})
	fillRandom(x, rand.New(rand.NewPCG(8, 9)), 1)

	mask, err := CausalMaskLike(x)
	if err != nil {
		t.Fatal(err)
	}
	full, _, err := attn.Forward(x, x, x, mask)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	cache := attn.NewCache(batch, seq)
	for pos := 0; pos < seq; pos++ {
		step, err := x.Narrow(1, pos, 1)
		if err != nil {
			t.Fatal(err)
		}
		out, err := attn.ForwardCached(step, cache)
		if err != nil {
			t.Fatalf("ForwardCached at %d failed: %v", pos, err)
		}
		for b := 0; b < batch; b++ {
			for d := 0; d < dModel; d++ {
				got, want := out.Get(b, 0, d), full.Get(b, pos, d)
				if math.Abs(float64(got-want)) > 1e-4 {
					t.Errorf("pos %d: cached[%d,%d] = %v, full = %v", pos, b, d, got, want)
				}
			}
		}
	}
	if cache.CurrentPos != seq {
		t.Errorf("cache holds %d positions, expected %d", cache.CurrentPos, seq)
	}
}

type identityNorm struct{}

func (identityNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

// widthRecorder returns zeros and remembers the width it was fed.
type widthRecorder struct{ width int }

func (w *widthRecorder) Forward(x *tensor.Tensor, _ tensor.Mode) (*tensor.Tensor, error) {
	w.width = x.Shape[len(x.Shape)-1]
	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = 8
	return tensor.NewTensor(shape), nil
}

func TestDecoderLayer_Conditioning(t *testing.T) {
	attn := randomAttention(t, 8, 2, 31)
	ff := &widthRecorder{}
	layer := NewDecoderLayer(attn, ff, identityNorm{}, identityNorm{}, 0.1)

	x := tensor.NewTensor([]int{2, 3, 8})
	fillRandom(x, rand.New(rand.NewPCG(1, 1)), 1)
	mask, err := SelfAttentionMask([]int{3, 2}, true)
	if err != nil {
		t.Fatal(err)
	}

	hidden, align, err := layer.Forward(x, mask, nil, tensor.Inference())
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if ff.width != 8 {
		t.Errorf("feed-forward saw width %d without conditioning, expected 8", ff.width)
	}
	if !shapeEquals(hidden.Shape, x.Shape) || !shapeEquals(align.Shape, []int{2, 2, 3, 3}) {
		t.Errorf("Unexpected shapes: hidden %v, alignments %v", hidden.Shape, align.Shape)
	}

	cond, _ := tensor.FromSlice([]float32{0.5, -1, 2, 3}, []int{2, 2})
	if _, _, err := layer.Forward(x, mask, cond, tensor.Inference()); err != nil {
		t.Fatalf("Forward with conditioning failed: %v", err)
	}
	if ff.width != 10 {
		t.Errorf("feed-forward saw width %d with conditioning, expected 10", ff.width)
	}

	bad := tensor.NewTensor([]int{3, 2})
	if _, _, err := layer.Forward(x, mask, bad, tensor.Inference()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for mismatched conditioning, got %v", err)
	}
}

func TestConcatConditioning(t *testing.T) {
	x := tensor.Full([]int{2, 2, 1}, 9)
	cond, _ := tensor.FromSlice([]float32{1, 2}, []int{2, 1})
	out, err := ConcatConditioning(x, cond)
	if err != nil {
		t.Fatalf("ConcatConditioning failed: %v", err)
	}
	want := []float32{9, 1, 9, 1, 9, 2, 9, 2}
	for i, w := range want {
		if out.Data[i] != w {
			t.Fatalf("data = %v, expected %v", out.Data, want)
		}
	}
}

func BenchmarkMultiHeadAttention(b *testing.B) {
	attn, err := NewMultiHeadAttention(256, 8)
	if err != nil {
		b.Fatal(err)
	}
	rng := rand.New(rand.NewPCG(1, 2))
	fillRandom(attn.WQuery, rng, 0.1)
	fillRandom(attn.WKey, rng, 0.1)
	fillRandom(attn.WValue, rng, 0.1)
	fillRandom(attn.WOut, rng, 0.1)

	x := tensor.NewTensor([]int{4, 128, 256})
	fillRandom(x, rng, 1)
	mask, err := CausalMaskLike(x)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := attn.Forward(x, x, x, mask); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSelfAttentionMask(b *testing.B) {
	validLength := []int{512, 300, 128, 511}
	for i := 0; i < b.N; i++ {
		if _, err := SelfAttentionMask(validLength, true); err != nil {
			b.Fatal(err)
		}
	}
}
