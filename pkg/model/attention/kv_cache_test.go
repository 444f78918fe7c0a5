package attention

import (
	"testing"

	"decoderlm/pkg/tensor"
)

// TestNewKVCache_Preallocation verifies that the cache is allocated up front
// and starts empty.
func TestNewKVCache_Preallocation(t *testing.T) {
	cache := NewKVCache(8, 100, 16)

	if cache.CurrentPos != 0 {
		t.Errorf("Expected CurrentPos=0, got %d", cache.CurrentPos)
	}
	if cache.MaxLength != 100 {
		t.Errorf("Expected MaxLength=100, got %d", cache.MaxLength)
	}
	expectedShape := []int{8, 100, 16}
	for i, dim := range expectedShape {
		if cache.K.Shape[i] != dim || cache.V.Shape[i] != dim {
			t.Errorf("shape[%d] mismatch: expected %d, got K=%v V=%v", i, dim, cache.K.Shape, cache.V.Shape)
		}
	}
	if cache.SizeBytes() != 2*8*100*16*4 {
		t.Errorf("Unexpected cache size %d", cache.SizeBytes())
	}

	k, v, seqLen := cache.KV()
	if seqLen != 0 || k.Shape[1] != 0 || v.Shape[1] != 0 {
		t.Errorf("Expected empty cache, got seqLen=%d K=%v V=%v", seqLen, k.Shape, v.Shape)
	}
}

// TestUpdate_AppendTokens appends one token at a time and checks that earlier
// positions are preserved.
func TestUpdate_AppendTokens(t *testing.T) {
	const rows, headDim = 2, 4
	cache := NewKVCache(rows, 10, headDim)

	for step := 0; step < 3; step++ {
		newK := tensor.NewTensor([]int{rows, 1, headDim})
		newV := tensor.NewTensor([]int{rows, 1, headDim})
		for r := 0; r < rows; r++ {
			for d := 0; d < headDim; d++ {
				newK.Set(float32(step*100+r*10+d), r, 0, d)
				newV.Set(float32(step*1000+r*100+d), r, 0, d)
			}
		}

		k, v, err := cache.Update(newK, newV)
		if err != nil {
			t.Fatalf("Update at step %d failed: %v", step, err)
		}
		if cache.CurrentPos != step+1 || k.Shape[1] != step+1 {
			t.Fatalf("After step %d: CurrentPos=%d, cached shape %v", step, cache.CurrentPos, k.Shape)
		}

		for prev := 0; prev <= step; prev++ {
			for r := 0; r < rows; r++ {
				for d := 0; d < headDim; d++ {
					if got, want := k.Get(r, prev, d), float32(prev*100+r*10+d); got != want {
						t.Errorf("step %d: K[%d,%d,%d] = %v, expected %v", step, r, prev, d, got, want)
					}
					if got, want := v.Get(r, prev, d), float32(prev*1000+r*100+d); got != want {
						t.Errorf("step %d: V[%d,%d,%d] = %v, expected %v", step, r, prev, d, got, want)
					}
				}
			}
		}
	}
}

// TestUpdate_CacheOverflow verifies that exceeding MaxLength fails and leaves
// the cache untouched.
func TestUpdate_CacheOverflow(t *testing.T) {
	cache := NewKVCache(1, 3, 2)
	block := tensor.NewTensor([]int{1, 3, 2})
	if _, _, err := cache.Update(block, block); err != nil {
		t.Fatalf("Filling the cache failed: %v", err)
	}

	one := tensor.NewTensor([]int{1, 1, 2})
	if _, _, err := cache.Update(one, one); err == nil {
		t.Error("Expected error for cache overflow, got nil")
	}
	if cache.CurrentPos != 3 {
		t.Errorf("Expected CurrentPos=3 after failed update, got %d", cache.CurrentPos)
	}
}

func TestUpdate_ShapeMismatch(t *testing.T) {
	cache := NewKVCache(2, 4, 3)
	tests := []struct {
		name string
		k, v *tensor.Tensor
	}{
		{"wrong rank", tensor.NewTensor([]int{2, 1, 1, 3}), tensor.NewTensor([]int{2, 1, 1, 3})},
		{"wrong rows", tensor.NewTensor([]int{3, 1, 3}), tensor.NewTensor([]int{3, 1, 3})},
		{"wrong head dim", tensor.NewTensor([]int{2, 1, 4}), tensor.NewTensor([]int{2, 1, 4})},
		{"k and v differ", tensor.NewTensor([]int{2, 1, 3}), tensor.NewTensor([]int{2, 2, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := cache.Update(tt.k, tt.v); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}
