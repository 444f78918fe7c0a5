package tensor

import (
	"math"
	"testing"
)

func TestReLU(t *testing.T) {
	x, _ := FromSlice([]float32{-2, -0.5, 0, 0.5, 2}, []int{5})
	got := x.ReLU()
	expected := []float32{0, 0, 0, 0.5, 2}
	for i, v := range expected {
		if got.Data[i] != v {
			t.Errorf("Index %d: expected %v, got %v", i, v, got.Data[i])
		}
	}
	if x.Data[0] != -2 {
		t.Error("ReLU must not modify its input")
	}
}

func TestGELU(t *testing.T) {
	tests := []struct {
		in, want float32
	}{
		{0, 0},
		{1, 0.8411920},
		{-1, -0.1588080},
		{10, 10},
		{-10, 0},
	}
	for _, tt := range tests {
		x, _ := FromSlice([]float32{tt.in}, []int{1})
		got := x.GELU().Data[0]
		if math.Abs(float64(got-tt.want)) > 1e-4 {
			t.Errorf("GELU(%v) = %v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestActivate(t *testing.T) {
	x, _ := FromSlice([]float32{-1, 1}, []int{2})
	for _, name := range []string{"", ActivationReLU, ActivationGELU} {
		if _, err := Activate(x, name); err != nil {
			t.Errorf("Activate(%q) failed: %v", name, err)
		}
	}
	if _, err := Activate(x, "swish"); err == nil {
		t.Error("Expected error for unknown activation")
	}
}

func BenchmarkGELU(b *testing.B) {
	x := NewTensor([]int{1, 128, 3072})
	for i := range x.Data {
		x.Data[i] = float32(i%100)*0.02 - 1
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = x.GELU()
	}
}
