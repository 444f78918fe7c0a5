// Package tensor provides the dense float32 tensor engine used by the decoder.
//
// Tensors are contiguous and row-major. Operations never mutate their inputs
// and return freshly allocated results unless documented as views.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, seq, dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, numElements(shape)),
		Shape:   copyShape(shape),
		Strides: contiguousStrides(shape),
	}
}

// Full creates a tensor of the given shape with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if n := numElements(shape); len(data) != n {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, n)
	}
	t := NewTensor(shape)
	copy(t.Data, data)
	return t, nil
}

// View returns a tensor with a different shape sharing the same underlying data.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	if err := checkShape(newShape); err != nil {
		return nil, err
	}
	if n := numElements(newShape); n != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, n)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: contiguousStrides(newShape),
	}, nil
}

// Reshape is View for callers that know the element count is preserved.
// It panics otherwise.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	v, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return v
}

// Permute returns a copy of t with its axes reordered: result axis i is
// input axis axes[i]. This is a real data movement, not a reinterpretation
// of the flat buffer.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	rank := len(t.Shape)
	if len(axes) != rank {
		return nil, fmt.Errorf("permute expects %d axes, got %v", rank, axes)
	}
	seen := make([]bool, rank)
	newShape := make([]int, rank)
	srcStrides := make([]int, rank)
	for i, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			return nil, fmt.Errorf("invalid permutation %v for tensor with %d dimensions", axes, rank)
		}
		seen[a] = true
		newShape[i] = t.Shape[a]
		srcStrides[i] = t.Strides[a]
	}

	result := NewTensor(newShape)
	if len(result.Data) == 0 {
		return result, nil
	}

	// Walk the destination in order, carrying the matching source offset.
	idx := make([]int, rank)
	src := 0
	for dst := range result.Data {
		result.Data[dst] = t.Data[src]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			src += srcStrides[d]
			if idx[d] < newShape[d] {
				break
			}
			src -= srcStrides[d] * newShape[d]
			idx[d] = 0
		}
	}
	return result, nil
}

// Transpose exchanges two dimensions of the tensor.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	rank := len(t.Shape)
	if dim1 < 0 || dim1 >= rank || dim2 < 0 || dim2 >= rank {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, rank)
	}
	axes := make([]int, rank)
	for i := range axes {
		axes[i] = i
	}
	axes[dim1], axes[dim2] = axes[dim2], axes[dim1]
	return t.Permute(axes...)
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				v, i, t.Shape[i]))
		}
		idx += v * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices ...int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape)
	copy(c.Data, t.Data)
	return c
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return sameShape(t.Shape, other.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// Narrow returns a copy of the slice [start, start+length) along dim.
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}
	if start < 0 || length < 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("invalid narrow range [%d, %d) for dimension %d with size %d",
			start, start+length, dim, t.Shape[dim])
	}
	outer, axis, inner := splitAt(t.Shape, dim)
	newShape := copyShape(t.Shape)
	newShape[dim] = length
	result := NewTensor(newShape)
	for o := 0; o < outer; o++ {
		src := (o*axis + start) * inner
		dst := o * length * inner
		copy(result.Data[dst:dst+length*inner], t.Data[src:src+length*inner])
	}
	return result, nil
}

// Repeat tiles the tensor times along its leading axis, so an input of
// shape [b, ...] becomes [times*b, ...] made of times consecutive copies.
func (t *Tensor) Repeat(times int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot repeat a scalar tensor")
	}
	if times <= 0 {
		return nil, fmt.Errorf("repeat count must be positive, got %d", times)
	}
	newShape := copyShape(t.Shape)
	newShape[0] *= times
	result := NewTensor(newShape)
	n := len(t.Data)
	for r := 0; r < times; r++ {
		copy(result.Data[r*n:(r+1)*n], t.Data)
	}
	return result, nil
}

// RepeatEach repeats every leading-axis slice times in a row, so an input
// [x0, x1] becomes [x0, x0, ..., x1, x1, ...] with shape [b*times, ...].
func (t *Tensor) RepeatEach(times int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot repeat a scalar tensor")
	}
	if times <= 0 {
		return nil, fmt.Errorf("repeat count must be positive, got %d", times)
	}
	newShape := copyShape(t.Shape)
	newShape[0] *= times
	result := NewTensor(newShape)
	slice := numElements(t.Shape[1:])
	for b := 0; b < t.Shape[0]; b++ {
		src := t.Data[b*slice : (b+1)*slice]
		for r := 0; r < times; r++ {
			dst := (b*times + r) * slice
			copy(result.Data[dst:dst+slice], src)
		}
	}
	return result, nil
}

// Concatenate concatenates tensors along a dimension.
func Concatenate(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate empty list of tensors")
	}
	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(first.Shape))
	}

	outShape := copyShape(first.Shape)
	outShape[dim] = 0
	for i, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensor %d has %d dimensions, expected %d", i, len(t.Shape), len(first.Shape))
		}
		for j := range t.Shape {
			if j != dim && t.Shape[j] != first.Shape[j] {
				return nil, fmt.Errorf("tensor %d has shape %v, incompatible with %v at dimension %d",
					i, t.Shape, first.Shape, j)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	result := NewTensor(outShape)
	outer, _, inner := splitAt(outShape, dim)
	dst := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			chunk := t.Shape[dim] * inner
			copy(result.Data[dst:dst+chunk], t.Data[o*chunk:(o+1)*chunk])
			dst += chunk
		}
	}
	return result, nil
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor")
	sb.WriteString(t.ShapeString())
	if len(t.Data) == 0 {
		sb.WriteString(": []")
		return sb.String()
	}
	sb.WriteString(": ")
	sb.WriteString(formatData(t.Shape, t.Data, 0))
	return sb.String()
}

// formatData recursively formats tensor data, eliding long axes.
func formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}
	limit := 3
	if len(shape) == 1 {
		limit = 6
	}
	sub := numElements(shape[1:])

	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < shape[0] && i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(shape) == 1 {
			sb.WriteString(fmt.Sprintf("%g", data[offset+i]))
		} else {
			sb.WriteString(formatData(shape[1:], data, offset+i*sub))
		}
	}
	if shape[0] > limit {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// splitAt returns the products of dimensions before dim, at dim and after dim.
func splitAt(shape []int, dim int) (outer, axis, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func checkShape(shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	return nil
}

func numElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
