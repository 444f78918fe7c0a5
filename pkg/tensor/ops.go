package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul performs matrix multiplication on the last two dimensions.
//
// Supported forms:
//   - (m, n) @ (n, p) -> (m, p)
//   - (..., m, n) @ (n, p) -> (..., m, p), the right operand is shared
//   - (..., m, n) @ (..., n, p) -> (..., m, p) with identical leading dims
func Matmul(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, false)
}

// MatmulTransposed computes a @ bᵀ over the last two dimensions without
// materializing the transpose: (..., m, n) @ (..., p, n)ᵀ -> (..., m, p).
func MatmulTransposed(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, true)
}

func matmul(a, b *Tensor, transB bool) (*Tensor, error) {
	ra, rb := len(a.Shape), len(b.Shape)
	if ra < 2 || rb < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD", ra, rb)
	}

	m, n := a.Shape[ra-2], a.Shape[ra-1]
	kb, p := b.Shape[rb-2], b.Shape[rb-1]
	tB := blas.NoTrans
	if transB {
		kb, p = p, kb
		tB = blas.Trans
	}
	if n != kb {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, kb)
	}

	batchDims := a.Shape[:ra-2]
	if rb > 2 && !sameShape(batchDims, b.Shape[:rb-2]) {
		return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
	}

	outShape := append(copyShape(batchDims), m, p)
	result := NewTensor(outShape)
	if m == 0 || n == 0 || p == 0 {
		return result, nil
	}

	bMat := blas32.General{Rows: b.Shape[rb-2], Cols: b.Shape[rb-1], Stride: b.Shape[rb-1]}

	if rb == 2 {
		// Shared right operand: fold every leading dim into the row axis.
		rows := len(a.Data) / n
		bMat.Data = b.Data
		parallelFor(rows, n*p, func(start, end int) {
			if start == end {
				return
			}
			aMat := blas32.General{Rows: end - start, Cols: n, Stride: n, Data: a.Data[start*n : end*n]}
			cMat := blas32.General{Rows: end - start, Cols: p, Stride: p, Data: result.Data[start*p : end*p]}
			blas32.Gemm(blas.NoTrans, tB, 1, aMat, bMat, 0, cMat)
		})
		return result, nil
	}

	batch := numElements(batchDims)
	bSize := n * p
	parallelFor(batch, m*n*p, func(start, end int) {
		for i := start; i < end; i++ {
			aMat := blas32.General{Rows: m, Cols: n, Stride: n, Data: a.Data[i*m*n : (i+1)*m*n]}
			bm := bMat
			bm.Data = b.Data[i*bSize : (i+1)*bSize]
			cMat := blas32.General{Rows: m, Cols: p, Stride: p, Data: result.Data[i*m*p : (i+1)*m*p]}
			blas32.Gemm(blas.NoTrans, tB, 1, aMat, bm, 0, cMat)
		}
	})
	return result, nil
}

// Affine computes x @ w + bias for x of shape (..., in), w of shape (in, out)
// and an optional bias of shape (out).
func Affine(x, w, bias *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("affine weight must be 2D, got shape %v", w.Shape)
	}
	if len(x.Shape) == 0 || x.Shape[len(x.Shape)-1] != w.Shape[0] {
		return nil, fmt.Errorf("affine input shape %v does not match weight shape %v", x.Shape, w.Shape)
	}

	// Flatten leading dims so the 2D Matmul path handles any rank.
	rows := numElements(x.Shape[:len(x.Shape)-1])
	flat, err := x.View([]int{rows, w.Shape[0]})
	if err != nil {
		return nil, err
	}
	y, err := Matmul(flat, w)
	if err != nil {
		return nil, err
	}

	out := w.Shape[1]
	if bias != nil {
		if len(bias.Shape) != 1 || bias.Shape[0] != out {
			return nil, fmt.Errorf("affine bias shape %v does not match output width %d", bias.Shape, out)
		}
		for r := 0; r < rows; r++ {
			row := y.Data[r*out : (r+1)*out]
			for j, b := range bias.Data {
				row[j] += b
			}
		}
	}

	outShape := copyShape(x.Shape)
	outShape[len(outShape)-1] = out
	return y.View(outShape)
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i, v := range t.Data {
		result.Data[i] = v * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWise(a, b, func(x, y float32) float32 { return x + y })
}

// Mul performs element-wise multiplication with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementWise(a, b, func(x, y float32) float32 { return x * y })
}

// MaskedFill returns a copy of t with value written wherever mask is zero.
// The mask must broadcast to t's shape.
func MaskedFill(t, mask *Tensor, value float32) (*Tensor, error) {
	return elementWise(t, mask, func(x, m float32) float32 {
		if m == 0 {
			return value
		}
		return x
	})
}

// elementWise applies op over the broadcast of a and b.
func elementWise(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}
	result := NewTensor(outShape)

	if sameShape(a.Shape, b.Shape) {
		for i := range result.Data {
			result.Data[i] = op(a.Data[i], b.Data[i])
		}
		return result, nil
	}

	as := broadcastStrides(a.Shape, outShape)
	bs := broadcastStrides(b.Shape, outShape)
	rank := len(outShape)
	idx := make([]int, rank)
	ai, bi := 0, 0
	for i := range result.Data {
		result.Data[i] = op(a.Data[ai], b.Data[bi])
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			ai += as[d]
			bi += bs[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= as[d] * outShape[d]
			bi -= bs[d] * outShape[d]
			idx[d] = 0
		}
	}
	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes.
func broadcastShapes(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	result := make([]int, rank)
	for i := 0; i < rank; i++ {
		dimA, dimB := 1, 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}
		switch {
		case dimA == dimB, dimB == 1:
			result[rank-1-i] = dimA
		case dimA == 1:
			result[rank-1-i] = dimB
		default:
			return nil, fmt.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}
	}
	return result, nil
}

// broadcastStrides returns per-output-axis strides into an input of shape in;
// broadcast axes get stride 0.
func broadcastStrides(in, out []int) []int {
	strides := make([]int, len(out))
	inStrides := contiguousStrides(in)
	diff := len(out) - len(in)
	for i := range in {
		if in[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// Softmax applies a numerically stable softmax along dim.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	return softmaxAlong(t, dim, false)
}

// SoftmaxLast applies softmax along the last dimension.
func SoftmaxLast(t *Tensor) *Tensor {
	result, err := Softmax(t, len(t.Shape)-1)
	if err != nil {
		panic(err)
	}
	return result
}

// LogSoftmax applies a numerically stable log-softmax along dim.
func LogSoftmax(t *Tensor, dim int) (*Tensor, error) {
	return softmaxAlong(t, dim, true)
}

func softmaxAlong(t *Tensor, dim int, logSpace bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}
	result := NewTensor(t.Shape)
	outer, axis, inner := splitAt(t.Shape, dim)
	if axis == 0 {
		return result, nil
	}

	rows := outer * inner
	parallelFor(rows, 4*axis, func(start, end int) {
		for r := start; r < end; r++ {
			base := (r/inner)*axis*inner + r%inner

			maxVal := float32(math.Inf(-1))
			for i := 0; i < axis; i++ {
				maxVal = max(maxVal, t.Data[base+i*inner])
			}

			var sum float64
			for i := 0; i < axis; i++ {
				e := math.Exp(float64(t.Data[base+i*inner] - maxVal))
				result.Data[base+i*inner] = float32(e)
				sum += e
			}

			if logSpace {
				logSum := float32(math.Log(sum))
				for i := 0; i < axis; i++ {
					result.Data[base+i*inner] = t.Data[base+i*inner] - maxVal - logSum
				}
				continue
			}
			for i := 0; i < axis; i++ {
				result.Data[base+i*inner] = float32(float64(result.Data[base+i*inner]) / sum)
			}
		}
	})
	return result, nil
}

// MapRows applies fn to every row of the last axis of t, writing into a new
// tensor of the same shape. Rows are spread across workers; costPerElement
// is a rough count of scalar operations fn spends per element.
func MapRows(t *Tensor, costPerElement int, fn func(in, out []float32)) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot map rows of a 0D tensor")
	}
	result := NewTensor(t.Shape)
	width := t.Shape[len(t.Shape)-1]
	if width == 0 {
		return result, nil
	}
	parallelFor(len(t.Data)/width, costPerElement*width, func(start, end int) {
		for r := start; r < end; r++ {
			fn(t.Data[r*width:(r+1)*width], result.Data[r*width:(r+1)*width])
		}
	})
	return result, nil
}

// ArgMax returns, for every row of the last axis, the index of its maximum.
// Ties resolve to the lowest index.
func ArgMax(t *Tensor) ([]int, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot take argmax of a scalar tensor")
	}
	width := t.Shape[len(t.Shape)-1]
	if width == 0 {
		return nil, fmt.Errorf("cannot take argmax over an empty axis")
	}
	rows := len(t.Data) / width
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*width : (r+1)*width]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		out[r] = best
	}
	return out, nil
}
