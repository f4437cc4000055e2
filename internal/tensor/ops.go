package tensor

import (
	"math"

	"github.com/anvil-ml/anvil/internal/simd"
)

// Add returns the elementwise sum a + b. Lengths must match exactly;
// there is no broadcasting.
func Add(a, b *Tensor) *Tensor {
	if a.Len() != b.Len() {
		panic("tensor: Add length mismatch")
	}
	out := a.Clone()
	simd.VecAdd(out.Data, b.Data)
	return out
}

// Gelu returns the tanh-approximation GELU of x, elementwise.
func Gelu(x *Tensor) *Tensor {
	out := x.Clone()
	simd.GeluFast(out.Data)
	return out
}

// MatMul multiplies a by b with an explicit (rows, cols) output shape.
// The inner dimension is inferred as k = len(a)/rows and b is read as
// a k x cols row-major matrix.
func MatMul(a, b *Tensor, rows, cols int) *Tensor {
	k := inferK(a, b, rows, cols)
	out := New(rows, cols)
	if cols == 1 {
		simd.MatVecMul(out.Data, a.Data, b.Data, rows, k)
		return out
	}
	for i := 0; i < rows; i++ {
		mulRowInto(out.Data[i*cols:(i+1)*cols], a.Data[i*k:(i+1)*k], b.Data, cols)
	}
	return out
}

// LayerNorm normalizes each row of x to zero mean and unit variance,
// using population variance and no learned scale or bias.
func LayerNorm(x *Tensor, eps float32) *Tensor {
	out := New(x.Rows, x.Cols)
	if x.Cols == 0 {
		return out
	}
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		dst := out.Row(i)

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(len(row))

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(len(row))
		invStd := 1 / float32(math.Sqrt(float64(variance+eps)))

		for j, v := range row {
			dst[j] = (v - mean) * invStd
		}
	}
	return out
}

// Softmax applies a max-subtracted softmax to each row of x.
// An empty row stays empty.
func Softmax(x *Tensor) *Tensor {
	out := x.Clone()
	for i := 0; i < out.Rows; i++ {
		simd.SoftmaxFast(out.Row(i))
	}
	return out
}

// inferK validates shapes and returns the inner dimension.
func inferK(a, b *Tensor, rows, cols int) int {
	if rows <= 0 || cols <= 0 || a.Len()%rows != 0 {
		panic("tensor: MatMul output shape does not divide len(a)")
	}
	k := a.Len() / rows
	if b.Len() != k*cols {
		panic("tensor: MatMul b length does not match inferred inner dimension")
	}
	return k
}

// mulRowInto accumulates one output row: dst += arow * b, where b is
// k x cols row-major. dst must be zeroed by the caller. All matmul
// paths, fused or not, run through here so results match exactly.
func mulRowInto(dst, arow, b []float32, cols int) {
	if cols == 1 {
		dst[0] = simd.DotProduct(arow, b)
		return
	}
	for kk, av := range arow {
		simd.VecAddScaled(dst, b[kk*cols:(kk+1)*cols], av)
	}
}
