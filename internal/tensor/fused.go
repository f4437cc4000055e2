package tensor

import "github.com/anvil-ml/anvil/internal/simd"

// Fused kernels collapse a matmul chain into a single sweep over the
// output: each row is multiplied, bias-added and activated before the
// next row starts, with no intermediate tensors. They reuse the same
// row core as the unfused ops, so results agree exactly.

// FusedLinearAdd computes Add(MatMul(a, b, rows, cols), bias) in one pass.
// bias must be full-shape (rows x cols).
func FusedLinearAdd(a, b, bias *Tensor, rows, cols int) *Tensor {
	k := inferK(a, b, rows, cols)
	if bias.Len() != rows*cols {
		panic("tensor: FusedLinearAdd bias length mismatch")
	}
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		dst := out.Data[i*cols : (i+1)*cols]
		mulRowInto(dst, a.Data[i*k:(i+1)*k], b.Data, cols)
		simd.VecAdd(dst, bias.Data[i*cols:(i+1)*cols])
	}
	return out
}

// FusedLinearGelu computes Gelu(MatMul(a, b, rows, cols)) in one pass.
func FusedLinearGelu(a, b *Tensor, rows, cols int) *Tensor {
	k := inferK(a, b, rows, cols)
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		dst := out.Data[i*cols : (i+1)*cols]
		mulRowInto(dst, a.Data[i*k:(i+1)*k], b.Data, cols)
		simd.GeluFast(dst)
	}
	return out
}

// FusedLinearAddGelu computes Gelu(Add(MatMul(a, b, rows, cols), bias))
// in one pass. bias must be full-shape (rows x cols).
func FusedLinearAddGelu(a, b, bias *Tensor, rows, cols int) *Tensor {
	k := inferK(a, b, rows, cols)
	if bias.Len() != rows*cols {
		panic("tensor: FusedLinearAddGelu bias length mismatch")
	}
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		dst := out.Data[i*cols : (i+1)*cols]
		mulRowInto(dst, a.Data[i*k:(i+1)*k], b.Data, cols)
		simd.VecAdd(dst, bias.Data[i*cols:(i+1)*cols])
		simd.GeluFast(dst)
	}
	return out
}
