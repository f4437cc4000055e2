// Package device abstracts the accelerator surface the executor
// dispatches large matmul work to: opaque buffer handles, explicit
// host/device copies and the matmul-family kernels. The CPU reference
// path lives in the tensor package; a Capability only ever accelerates
// it and is never required for correctness.
package device

import "errors"

// BufferID is an opaque device buffer handle. 0 is never valid and
// marks an absent optional operand.
type BufferID uint64

// Activation selects the epilogue of a fused linear kernel.
type Activation uint8

const (
	ActIdentity Activation = iota
	ActGelu
)

// ErrUnavailable is returned by capabilities that cannot run kernels.
var ErrUnavailable = errors.New("device unavailable")

// Capability is the accelerator contract. Callers own the buffer
// lifecycle: every successful AllocBuffer is paired with a
// ReleaseBuffer regardless of kernel outcome.
type Capability interface {
	Name() string
	IsAvailable() bool

	// AllocBuffer reserves a device buffer of elems float32 values.
	AllocBuffer(elems int) (BufferID, error)
	ReleaseBuffer(id BufferID)
	CopyToDevice(id BufferID, src []float32) error
	CopyFromDevice(dst []float32, id BufferID) error

	// MatMul computes c = a x b for row-major m x k and k x n operands.
	MatMul(a, b, c BufferID, m, n, k int) error

	// FusedLinear computes c = act(a x b + bias) in one kernel.
	// bias may be 0 to skip the bias add.
	FusedLinear(a, b, bias, c BufferID, m, n, k int, act Activation) error
}

// ensure interface compliance
var (
	_ Capability = (*BLAS)(nil)
	_ Capability = Nop{}
)
