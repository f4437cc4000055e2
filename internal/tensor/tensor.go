// Package tensor holds the dense float32 values flowing through the
// compute graph and the CPU reference kernels for every graph op.
package tensor

// Tensor is a dense row-major float32 buffer with a 2-D shape.
// Vectors are 1xN. Produced tensors are treated as immutable.
type Tensor struct {
	Data []float32
	Rows int
	Cols int
}

// New returns a zero-filled rows x cols tensor.
func New(rows, cols int) *Tensor {
	return &Tensor{
		Data: make([]float32, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// FromSlice wraps data as a rows x cols tensor without copying.
func FromSlice(rows, cols int, data []float32) *Tensor {
	if len(data) != rows*cols {
		panic("tensor: data length does not match dimensions")
	}
	return &Tensor{Data: data, Rows: rows, Cols: cols}
}

// Vector returns data as a 1xN tensor without copying.
func Vector(data []float32) *Tensor {
	return &Tensor{Data: data, Rows: 1, Cols: len(data)}
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return t.Rows * t.Cols
}

// At returns the element at row i, column j.
func (t *Tensor) At(i, j int) float32 {
	return t.Data[i*t.Cols+j]
}

// Row returns the i-th row as a shared slice.
func (t *Tensor) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Rows, t.Cols)
	copy(out.Data, t.Data)
	return out
}
