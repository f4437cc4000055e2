package device

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/anvil-ml/anvil/internal/simd"
)

// DefaultMaxMemory bounds outstanding BLAS buffer bytes when no
// explicit limit is configured.
const DefaultMaxMemory int64 = 1 << 30

// BLAS is an in-process accelerator backed by gonum's float32 BLAS.
// Buffers live in a registry keyed by opaque ids and are recycled
// through the bucketed pool. Outstanding memory is bounded by a
// weighted semaphore: allocation pressure surfaces as an error and the
// executor falls back to the CPU path.
type BLAS struct {
	mu     sync.Mutex
	bufs   map[BufferID][]float32
	nextID BufferID

	pool   *bufferPool
	mem    *semaphore.Weighted
	maxMem int64
}

// Option configures a BLAS capability.
type Option func(*BLAS)

// WithMaxMemory bounds the bytes held by live buffers.
func WithMaxMemory(bytes int64) Option {
	return func(b *BLAS) {
		if bytes > 0 {
			b.maxMem = bytes
		}
	}
}

// NewBLAS returns a ready BLAS capability.
func NewBLAS(opts ...Option) *BLAS {
	b := &BLAS{
		bufs:   make(map[BufferID][]float32),
		nextID: 1,
		pool:   newBufferPool(),
		maxMem: DefaultMaxMemory,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.mem = semaphore.NewWeighted(b.maxMem)
	return b
}

func (b *BLAS) Name() string {
	return "blas32"
}

func (b *BLAS) IsAvailable() bool {
	return true
}

func (b *BLAS) AllocBuffer(elems int) (BufferID, error) {
	if elems <= 0 {
		return 0, fmt.Errorf("alloc of %d elements", elems)
	}
	bytes := int64(elems) * 4
	if !b.mem.TryAcquire(bytes) {
		allocFailures.Inc()
		return 0, fmt.Errorf("alloc of %d bytes over memory bound: %w", bytes, ErrUnavailable)
	}

	buf := b.pool.Get(elems)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.bufs[id] = buf
	b.mu.Unlock()

	buffersInUse.Inc()
	return id, nil
}

func (b *BLAS) ReleaseBuffer(id BufferID) {
	if id == 0 {
		return
	}
	b.mu.Lock()
	buf, ok := b.bufs[id]
	if ok {
		delete(b.bufs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	b.mem.Release(int64(len(buf)) * 4)
	b.pool.Put(buf)
	buffersInUse.Dec()
}

func (b *BLAS) buffer(id BufferID) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.bufs[id]
	if !ok {
		return nil, fmt.Errorf("unknown buffer %d", id)
	}
	return buf, nil
}

func (b *BLAS) CopyToDevice(id BufferID, src []float32) error {
	buf, err := b.buffer(id)
	if err != nil {
		return err
	}
	if len(src) > len(buf) {
		return fmt.Errorf("copy of %d elements into buffer of %d", len(src), len(buf))
	}
	copy(buf, src)
	return nil
}

func (b *BLAS) CopyFromDevice(dst []float32, id BufferID) error {
	buf, err := b.buffer(id)
	if err != nil {
		return err
	}
	if len(dst) > len(buf) {
		return fmt.Errorf("copy of %d elements out of buffer of %d", len(dst), len(buf))
	}
	copy(dst, buf)
	return nil
}

func (b *BLAS) MatMul(a, w, c BufferID, m, n, k int) error {
	abuf, wbuf, cbuf, err := b.gemmOperands(a, w, c, m, n, k)
	if err != nil {
		return err
	}
	kernelCalls.WithLabelValues("matmul").Inc()
	sgemm(abuf, wbuf, cbuf, m, n, k)
	return nil
}

func (b *BLAS) FusedLinear(a, w, bias, c BufferID, m, n, k int, act Activation) error {
	abuf, wbuf, cbuf, err := b.gemmOperands(a, w, c, m, n, k)
	if err != nil {
		return err
	}
	var biasBuf []float32
	if bias != 0 {
		biasBuf, err = b.buffer(bias)
		if err != nil {
			return err
		}
		if len(biasBuf) < m*n {
			return fmt.Errorf("bias buffer of %d elements for %dx%d output", len(biasBuf), m, n)
		}
	}
	kernelCalls.WithLabelValues("fused_linear").Inc()

	sgemm(abuf, wbuf, cbuf, m, n, k)
	out := cbuf[:m*n]
	if biasBuf != nil {
		simd.VecAdd(out, biasBuf[:m*n])
	}
	if act == ActGelu {
		simd.GeluFast(out)
	}
	return nil
}

func (b *BLAS) gemmOperands(a, w, c BufferID, m, n, k int) (abuf, wbuf, cbuf []float32, err error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return nil, nil, nil, fmt.Errorf("gemm dims %dx%dx%d", m, n, k)
	}
	if abuf, err = b.buffer(a); err != nil {
		return nil, nil, nil, err
	}
	if wbuf, err = b.buffer(w); err != nil {
		return nil, nil, nil, err
	}
	if cbuf, err = b.buffer(c); err != nil {
		return nil, nil, nil, err
	}
	if len(abuf) < m*k || len(wbuf) < k*n || len(cbuf) < m*n {
		return nil, nil, nil, fmt.Errorf("gemm operand sizes %d/%d/%d for %dx%dx%d", len(abuf), len(wbuf), len(cbuf), m, n, k)
	}
	return abuf, wbuf, cbuf, nil
}

func sgemm(a, w, c []float32, m, n, k int) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: w},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}
