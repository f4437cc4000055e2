package device

import (
	"math"
	"sync"
)

// bufferPool recycles float32 slabs by size bucket so repeated
// dispatches do not reallocate per node. Returned slabs are zeroed.
type bufferPool struct {
	mu      sync.Mutex
	buckets map[int][][]float32
}

func newBufferPool() *bufferPool {
	return &bufferPool{buckets: make(map[int][][]float32)}
}

func getBucket(elems int) int {
	if elems <= 0 {
		return 0
	}
	// Use log2 to determine bucket. E.g., 1-2 elems -> bucket 1, 3-4 -> bucket 2, 5-8 -> bucket 3, etc.
	return int(math.Ceil(math.Log2(float64(elems))))
}

// Get returns a zeroed slab of length elems, reusing a pooled one when
// a close-enough bucket holds a fit.
func (p *bufferPool) Get(elems int) []float32 {
	p.mu.Lock()

	bucket := getBucket(elems)
	for i := bucket; i <= bucket+2; i++ {
		list := p.buckets[i]
		if len(list) == 0 {
			continue
		}
		bestIdx := -1
		for idx, buf := range list {
			if cap(buf) >= elems {
				if bestIdx == -1 || cap(buf) < cap(list[bestIdx]) {
					bestIdx = idx
				}
			}
		}
		if bestIdx != -1 {
			buf := list[bestIdx]
			p.buckets[i] = append(list[:bestIdx], list[bestIdx+1:]...)
			p.mu.Unlock()

			poolHits.Inc()
			poolBuffers.Dec()

			buf = buf[:elems]
			for j := range buf {
				buf[j] = 0
			}
			return buf
		}
	}
	p.mu.Unlock()

	poolMisses.Inc()
	return make([]float32, elems)
}

// Put returns a slab for reuse.
func (p *bufferPool) Put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	bucket := getBucket(cap(buf))
	p.buckets[bucket] = append(p.buckets[bucket], buf[:cap(buf)])
	p.mu.Unlock()

	poolBuffers.Inc()
}
