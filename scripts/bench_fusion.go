//go:build ignore

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/anvil-ml/anvil/internal/device"
	"github.com/anvil-ml/anvil/internal/exec"
	"github.com/anvil-ml/anvil/internal/graph"
	"github.com/anvil-ml/anvil/internal/tensor"
)

// Times the linear+add+gelu chain raw, fused, and fused with BLAS
// dispatch across model dims. Run with: go run scripts/bench_fusion.go

const (
	seq   = 32
	iters = 200
)

func main() {
	fmt.Println("--- Anvil fusion benchmark ---")
	for _, dim := range []int{64, 128, 256, 512} {
		benchmark(dim)
	}
}

func benchmark(dim int) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	b := g.Input()
	m := g.AddNode(graph.MatMul(seq, dim), x, w)
	a := g.AddNode(graph.Add(), m, b)
	ge := g.AddNode(graph.Gelu(), a)
	g.SetOutput(ge)
	opt := graph.Optimize(g)

	inputs := map[graph.NodeID]*tensor.Tensor{
		x: filled(seq, dim),
		w: filled(dim, dim),
		b: filled(seq, dim),
	}

	run := func(label string, e *exec.Executor, gr *graph.Graph) {
		// warmup
		if _, err := e.Execute(context.Background(), gr, inputs); err != nil {
			fmt.Printf("%s failed: %v\n", label, err)
			return
		}
		start := time.Now()
		for i := 0; i < iters; i++ {
			_, _ = e.Execute(context.Background(), gr, inputs)
		}
		perStep := time.Since(start) / iters
		fmt.Printf("%4dx%-4d %-12s %10s/step\n", seq, dim, label, perStep)
	}

	cpu := exec.New(device.Nop{}, exec.Config{})
	blas := exec.New(device.NewBLAS(), exec.Config{MatMulMinElems: 1, FusedMinElems: 1})

	run("raw cpu", cpu, g)
	run("fused cpu", cpu, opt)
	run("fused blas", blas, opt)
}

func filled(rows, cols int) *tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.Data {
		t.Data[i] = float32(i%13)*0.1 - 0.6
	}
	return t
}
