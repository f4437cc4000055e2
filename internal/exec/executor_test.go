package exec

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/anvil-ml/anvil/internal/device"
	"github.com/anvil-ml/anvil/internal/graph"
	"github.com/anvil-ml/anvil/internal/tensor"
)

// brokenDevice claims availability but fails every allocation.
type brokenDevice struct{ device.Nop }

func (brokenDevice) IsAvailable() bool { return true }

// kernelFailDevice stages buffers fine but fails the kernels.
type kernelFailDevice struct{ *device.BLAS }

func (kernelFailDevice) MatMul(a, b, c device.BufferID, m, n, k int) error {
	return errors.New("kernel fault")
}

func (kernelFailDevice) FusedLinear(a, b, bias, c device.BufferID, m, n, k int, act device.Activation) error {
	return errors.New("kernel fault")
}

func closeEnough(t *testing.T, name string, got, want *tensor.Tensor, tol float64) {
	t.Helper()
	if got == nil || want == nil {
		t.Fatalf("%s: nil tensor", name)
	}
	if got.Len() != want.Len() {
		t.Fatalf("%s: length %d, want %d", name, got.Len(), want.Len())
	}
	for i := range got.Data {
		if diff := math.Abs(float64(got.Data[i] - want.Data[i])); diff > tol {
			t.Errorf("%s[%d] = %f, want %f (diff %g)", name, i, got.Data[i], want.Data[i], diff)
		}
	}
}

func TestExecutePrimitives(t *testing.T) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	b := g.Input()
	m := g.AddNode(graph.MatMul(2, 2), x, w)
	a := g.AddNode(graph.Add(), m, b)
	ge := g.AddNode(graph.Gelu(), a)
	ln := g.AddNode(graph.LayerNorm(1e-5), ge)
	sm := g.AddNode(graph.Softmax(), ln)
	g.SetOutput(sm)

	e := New(nil, Config{})
	inputs := map[graph.NodeID]*tensor.Tensor{
		x: tensor.FromSlice(2, 2, []float32{1, 2, 3, 4}),
		w: tensor.FromSlice(2, 2, []float32{0.5, -0.5, 1, 0.25}),
		b: tensor.FromSlice(2, 2, []float32{0.1, 0.1, 0.1, 0.1}),
	}
	values, err := e.Execute(context.Background(), g, inputs)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	out, ok := values[sm]
	if !ok {
		t.Fatal("output value missing")
	}
	for i := 0; i < out.Rows; i++ {
		var sum float32
		for _, v := range out.Row(i) {
			sum += v
		}
		if math.Abs(float64(sum)-1) > 1e-3 {
			t.Errorf("softmax row %d sums to %f", i, sum)
		}
	}

	// intermediate values are part of the mapping
	if _, ok := values[m]; !ok {
		t.Error("intermediate matmul value missing")
	}
}

func TestExecuteMissingInput(t *testing.T) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	m := g.AddNode(graph.MatMul(2, 2), x, w)
	g.SetOutput(m)

	e := New(nil, Config{})
	_, err := e.Execute(context.Background(), g, map[graph.NodeID]*tensor.Tensor{
		x: tensor.FromSlice(2, 2, []float32{1, 2, 3, 4}),
	})
	if err == nil {
		t.Fatal("Execute with unbound input did not error")
	}
	var missing *MissingInputError
	if !errors.As(err, &missing) {
		t.Fatalf("error %v is not a MissingInputError", err)
	}
	if missing.Node != m || missing.Input != w {
		t.Errorf("MissingInputError = %+v, want node %d input %d", missing, m, w)
	}
}

func TestExecuteUnboundExternalOutput(t *testing.T) {
	g := graph.New()
	x := g.Input()
	g.SetOutput(x)

	e := New(nil, Config{})
	_, err := e.Execute(context.Background(), g, nil)
	var missing *MissingInputError
	if !errors.As(err, &missing) {
		t.Fatalf("error %v is not a MissingInputError", err)
	}
	if missing.Input != x {
		t.Errorf("MissingInputError input = %d, want %d", missing.Input, x)
	}
}

func TestExecutePreseededNodeSkipped(t *testing.T) {
	g := graph.New()
	x := g.Input()
	ge := g.AddNode(graph.Gelu(), x)
	g.SetOutput(ge)

	pinned := tensor.Vector([]float32{7, 7})
	e := New(nil, Config{})
	values, err := e.Execute(context.Background(), g, map[graph.NodeID]*tensor.Tensor{
		x:  tensor.Vector([]float32{1, 2}),
		ge: pinned,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if values[ge] != pinned {
		t.Error("pre-seeded node value was recomputed")
	}
}

func TestExecuteReservedOp(t *testing.T) {
	g := graph.New()
	q := g.Input()
	att := g.AddNode(graph.Op{Kind: graph.OpAttention, Scale: 0.125}, q)
	g.SetOutput(att)

	e := New(nil, Config{})
	_, err := e.Execute(context.Background(), g, map[graph.NodeID]*tensor.Tensor{
		q: tensor.Vector([]float32{1}),
	})
	if !errors.Is(err, ErrUnsupportedOp) {
		t.Errorf("error = %v, want ErrUnsupportedOp", err)
	}
}

func TestExecuteShapeErrorNotPanic(t *testing.T) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	m := g.AddNode(graph.MatMul(2, 2), x, w)
	g.SetOutput(m)

	e := New(nil, Config{})
	_, err := e.Execute(context.Background(), g, map[graph.NodeID]*tensor.Tensor{
		x: tensor.Vector([]float32{1, 2, 3, 4}),
		w: tensor.Vector([]float32{1, 2, 3}), // wrong size for k=2, cols=2
	})
	if err == nil {
		t.Fatal("Execute with malformed weight did not error")
	}
}

func TestDispatchDeviceMatchesCPU(t *testing.T) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	b := g.Input()
	m := g.AddNode(graph.MatMul(8, 8), x, w)
	a := g.AddNode(graph.Add(), m, b)
	ge := g.AddNode(graph.Gelu(), a)
	g.SetOutput(ge)
	opt := graph.Optimize(g)

	inputs := map[graph.NodeID]*tensor.Tensor{
		x: tensor.New(8, 8),
		w: tensor.New(8, 8),
		b: tensor.New(8, 8),
	}
	for i := range inputs[x].Data {
		inputs[x].Data[i] = float32(i%17)*0.2 - 1.5
		inputs[w].Data[i] = float32(i%13)*0.15 - 0.9
		inputs[b].Data[i] = float32(i%7) * 0.05
	}

	cpu := New(device.Nop{}, Config{})
	dev := New(device.NewBLAS(), Config{MatMulMinElems: 1, FusedMinElems: 1})

	for _, tc := range []struct {
		name string
		g    *graph.Graph
	}{
		{"unoptimized", g},
		{"optimized", opt},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cpuVals, err := cpu.Execute(context.Background(), tc.g, inputs)
			if err != nil {
				t.Fatalf("cpu Execute: %v", err)
			}
			devVals, err := dev.Execute(context.Background(), tc.g, inputs)
			if err != nil {
				t.Fatalf("device Execute: %v", err)
			}
			for _, o := range tc.g.Outputs() {
				closeEnough(t, "output", devVals[o], cpuVals[o], 1e-4)
			}
		})
	}
}

func TestDispatchFallbackOnAllocFailure(t *testing.T) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	m := g.AddNode(graph.MatMul(4, 4), x, w)
	g.SetOutput(m)

	inputs := map[graph.NodeID]*tensor.Tensor{
		x: tensor.New(4, 4),
		w: tensor.New(4, 4),
	}
	for i := range inputs[x].Data {
		inputs[x].Data[i] = float32(i)
		inputs[w].Data[i] = float32(i) * 0.5
	}

	broken := New(brokenDevice{}, Config{MatMulMinElems: 1, FusedMinElems: 1})
	values, err := broken.Execute(context.Background(), g, inputs)
	if err != nil {
		t.Fatalf("Execute with broken device: %v", err)
	}

	want := tensor.MatMul(inputs[x], inputs[w], 4, 4)
	closeEnough(t, "fallback output", values[m], want, 1e-6)
}

func TestDispatchFallbackOnKernelFailure(t *testing.T) {
	g := graph.New()
	x := g.Input()
	w := g.Input()
	b := g.Input()
	m := g.AddNode(graph.MatMul(4, 4), x, w)
	a := g.AddNode(graph.Add(), m, b)
	ge := g.AddNode(graph.Gelu(), a)
	g.SetOutput(ge)
	opt := graph.Optimize(g)

	inputs := map[graph.NodeID]*tensor.Tensor{
		x: tensor.New(4, 4),
		w: tensor.New(4, 4),
		b: tensor.New(4, 4),
	}
	for i := range inputs[x].Data {
		inputs[x].Data[i] = float32(i%9)*0.3 - 1
		inputs[w].Data[i] = float32(i%5)*0.2 - 0.4
	}

	faulty := New(kernelFailDevice{device.NewBLAS()}, Config{MatMulMinElems: 1, FusedMinElems: 1})
	clean := New(nil, Config{})

	got, err := faulty.Execute(context.Background(), opt, inputs)
	if err != nil {
		t.Fatalf("Execute with faulty kernels: %v", err)
	}
	want, err := clean.Execute(context.Background(), opt, inputs)
	if err != nil {
		t.Fatalf("Execute on cpu: %v", err)
	}
	for _, o := range opt.Outputs() {
		closeEnough(t, "fallback output", got[o], want[o], 1e-6)
	}
}

func TestOptimizedMatchesUnoptimized(t *testing.T) {
	// decoder-style block: norm -> fused MLP chains -> softmax branch
	g := graph.New()
	x := g.Input()
	w1 := g.Input()
	b1 := g.Input()
	w2 := g.Input()
	b2 := g.Input()
	wp := g.Input()

	norm := g.AddNode(graph.LayerNorm(1e-5), x)
	m1 := g.AddNode(graph.MatMul(4, 16), norm, w1)
	a1 := g.AddNode(graph.Add(), m1, b1)
	h := g.AddNode(graph.Gelu(), a1)
	m2 := g.AddNode(graph.MatMul(4, 8), h, w2)
	a2 := g.AddNode(graph.Add(), m2, b2)
	mp := g.AddNode(graph.MatMul(4, 4), norm, wp)
	probs := g.AddNode(graph.Softmax(), mp)
	g.SetOutput(a2)
	g.SetOutput(probs)

	opt := graph.Optimize(g)
	if opt.NumNodes() >= g.NumNodes() {
		t.Fatalf("optimizer did not shrink the graph: %d -> %d", g.NumNodes(), opt.NumNodes())
	}

	inputs := map[graph.NodeID]*tensor.Tensor{
		x:  tensor.New(4, 8),
		w1: tensor.New(8, 16),
		b1: tensor.New(4, 16),
		w2: tensor.New(16, 8),
		b2: tensor.New(4, 8),
		wp: tensor.New(8, 4),
	}
	seed := float32(0.17)
	for _, in := range inputs {
		for i := range in.Data {
			seed = seed*1.7 + 0.3
			if seed > 10 {
				seed -= 12
			}
			in.Data[i] = seed * 0.2
		}
	}

	e := New(nil, Config{})
	raw, err := e.Execute(context.Background(), g, inputs)
	if err != nil {
		t.Fatalf("Execute raw: %v", err)
	}
	fused, err := e.Execute(context.Background(), opt, inputs)
	if err != nil {
		t.Fatalf("Execute optimized: %v", err)
	}

	rawOuts := g.Outputs()
	optOuts := opt.Outputs()
	if len(rawOuts) != len(optOuts) {
		t.Fatalf("output count changed: %d -> %d", len(rawOuts), len(optOuts))
	}
	for i := range rawOuts {
		closeEnough(t, "output", fused[optOuts[i]], raw[rawOuts[i]], 1e-4)
	}
}

func TestEndToEndLinearAddGelu(t *testing.T) {
	// x (2x2) through an identity weight and zero bias: the chain must
	// collapse to one fused node and produce gelu(x) either way.
	g := graph.New()
	x := g.Input()
	w := g.Input()
	b := g.Input()
	m := g.AddNode(graph.MatMul(2, 2), x, w)
	a := g.AddNode(graph.Add(), m, b)
	ge := g.AddNode(graph.Gelu(), a)
	g.SetOutput(ge)

	opt := graph.Optimize(g)
	if opt.NumNodes() != 1 {
		t.Fatalf("optimized graph has %d nodes, want 1", opt.NumNodes())
	}
	n, _ := opt.Node(opt.Outputs()[0])
	if n.Op.Kind != graph.OpFusedLinearAddGelu {
		t.Fatalf("fused op = %v, want FusedLinearAddGelu", n.Op.Kind)
	}

	inputs := map[graph.NodeID]*tensor.Tensor{
		x: tensor.Vector([]float32{1, 2, 3, 4}),
		w: tensor.FromSlice(2, 2, []float32{1, 0, 0, 1}),
		b: tensor.Vector([]float32{0, 0, 0, 0}),
	}

	e := New(nil, Config{})
	raw, err := e.Execute(context.Background(), g, inputs)
	if err != nil {
		t.Fatalf("Execute raw: %v", err)
	}
	fused, err := e.Execute(context.Background(), opt, inputs)
	if err != nil {
		t.Fatalf("Execute optimized: %v", err)
	}

	got := fused[opt.Outputs()[0]]
	closeEnough(t, "fused vs raw", got, raw[ge], 1e-4)

	// against the reference formula with exact tanh
	for i, xv := range []float64{1, 2, 3, 4} {
		want := 0.5 * xv * (1 + math.Tanh(0.7978845608*(xv+0.044715*xv*xv*xv)))
		if diff := math.Abs(float64(got.Data[i]) - want); diff > 0.05 {
			t.Errorf("gelu(%g) = %f, want %f", xv, got.Data[i], want)
		}
	}
}

func BenchmarkExecuteFusedBlock(b *testing.B) {
	g := graph.New()
	x := g.Input()
	w1 := g.Input()
	b1 := g.Input()
	m := g.AddNode(graph.MatMul(16, 64), x, w1)
	a := g.AddNode(graph.Add(), m, b1)
	ge := g.AddNode(graph.Gelu(), a)
	g.SetOutput(ge)
	opt := graph.Optimize(g)

	inputs := map[graph.NodeID]*tensor.Tensor{
		x:  tensor.New(16, 32),
		w1: tensor.New(32, 64),
		b1: tensor.New(16, 64),
	}
	e := New(nil, Config{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Execute(context.Background(), opt, inputs); err != nil {
			b.Fatal(err)
		}
	}
}
