// Package engine builds the decoder-block compute graph, optimizes it
// once, and drives one execution per generation step, committing K/V
// projections to the quantized cache between steps.
package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/anvil-ml/anvil/internal/device"
	"github.com/anvil-ml/anvil/internal/exec"
	"github.com/anvil-ml/anvil/internal/graph"
	"github.com/anvil-ml/anvil/internal/kvcache"
	"github.com/anvil-ml/anvil/internal/tensor"
)

var tracer = otel.Tracer("anvil-engine")

// StepResult carries one generation step's outputs.
type StepResult struct {
	Out    *tensor.Tensor
	Probs  *tensor.Tensor
	K      *tensor.Tensor
	V      *tensor.Tensor
	Step   int
	Ratio  float64
	Cached *kvcache.Quantized
}

// Engine owns the block graph, its optimized form, the executor and the
// per-session quantized KV history.
type Engine struct {
	cfg  Config
	raw  *graph.Graph
	opt  *graph.Graph
	exec *exec.Executor

	x       graph.NodeID
	weights map[graph.NodeID]*tensor.Tensor

	store   *kvcache.Store
	session string
	step    int
}

// New builds and optimizes the decoder-block graph and initializes
// weights from the config seed.
func New(cfg Config, dev device.Capability) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Accel {
		dev = device.Nop{}
	}

	g := graph.New()
	x := g.Input()
	wk := g.Input()
	wv := g.Input()
	w1 := g.Input()
	b1 := g.Input()
	w2 := g.Input()
	b2 := g.Input()
	wp := g.Input()

	d, ff, seq := cfg.ModelDim, cfg.FFDim, cfg.SeqLen
	norm := g.AddNode(graph.LayerNorm(cfg.Eps), x)
	k := g.AddNode(graph.MatMul(seq, d), norm, wk)
	v := g.AddNode(graph.MatMul(seq, d), norm, wv)
	h := g.AddNode(graph.Gelu(),
		g.AddNode(graph.Add(),
			g.AddNode(graph.MatMul(seq, ff), norm, w1), b1))
	out := g.AddNode(graph.Add(),
		g.AddNode(graph.MatMul(seq, d), h, w2), b2)
	probs := g.AddNode(graph.Softmax(),
		g.AddNode(graph.MatMul(seq, seq), norm, wp))
	g.SetOutput(k)
	g.SetOutput(v)
	g.SetOutput(out)
	g.SetOutput(probs)

	patterns := len(graph.DetectAll(g))
	opt := graph.Optimize(g)
	log.Info().
		Int("raw_nodes", g.NumNodes()).
		Int("optimized_nodes", opt.NumNodes()).
		Int("fusible_patterns", patterns).
		Str("device", deviceName(dev)).
		Msg("Compute graph built")

	r := rand.New(rand.NewSource(cfg.Seed))
	weights := map[graph.NodeID]*tensor.Tensor{
		wk: xavier(r, d, d),
		wv: xavier(r, d, d),
		w1: xavier(r, d, ff),
		b1: tensor.New(seq, ff),
		w2: xavier(r, ff, d),
		b2: tensor.New(seq, d),
		wp: xavier(r, d, seq),
	}

	e := exec.New(dev, exec.Config{
		MatMulMinElems: cfg.MatMulMinElems,
		FusedMinElems:  cfg.FusedMinElems,
	})

	store := kvcache.NewStore()
	return &Engine{
		cfg:     cfg,
		raw:     g,
		opt:     opt,
		exec:    e,
		x:       x,
		weights: weights,
		store:   store,
		session: store.Open(),
	}, nil
}

func deviceName(dev device.Capability) string {
	if dev == nil {
		return "none"
	}
	return dev.Name()
}

// xavier fills a tensor with uniform values in ±sqrt(6/(rows+cols)).
func xavier(r *rand.Rand, rows, cols int) *tensor.Tensor {
	t := tensor.New(rows, cols)
	limit := float32(math.Sqrt(6 / float64(rows+cols)))
	for i := range t.Data {
		t.Data[i] = (r.Float32()*2 - 1) * limit
	}
	return t
}

// Step runs one generation step on x, which must hold SeqLen x ModelDim
// elements, and commits the K/V projections to the session cache.
func (e *Engine) Step(ctx context.Context, x *tensor.Tensor) (*StepResult, error) {
	ctx, span := tracer.Start(ctx, "engine.step")
	defer span.End()

	want := e.cfg.SeqLen * e.cfg.ModelDim
	if x == nil || x.Len() != want {
		return nil, fmt.Errorf("input of %d elements, want %dx%d", tensorLen(x), e.cfg.SeqLen, e.cfg.ModelDim)
	}
	span.SetAttributes(
		attribute.Int("step", e.step),
		attribute.Int("elements", x.Len()),
	)

	inputs := make(map[graph.NodeID]*tensor.Tensor, len(e.weights)+1)
	for id, w := range e.weights {
		inputs[id] = w
	}
	inputs[e.x] = x

	start := time.Now()
	values, err := e.exec.Execute(ctx, e.opt, inputs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("step %d: %w", e.step, err)
	}

	outs := e.opt.Outputs()
	res := &StepResult{
		K:     values[outs[0]],
		V:     values[outs[1]],
		Out:   values[outs[2]],
		Probs: values[outs[3]],
		Step:  e.step,
	}

	q := kvcache.Quantize(res.K, res.V)
	if err := e.store.Append(e.session, q); err != nil {
		return nil, fmt.Errorf("cache commit: %w", err)
	}
	res.Cached = q
	res.Ratio = q.CompressionRatio()

	e.step++
	stepsTotal.Inc()
	stepDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Int("step", res.Step).
		Float64("compression_ratio", res.Ratio).
		Dur("elapsed", time.Since(start)).
		Msg("Generation step complete")
	return res, nil
}

func tensorLen(t *tensor.Tensor) int {
	if t == nil {
		return 0
	}
	return t.Len()
}

// Session returns the engine's cache session id.
func (e *Engine) Session() string { return e.session }

// History returns the quantized K/V entries committed so far.
func (e *Engine) History() []*kvcache.Quantized {
	steps, _ := e.store.Get(e.session)
	return steps
}

// ResetSession drops the quantized history and restarts step numbering.
func (e *Engine) ResetSession() {
	e.store.Reset(e.session)
	e.step = 0
	log.Debug().Str("session", e.session).Msg("Session reset")
}

// NodeCounts reports raw and optimized graph sizes.
func (e *Engine) NodeCounts() (raw, optimized int) {
	return e.raw.NumNodes(), e.opt.NumNodes()
}

// DeviceName reports the dispatch backend in use.
func (e *Engine) DeviceName() string {
	return e.exec.Device().Name()
}

// Close releases the cache session.
func (e *Engine) Close() {
	e.store.Close(e.session)
}
