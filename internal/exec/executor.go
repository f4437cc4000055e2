// Package exec evaluates compute graphs. Each node runs on the CPU
// reference kernels or, when the size heuristic says the transfer is
// worth it, on an accelerator capability with silent CPU fallback.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/anvil-ml/anvil/internal/device"
	"github.com/anvil-ml/anvil/internal/graph"
	"github.com/anvil-ml/anvil/internal/tensor"
)

var tracer = otel.Tracer("anvil-exec")

// Config sets the dispatch thresholds in total input elements. Work at
// or below a threshold always stays on the CPU; zero fields take the
// defaults.
type Config struct {
	MatMulMinElems int
	FusedMinElems  int
}

// DefaultConfig returns the stock thresholds: plain matmuls move to
// the device earlier than fused chains, whose epilogues amortize more
// of the transfer.
func DefaultConfig() Config {
	return Config{
		MatMulMinElems: 1024,
		FusedMinElems:  4096,
	}
}

// MissingInputError reports a referenced id with no bound value.
type MissingInputError struct {
	Node  graph.NodeID
	Input graph.NodeID
}

func (e *MissingInputError) Error() string {
	if e.Node == e.Input {
		return fmt.Sprintf("no value bound for external input %d", e.Input)
	}
	return fmt.Sprintf("node %d: no value for input %d", e.Node, e.Input)
}

// ErrUnsupportedOp is returned when a reserved op reaches evaluation.
var ErrUnsupportedOp = errors.New("unsupported op")

// Executor evaluates graphs against a device capability. A nil device
// behaves like device.Nop: everything runs on the CPU.
type Executor struct {
	dev device.Capability
	cfg Config
}

// New returns an executor. Zero Config fields take DefaultConfig values.
func New(dev device.Capability, cfg Config) *Executor {
	if dev == nil {
		dev = device.Nop{}
	}
	def := DefaultConfig()
	if cfg.MatMulMinElems <= 0 {
		cfg.MatMulMinElems = def.MatMulMinElems
	}
	if cfg.FusedMinElems <= 0 {
		cfg.FusedMinElems = def.FusedMinElems
	}
	return &Executor{dev: dev, cfg: cfg}
}

// Device returns the configured capability.
func (e *Executor) Device() device.Capability {
	return e.dev
}

// Execute evaluates g with the given external input bindings and
// returns the full id -> value mapping, outputs included. The mapping
// is seeded with inputs; every reachable node is then evaluated once
// in topological order. Neither the graph nor the inputs are modified.
// ctx carries the trace span only; evaluation does not poll for
// cancellation.
func (e *Executor) Execute(ctx context.Context, g *graph.Graph, inputs map[graph.NodeID]*tensor.Tensor) (map[graph.NodeID]*tensor.Tensor, error) {
	start := time.Now()
	_, span := tracer.Start(ctx, "execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("nodes", g.NumNodes()),
		attribute.String("device", e.dev.Name()),
	)

	values := make(map[graph.NodeID]*tensor.Tensor, g.Len())
	for id, v := range inputs {
		values[id] = v
	}

	for _, id := range g.TopoOrder() {
		if _, ok := values[id]; ok {
			continue
		}
		n, _ := g.Node(id)

		args := make([]*tensor.Tensor, len(n.Inputs))
		for i, in := range n.Inputs {
			v, ok := values[in]
			if !ok {
				err := &MissingInputError{Node: id, Input: in}
				span.RecordError(err)
				return nil, err
			}
			args[i] = v
		}

		out, err := e.eval(n, args)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("node %d (%s): %w", id, n.Op.Kind, err)
		}
		values[id] = out
	}

	// an output may be a bare external input; it still needs a value
	for _, o := range g.Outputs() {
		if _, ok := values[o]; !ok {
			err := &MissingInputError{Node: o, Input: o}
			span.RecordError(err)
			return nil, err
		}
	}

	graphsExecuted.Inc()
	executeDuration.Observe(time.Since(start).Seconds())
	return values, nil
}
