package exec

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/anvil-ml/anvil/internal/device"
	"github.com/anvil-ml/anvil/internal/graph"
	"github.com/anvil-ml/anvil/internal/tensor"
)

// eval runs one node. Shapes are validated here so malformed external
// bindings surface as errors instead of kernel panics.
func (e *Executor) eval(n *graph.Node, args []*tensor.Tensor) (*tensor.Tensor, error) {
	switch n.Op.Kind {
	case graph.OpMatMul:
		if len(args) != 2 {
			return nil, fmt.Errorf("matmul wants 2 inputs, got %d", len(args))
		}
		return e.evalLinear(n, args[0], args[1], nil, device.ActIdentity, false, e.cfg.MatMulMinElems)

	case graph.OpFusedLinearAdd:
		if len(args) != 3 {
			return nil, fmt.Errorf("fused linear add wants 3 inputs, got %d", len(args))
		}
		return e.evalLinear(n, args[0], args[1], args[2], device.ActIdentity, true, e.cfg.FusedMinElems)

	case graph.OpFusedLinearGelu:
		if len(args) != 2 {
			return nil, fmt.Errorf("fused linear gelu wants 2 inputs, got %d", len(args))
		}
		return e.evalLinear(n, args[0], args[1], nil, device.ActGelu, true, e.cfg.FusedMinElems)

	case graph.OpFusedLinearAddGelu:
		if len(args) != 3 {
			return nil, fmt.Errorf("fused linear add gelu wants 3 inputs, got %d", len(args))
		}
		return e.evalLinear(n, args[0], args[1], args[2], device.ActGelu, true, e.cfg.FusedMinElems)

	case graph.OpAdd:
		if len(args) != 2 {
			return nil, fmt.Errorf("add wants 2 inputs, got %d", len(args))
		}
		if args[0].Len() != args[1].Len() {
			return nil, fmt.Errorf("add length mismatch: %d vs %d", args[0].Len(), args[1].Len())
		}
		nodesEvaluated.WithLabelValues(n.Op.Kind.String(), "cpu").Inc()
		return tensor.Add(args[0], args[1]), nil

	case graph.OpGelu:
		if len(args) != 1 {
			return nil, fmt.Errorf("gelu wants 1 input, got %d", len(args))
		}
		nodesEvaluated.WithLabelValues(n.Op.Kind.String(), "cpu").Inc()
		return tensor.Gelu(args[0]), nil

	case graph.OpLayerNorm:
		if len(args) != 1 {
			return nil, fmt.Errorf("layernorm wants 1 input, got %d", len(args))
		}
		nodesEvaluated.WithLabelValues(n.Op.Kind.String(), "cpu").Inc()
		return tensor.LayerNorm(args[0], n.Op.Eps), nil

	case graph.OpSoftmax:
		if len(args) != 1 {
			return nil, fmt.Errorf("softmax wants 1 input, got %d", len(args))
		}
		nodesEvaluated.WithLabelValues(n.Op.Kind.String(), "cpu").Inc()
		return tensor.Softmax(args[0]), nil
	}

	return nil, ErrUnsupportedOp
}

// evalLinear handles the matmul family with optional device dispatch.
// A device error is never surfaced: the CPU kernel is the answer of
// record and the failure only shows up in the fallback counter.
func (e *Executor) evalLinear(n *graph.Node, a, b, bias *tensor.Tensor, act device.Activation, fused bool, minElems int) (*tensor.Tensor, error) {
	rows, cols := n.Op.Rows, n.Op.Cols
	if rows <= 0 || cols <= 0 || a.Len()%rows != 0 {
		return nil, fmt.Errorf("output shape %dx%d does not divide input of %d", rows, cols, a.Len())
	}
	k := a.Len() / rows
	if b.Len() != k*cols {
		return nil, fmt.Errorf("weight of %d elements, want %dx%d", b.Len(), k, cols)
	}
	if bias != nil && bias.Len() != rows*cols {
		return nil, fmt.Errorf("bias of %d elements, want %dx%d", bias.Len(), rows, cols)
	}

	if e.shouldDispatch(a, b, bias, minElems) {
		out, err := e.deviceLinear(a, b, bias, rows, cols, k, act, fused)
		if err == nil {
			nodesEvaluated.WithLabelValues(n.Op.Kind.String(), "device").Inc()
			return out, nil
		}
		deviceFallbacks.Inc()
		log.Debug().Err(err).
			Str("op", n.Op.Kind.String()).
			Int("rows", rows).
			Int("cols", cols).
			Msg("Device dispatch failed, falling back to CPU")
	}

	nodesEvaluated.WithLabelValues(n.Op.Kind.String(), "cpu").Inc()
	switch {
	case !fused:
		return tensor.MatMul(a, b, rows, cols), nil
	case bias == nil:
		return tensor.FusedLinearGelu(a, b, rows, cols), nil
	case act == device.ActGelu:
		return tensor.FusedLinearAddGelu(a, b, bias, rows, cols), nil
	default:
		return tensor.FusedLinearAdd(a, b, bias, rows, cols), nil
	}
}

// shouldDispatch applies the size heuristic: the summed element count
// of the inputs must clear the threshold before the device is tried.
func (e *Executor) shouldDispatch(a, b, bias *tensor.Tensor, minElems int) bool {
	if !e.dev.IsAvailable() {
		return false
	}
	total := a.Len() + b.Len()
	if bias != nil {
		total += bias.Len()
	}
	return total > minElems
}

// deviceLinear stages the operands, runs the kernel and reads back the
// result. Buffers are released on every path.
func (e *Executor) deviceLinear(a, b, bias *tensor.Tensor, rows, cols, k int, act device.Activation, fused bool) (*tensor.Tensor, error) {
	ids := make([]device.BufferID, 0, 4)
	defer func() {
		for _, id := range ids {
			e.dev.ReleaseBuffer(id)
		}
	}()

	upload := func(t *tensor.Tensor) (device.BufferID, error) {
		id, err := e.dev.AllocBuffer(t.Len())
		if err != nil {
			return 0, err
		}
		ids = append(ids, id)
		if err := e.dev.CopyToDevice(id, t.Data); err != nil {
			return 0, err
		}
		return id, nil
	}

	aID, err := upload(a)
	if err != nil {
		return nil, err
	}
	bID, err := upload(b)
	if err != nil {
		return nil, err
	}
	var biasID device.BufferID
	if bias != nil {
		if biasID, err = upload(bias); err != nil {
			return nil, err
		}
	}
	cID, err := e.dev.AllocBuffer(rows * cols)
	if err != nil {
		return nil, err
	}
	ids = append(ids, cID)

	if fused {
		err = e.dev.FusedLinear(aID, bID, biasID, cID, rows, cols, k, act)
	} else {
		err = e.dev.MatMul(aID, bID, cID, rows, cols, k)
	}
	if err != nil {
		return nil, err
	}

	out := tensor.New(rows, cols)
	if err := e.dev.CopyFromDevice(out.Data, cID); err != nil {
		return nil, err
	}
	return out, nil
}
