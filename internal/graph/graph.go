// Package graph implements the dataflow compute graph: arena node
// storage, fusion pattern detection and the fusing rewriter.
package graph

// NodeID identifies a node or external input within one graph.
// Ids are dense and increase in allocation order.
type NodeID int32

// OpKind discriminates the closed set of graph operations.
type OpKind uint8

const (
	OpMatMul OpKind = iota
	OpAdd
	OpGelu
	OpLayerNorm
	OpSoftmax
	// OpAttention is reserved for the planned fused attention kernel.
	OpAttention
	OpFusedLinearAdd
	OpFusedLinearGelu
	OpFusedLinearAddGelu
)

func (k OpKind) String() string {
	switch k {
	case OpMatMul:
		return "MatMul"
	case OpAdd:
		return "Add"
	case OpGelu:
		return "Gelu"
	case OpLayerNorm:
		return "LayerNorm"
	case OpSoftmax:
		return "Softmax"
	case OpAttention:
		return "Attention"
	case OpFusedLinearAdd:
		return "FusedLinearAdd"
	case OpFusedLinearGelu:
		return "FusedLinearGelu"
	case OpFusedLinearAddGelu:
		return "FusedLinearAddGelu"
	}
	return "Unknown"
}

// Op is a tagged operation descriptor. Rows and Cols carry the
// explicit output shape of the matmul family, Eps the LayerNorm
// epsilon and Scale the reserved attention scaling factor.
type Op struct {
	Kind  OpKind
	Rows  int
	Cols  int
	Eps   float32
	Scale float32
}

func MatMul(rows, cols int) Op { return Op{Kind: OpMatMul, Rows: rows, Cols: cols} }
func Add() Op                  { return Op{Kind: OpAdd} }
func Gelu() Op                 { return Op{Kind: OpGelu} }
func LayerNorm(eps float32) Op { return Op{Kind: OpLayerNorm, Eps: eps} }
func Softmax() Op              { return Op{Kind: OpSoftmax} }

func FusedLinearAdd(rows, cols int) Op {
	return Op{Kind: OpFusedLinearAdd, Rows: rows, Cols: cols}
}
func FusedLinearGelu(rows, cols int) Op {
	return Op{Kind: OpFusedLinearGelu, Rows: rows, Cols: cols}
}
func FusedLinearAddGelu(rows, cols int) Op {
	return Op{Kind: OpFusedLinearAddGelu, Rows: rows, Cols: cols}
}

// Node couples an op with the ids of its inputs.
type Node struct {
	ID     NodeID
	Op     Op
	Inputs []NodeID
}

// Graph is an append-only dataflow graph. External inputs reserve the
// lowest ids before any node is added; node inputs may reference
// earlier nodes or those external ids, so cycles cannot be
// constructed. Once built, a graph is treated as immutable.
type Graph struct {
	nodes   []*Node // indexed by id; nil slots are external inputs
	inputs  int
	outputs []NodeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{}
}

// Input reserves the next id as an external input: a value the
// executor must be given, never produced inside the graph. All inputs
// must be declared before the first AddNode so their ids stay stable
// across optimization.
func (g *Graph) Input() NodeID {
	if len(g.nodes) != g.inputs {
		panic("graph: external inputs must be declared before nodes")
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, nil)
	g.inputs++
	return id
}

// AddNode appends a node and returns its id. Inputs must reference
// already-allocated ids.
func (g *Graph) AddNode(op Op, inputs ...NodeID) NodeID {
	for _, in := range inputs {
		if in < 0 || int(in) >= len(g.nodes) {
			panic("graph: node references an unallocated id")
		}
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &Node{ID: id, Op: op, Inputs: inputs})
	return id
}

// Node returns the node with the given id. ok is false for external
// input ids and ids outside the graph.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	if id < 0 || int(id) >= len(g.nodes) || g.nodes[id] == nil {
		return nil, false
	}
	return g.nodes[id], true
}

// IsInput reports whether id is a reserved external input.
func (g *Graph) IsInput(id NodeID) bool {
	return id >= 0 && int(id) < g.inputs
}

// SetOutput marks id as a graph output. Duplicates are ignored and
// output order is preserved.
func (g *Graph) SetOutput(id NodeID) {
	for _, o := range g.outputs {
		if o == id {
			return
		}
	}
	g.outputs = append(g.outputs, id)
}

// Outputs returns the ordered output ids.
func (g *Graph) Outputs() []NodeID {
	return g.outputs
}

// NumInputs returns the number of reserved external inputs.
func (g *Graph) NumInputs() int {
	return g.inputs
}

// NumNodes returns the number of stored nodes, externals excluded.
func (g *Graph) NumNodes() int {
	return len(g.nodes) - g.inputs
}

// Len returns the total number of allocated ids.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// TopoOrder returns every node reachable from the outputs in
// dependency order: each node appears exactly once, after all of its
// producers. External inputs are skipped and unreachable nodes never
// appear.
func (g *Graph) TopoOrder() []NodeID {
	visited := make([]bool, len(g.nodes))
	order := make([]NodeID, 0, g.NumNodes())

	type frame struct {
		id   NodeID
		next int
	}
	var stack []frame

	for _, out := range g.outputs {
		if visited[out] || g.nodes[out] == nil {
			continue
		}
		visited[out] = true
		stack = append(stack, frame{id: out})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := g.nodes[top.id]
			if top.next < len(n.Inputs) {
				in := n.Inputs[top.next]
				top.next++
				if !visited[in] && g.nodes[in] != nil {
					visited[in] = true
					stack = append(stack, frame{id: in})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}
