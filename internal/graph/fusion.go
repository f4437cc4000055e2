package graph

// Pattern identifies a fusible op chain rooted at a node.
type Pattern uint8

const (
	PatternNone Pattern = iota
	// PatternLinearAdd is Add(MatMul(a, b), bias).
	PatternLinearAdd
	// PatternLinearGelu is Gelu(MatMul(a, b)).
	PatternLinearGelu
	// PatternLinearAddGelu is Gelu(Add(MatMul(a, b), bias)).
	PatternLinearAddGelu
	// Reserved for the planned attention kernels; never detected.
	PatternAttentionAdd
	PatternSoftmaxScale
)

func (p Pattern) String() string {
	switch p {
	case PatternNone:
		return "None"
	case PatternLinearAdd:
		return "LinearAdd"
	case PatternLinearGelu:
		return "LinearGelu"
	case PatternLinearAddGelu:
		return "LinearAddGelu"
	case PatternAttentionAdd:
		return "AttentionAdd"
	case PatternSoftmaxScale:
		return "SoftmaxScale"
	}
	return "Unknown"
}

// Match pairs a fusion root with the pattern detected there.
type Match struct {
	Root    NodeID
	Pattern Pattern
}

// Detect reports the fusion pattern rooted at id, or PatternNone.
// Detection never modifies the graph. At a Gelu root the deeper
// LinearAddGelu chain is preferred over plain LinearGelu.
func Detect(g *Graph, id NodeID) Pattern {
	n, ok := g.Node(id)
	if !ok {
		return PatternNone
	}
	switch n.Op.Kind {
	case OpAdd:
		if _, ok := g.matMulInput(n); ok {
			return PatternLinearAdd
		}
	case OpGelu:
		if len(n.Inputs) != 1 {
			return PatternNone
		}
		in, ok := g.Node(n.Inputs[0])
		if !ok {
			return PatternNone
		}
		switch in.Op.Kind {
		case OpMatMul:
			return PatternLinearGelu
		case OpAdd:
			if _, ok := g.matMulInput(in); ok {
				return PatternLinearAddGelu
			}
		}
	}
	return PatternNone
}

// matMulInput returns the input index of the first MatMul operand of
// an Add node. The first input is checked before the second, which
// breaks the tie when both are MatMuls.
func (g *Graph) matMulInput(n *Node) (int, bool) {
	if n.Op.Kind != OpAdd || len(n.Inputs) != 2 {
		return 0, false
	}
	for idx, in := range n.Inputs {
		if m, ok := g.Node(in); ok && m.Op.Kind == OpMatMul {
			return idx, true
		}
	}
	return 0, false
}

// DetectAll scans every id in ascending order and returns the
// non-trivial matches.
func DetectAll(g *Graph) []Match {
	var matches []Match
	for id := NodeID(0); int(id) < g.Len(); id++ {
		if p := Detect(g, id); p != PatternNone {
			matches = append(matches, Match{Root: id, Pattern: p})
		}
	}
	return matches
}

// FusibleNodes returns the ids a fusion of pattern p at root would
// consume: the chain interior followed by the root. Inputs always
// precede their consumers, so the result is ascending. Empty when the
// pattern does not actually match at root.
func FusibleNodes(g *Graph, root NodeID, p Pattern) []NodeID {
	n, ok := g.Node(root)
	if !ok {
		return nil
	}
	switch p {
	case PatternLinearAdd:
		idx, ok := g.matMulInput(n)
		if !ok {
			return nil
		}
		return []NodeID{n.Inputs[idx], root}
	case PatternLinearGelu:
		if len(n.Inputs) != 1 {
			return nil
		}
		return []NodeID{n.Inputs[0], root}
	case PatternLinearAddGelu:
		if len(n.Inputs) != 1 {
			return nil
		}
		add, ok := g.Node(n.Inputs[0])
		if !ok {
			return nil
		}
		idx, ok := g.matMulInput(add)
		if !ok {
			return nil
		}
		return []NodeID{add.Inputs[idx], add.ID, root}
	}
	return nil
}

// chainOperands resolves the free operands a fused node consumes: the
// matmul's two operands, the bias for the Add-carrying patterns
// (bias < 0 when absent) and the matmul's explicit output shape.
func chainOperands(g *Graph, root NodeID, p Pattern) (a, b, bias NodeID, rows, cols int, ok bool) {
	n, found := g.Node(root)
	if !found {
		return 0, 0, -1, 0, 0, false
	}
	bias = -1
	var m *Node
	switch p {
	case PatternLinearAdd:
		idx, found := g.matMulInput(n)
		if !found {
			return 0, 0, -1, 0, 0, false
		}
		m, _ = g.Node(n.Inputs[idx])
		bias = n.Inputs[1-idx]
	case PatternLinearGelu:
		m, _ = g.Node(n.Inputs[0])
	case PatternLinearAddGelu:
		add, found := g.Node(n.Inputs[0])
		if !found {
			return 0, 0, -1, 0, 0, false
		}
		idx, found := g.matMulInput(add)
		if !found {
			return 0, 0, -1, 0, 0, false
		}
		m, _ = g.Node(add.Inputs[idx])
		bias = add.Inputs[1-idx]
	default:
		return 0, 0, -1, 0, 0, false
	}
	if m == nil || len(m.Inputs) != 2 {
		return 0, 0, -1, 0, 0, false
	}
	return m.Inputs[0], m.Inputs[1], bias, m.Op.Rows, m.Op.Cols, true
}
