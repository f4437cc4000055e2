package graph

// Optimize rewrites g into a new graph with every applicable fusion
// collapsed into a single node. The input graph is never modified and
// optimization never fails: a match is skipped when collapsing it
// would orphan a value that something outside the chain still reads.
// External input ids are preserved, so a value binding built for g
// works unchanged on the result. Nodes unreachable from the outputs
// are dropped.
func Optimize(g *Graph) *Graph {
	order := g.TopoOrder()

	// Consumer index over the reachable graph. Designated outputs are
	// consumers too: fusing away an output would lose its value.
	consumers := make(map[NodeID][]NodeID, len(order))
	for _, id := range order {
		n, _ := g.Node(id)
		for _, in := range n.Inputs {
			consumers[in] = append(consumers[in], id)
		}
	}
	isOutput := make(map[NodeID]bool, len(g.outputs))
	for _, o := range g.outputs {
		isOutput[o] = true
	}

	roots := make(map[NodeID]Pattern)
	subsumed := make(map[NodeID]bool)
	for _, m := range DetectAll(g) {
		set := FusibleNodes(g, m.Root, m.Pattern)
		if len(set) == 0 || !applicable(g, m, set, consumers, isOutput) {
			continue
		}
		roots[m.Root] = m.Pattern
		for _, id := range set {
			if id != m.Root {
				subsumed[id] = true
			}
		}
	}

	// Re-emit. The external inputs are reserved first so their ids map
	// to themselves; node ids are translated incrementally.
	out := New()
	idMap := make(map[NodeID]NodeID, g.Len())
	for i := 0; i < g.NumInputs(); i++ {
		id := out.Input()
		idMap[id] = id
	}
	for _, id := range order {
		// A root swallowed by a deeper chain is dropped with it.
		if subsumed[id] {
			continue
		}
		n, _ := g.Node(id)
		if p, ok := roots[id]; ok {
			a, b, bias, rows, cols, _ := chainOperands(g, id, p)
			switch p {
			case PatternLinearAdd:
				idMap[id] = out.AddNode(FusedLinearAdd(rows, cols), idMap[a], idMap[b], idMap[bias])
			case PatternLinearGelu:
				idMap[id] = out.AddNode(FusedLinearGelu(rows, cols), idMap[a], idMap[b])
			case PatternLinearAddGelu:
				idMap[id] = out.AddNode(FusedLinearAddGelu(rows, cols), idMap[a], idMap[b], idMap[bias])
			}
			continue
		}
		inputs := make([]NodeID, len(n.Inputs))
		for i, in := range n.Inputs {
			inputs[i] = idMap[in]
		}
		idMap[id] = out.AddNode(n.Op, inputs...)
	}

	for _, o := range g.outputs {
		if newID, ok := idMap[o]; ok {
			out.SetOutput(newID)
		}
	}
	return out
}

// applicable reports whether a match can fuse without changing graph
// semantics: every interior node must be consumed only inside the
// chain and must not be a designated output, and the chain's free
// operands must lie outside the chain.
func applicable(g *Graph, m Match, set []NodeID, consumers map[NodeID][]NodeID, isOutput map[NodeID]bool) bool {
	inSet := make(map[NodeID]bool, len(set))
	for _, id := range set {
		inSet[id] = true
	}
	for _, id := range set {
		if id == m.Root {
			continue
		}
		if isOutput[id] {
			return false
		}
		for _, c := range consumers[id] {
			if !inSet[c] {
				return false
			}
		}
	}
	a, b, bias, _, _, ok := chainOperands(g, m.Root, m.Pattern)
	if !ok {
		return false
	}
	if inSet[a] || inSet[b] || (bias >= 0 && inSet[bias]) {
		return false
	}
	return true
}
