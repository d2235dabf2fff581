package cfg

import (
	stderrors "errors"
	"slices"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
)

// AddNode inserts a node into the graph, assigning it a stable ID. If a node
// with the same (address, context) identity already exists, that node is
// returned unchanged.
func (c *CFG) AddNode(n *Node) *Node {
	if id, ok := c.byKey[n.Key()]; ok {
		return c.nodes[id]
	}
	c.nextID++
	n.ID = c.nextID
	c.nodes[n.ID] = n
	c.byKey[n.Key()] = n.ID
	c.byAddr[n.Addr] = append(c.byAddr[n.Addr], n.ID)
	if err := c.g.AddVertex(n); err != nil {
		log.WithError(err).Errorf("add vertex %s", n)
	}
	return n
}

// removeNode drops a node and all its edges, retiring its ID.
func (c *CFG) removeNode(n *Node) {
	preds, _ := c.g.PredecessorMap()
	for p := range preds[n.ID] {
		if err := c.g.RemoveEdge(p, n.ID); err != nil {
			log.WithError(err).Errorf("remove in-edge %d -> %d", p, n.ID)
		}
	}
	adj, _ := c.g.AdjacencyMap()
	for s := range adj[n.ID] {
		if err := c.g.RemoveEdge(n.ID, s); err != nil {
			log.WithError(err).Errorf("remove out-edge %d -> %d", n.ID, s)
		}
	}
	if err := c.g.RemoveVertex(n.ID); err != nil {
		log.WithError(err).Errorf("remove vertex %s", n)
	}
	delete(c.nodes, n.ID)
	if c.byKey[n.Key()] == n.ID {
		delete(c.byKey, n.Key())
	}
	ids := c.byAddr[n.Addr]
	for i, id := range ids {
		if id == n.ID {
			c.byAddr[n.Addr] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.byAddr[n.Addr]) == 0 {
		delete(c.byAddr, n.Addr)
	}
}

// AddEdge connects two nodes already in the graph.
func (c *CFG) AddEdge(src, dst *Node, kind JumpKind, stmtIdx int) error {
	err := c.g.AddEdge(src.ID, dst.ID, graph.EdgeData(&EdgeInfo{Kind: kind, StmtIdx: stmtIdx}))
	if err != nil && !stderrors.Is(err, graph.ErrEdgeAlreadyExists) {
		return errors.Wrapf(err, "failed to add %s edge %s -> %s", kind, src, dst)
	}
	return nil
}

// RemoveEdge drops the edge between two nodes if one exists.
func (c *CFG) RemoveEdge(src, dst *Node) {
	if err := c.g.RemoveEdge(src.ID, dst.ID); err != nil && !stderrors.Is(err, graph.ErrEdgeNotFound) {
		log.WithError(err).Errorf("remove edge %s -> %s", src, dst)
	}
}

// Node returns the node with the exact (address, context) identity, or nil.
func (c *CFG) Node(addr uint64, ctx Context) *Node {
	if id, ok := c.byKey[NodeKey{Addr: addr, Ctx: ctx}]; ok {
		return c.nodes[id]
	}
	return nil
}

// HasNode reports whether n is (still) part of the graph.
func (c *CFG) HasNode(n *Node) bool {
	_, ok := c.nodes[n.ID]
	return ok && c.nodes[n.ID] == n
}

// Len returns the node count.
func (c *CFG) Len() int { return len(c.nodes) }

// Nodes returns every node, ordered by (addr, context).
func (c *CFG) Nodes() []*Node {
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

type lookup struct {
	anyAddr bool
	syscall *bool
}

// LookupOption refines node queries.
type LookupOption func(*lookup)

// AnyAddress matches nodes whose [addr, addr+size) range contains the query
// address instead of requiring an exact start match. Meaningful once the CFG
// has been normalized.
func AnyAddress() LookupOption {
	return func(l *lookup) { l.anyAddr = true }
}

// SyscallOnly restricts a query to syscall nodes.
func SyscallOnly() LookupOption {
	yes := true
	return func(l *lookup) { l.syscall = &yes }
}

// NoSyscall restricts a query to non-syscall nodes.
func NoSyscall() LookupOption {
	no := false
	return func(l *lookup) { l.syscall = &no }
}

// GetAnyNode returns an arbitrary (but deterministic) node at addr without
// regard to context, skipping unrolled-loop instances. Returns nil when
// nothing matches.
func (c *CFG) GetAnyNode(addr uint64, opts ...LookupOption) *Node {
	var l lookup
	for _, opt := range opts {
		opt(&l)
	}

	if !l.anyAddr {
		for _, n := range c.nodesAt(addr) {
			if matchNode(n, &l) {
				return n
			}
		}
		return nil
	}

	for _, n := range c.Nodes() {
		if n.Size == 0 || !n.Contains(addr) {
			continue
		}
		if matchNode(n, &l) {
			return n
		}
	}
	return nil
}

func matchNode(n *Node, l *lookup) bool {
	if n.Ctx.Loops != 0 {
		return false
	}
	if l.syscall != nil && n.IsSyscall != *l.syscall {
		return false
	}
	return true
}

// GetAllNodes returns every context variant at addr, ordered by context.
func (c *CFG) GetAllNodes(addr uint64, opts ...LookupOption) []*Node {
	var l lookup
	for _, opt := range opts {
		opt(&l)
	}
	var out []*Node
	for _, n := range c.nodesAt(addr) {
		if l.syscall != nil && n.IsSyscall != *l.syscall {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (c *CFG) nodesAt(addr uint64) []*Node {
	ids := c.byAddr[addr]
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.nodes[id])
	}
	sortNodes(out)
	return out
}

// Predecessors returns the nodes with an edge into n. With excludeFakeRet,
// post-call fallthrough edges are skipped so only realized control flow is
// traversed.
func (c *CFG) Predecessors(n *Node, excludeFakeRet bool) []*Node {
	preds, err := c.g.PredecessorMap()
	if err != nil {
		log.WithError(err).Error("predecessor map")
		return nil
	}
	var out []*Node
	for id, e := range preds[n.ID] {
		if excludeFakeRet && edgeInfo(e).Kind == FakeRet {
			continue
		}
		out = append(out, c.nodes[id])
	}
	sortNodes(out)
	return out
}

// Successors returns the nodes n has an edge into, with the same fake-return
// filtering as Predecessors.
func (c *CFG) Successors(n *Node, excludeFakeRet bool) []*Node {
	var out []*Node
	for _, se := range c.SuccessorsAndJumpKinds(n, excludeFakeRet) {
		out = append(out, se.Node)
	}
	return out
}

// SuccessorEdge pairs a successor node with the kind of edge reaching it.
type SuccessorEdge struct {
	Node *Node
	Kind JumpKind
	// StmtIdx is the exit statement index carried by the edge.
	StmtIdx int
}

// SuccessorsAndJumpKinds returns n's out-edges with their jump kinds.
func (c *CFG) SuccessorsAndJumpKinds(n *Node, excludeFakeRet bool) []SuccessorEdge {
	adj, err := c.g.AdjacencyMap()
	if err != nil {
		log.WithError(err).Error("adjacency map")
		return nil
	}
	var out []SuccessorEdge
	for id, e := range adj[n.ID] {
		info := edgeInfo(e)
		if excludeFakeRet && info.Kind == FakeRet {
			continue
		}
		out = append(out, SuccessorEdge{Node: c.nodes[id], Kind: info.Kind, StmtIdx: info.StmtIdx})
	}
	slices.SortFunc(out, func(a, b SuccessorEdge) int { return compareNodes(a.Node, b.Node) })
	return out
}

// GetAllPredecessors returns every node from which n is reachable.
func (c *CFG) GetAllPredecessors(n *Node) []*Node {
	return c.walk(n, func(m *Node) []*Node { return c.Predecessors(m, false) })
}

// GetAllSuccessors returns every node reachable from n.
func (c *CFG) GetAllSuccessors(n *Node) []*Node {
	return c.walk(n, func(m *Node) []*Node { return c.Successors(m, false) })
}

func (c *CFG) walk(start *Node, next func(*Node) []*Node) []*Node {
	seen := map[NodeID]struct{}{start.ID: {}}
	stack := []*Node{start}
	var out []*Node
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range next(n) {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
			stack = append(stack, m)
		}
	}
	sortNodes(out)
	return out
}

// BranchingNodes returns every node with two or more out-edges.
func (c *CFG) BranchingNodes() []*Node {
	adj, err := c.g.AdjacencyMap()
	if err != nil {
		log.WithError(err).Error("adjacency map")
		return nil
	}
	var out []*Node
	for id, edges := range adj {
		if len(edges) >= 2 {
			out = append(out, c.nodes[id])
		}
	}
	sortNodes(out)
	return out
}

// GetExitStmtIdx returns the exit statement index attached to the direct
// edge from src to dst. Asking about a non-edge is a structural error.
func (c *CFG) GetExitStmtIdx(src, dst *Node) (int, error) {
	e, err := c.g.Edge(src.ID, dst.ID)
	if err != nil {
		return 0, errors.Wrapf(ErrNoEdge, "(%s, %s)", src, dst)
	}
	info, ok := e.Properties.Data.(*EdgeInfo)
	if !ok {
		return 0, errors.Wrapf(ErrInvariant, "edge (%s, %s) carries no info", src, dst)
	}
	return info.StmtIdx, nil
}

func edgeInfo(e graph.Edge[NodeID]) *EdgeInfo {
	if info, ok := e.Properties.Data.(*EdgeInfo); ok {
		return info
	}
	return &EdgeInfo{Kind: Unmodeled, StmtIdx: DefaultStmtIdx}
}
