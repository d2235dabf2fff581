// Package knowledge holds the recovered-function store that CFG analyses
// read and rewrite: per-function block membership, the transition graph over
// a function's own blocks and callees, and the derived call graph.
package knowledge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dominikbraun/graph"
)

// NodeKind tags what a transition-graph node stands for.
type NodeKind uint8

const (
	// BasicBlockNode is an ordinary lifted block belonging to the function.
	BasicBlockNode NodeKind = iota
	// ExternalHookNode is a hooked external procedure appearing as a callee.
	ExternalHookNode
	// FunctionRefNode is another recovered function appearing as a callee.
	FunctionRefNode
)

func (k NodeKind) String() string {
	switch k {
	case BasicBlockNode:
		return "block"
	case ExternalHookNode:
		return "hook"
	case FunctionRefNode:
		return "func"
	default:
		return "unk"
	}
}

// NodeRef identifies a transition-graph node.
type NodeRef struct {
	Kind NodeKind
	Addr uint64
}

// GraphNode is one node of a function's transition graph.
type GraphNode struct {
	Kind NodeKind
	Addr uint64
	Size uint64
}

// Ref returns the node's identity.
func (n *GraphNode) Ref() NodeRef { return NodeRef{Kind: n.Kind, Addr: n.Addr} }

func (n *GraphNode) String() string {
	return fmt.Sprintf("<%s %#x>", n.Kind, n.Addr)
}

// TransitionKind classifies an edge of a function's transition graph.
type TransitionKind uint8

const (
	// Transition is ordinary intra-function control flow.
	Transition TransitionKind = iota
	// CallTransition is a call to another function or hook.
	CallTransition
	// FakeReturn models the post-call fallthrough.
	FakeReturn
)

func (t TransitionKind) String() string {
	switch t {
	case CallTransition:
		return "call"
	case FakeReturn:
		return "fake_return"
	default:
		return "transition"
	}
}

// TransitionEdge is the data attached to every transition-graph edge.
type TransitionEdge struct {
	Kind TransitionKind
	// ToOutside marks a transition whose destination belongs to a different
	// function (a tail jump, or a fake return landing past the function).
	ToOutside bool
	Confirmed bool
	Syscall   bool
}

func nodeHash(n *GraphNode) NodeRef { return n.Ref() }

// Function is one recovered function: its member blocks, its transition
// graph, and what is known about whether it returns to its caller.
type Function struct {
	Addr      uint64
	IsPLT     bool
	IsSyscall bool

	blocks    map[uint64]uint64 // block addr -> size
	retSites  map[uint64]struct{}
	returning *bool

	g graph.Graph[NodeRef, *GraphNode]
}

// NewFunction creates an empty function at addr.
func NewFunction(addr uint64, syscall bool) *Function {
	return &Function{
		Addr:      addr,
		IsSyscall: syscall,
		blocks:    make(map[uint64]uint64),
		retSites:  make(map[uint64]struct{}),
		g:         graph.New(nodeHash, graph.Directed()),
	}
}

// Returning reports the function's tri-state return status: known reports
// whether the status has been decided at all.
func (f *Function) Returning() (returns, known bool) {
	if f.returning == nil {
		return false, false
	}
	return *f.returning, true
}

// SetReturning decides the return status. Once decided the status is final;
// later calls are ignored.
func (f *Function) SetReturning(v bool) {
	if f.returning != nil {
		return
	}
	f.returning = &v
}

// AddBlock records a member block. A later call may grow a block whose size
// was unknown when first seen.
func (f *Function) AddBlock(addr, size uint64) {
	f.blocks[addr] = size
	f.ensureNode(&GraphNode{Kind: BasicBlockNode, Addr: addr, Size: size})
}

// HasBlock reports whether addr is a member block of the function.
func (f *Function) HasBlock(addr uint64) bool {
	_, ok := f.blocks[addr]
	return ok
}

// BlockAddrs returns the member block addresses in ascending order.
func (f *Function) BlockAddrs() []uint64 {
	addrs := make([]uint64, 0, len(f.blocks))
	for a := range f.blocks {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return addrs
}

// BlockSize returns the recorded size of a member block.
func (f *Function) BlockSize(addr uint64) uint64 { return f.blocks[addr] }

// NumBlocks returns the member block count.
func (f *Function) NumBlocks() int { return len(f.blocks) }

// Startpoint returns the function's entry block address.
func (f *Function) Startpoint() uint64 { return f.Addr }

// AddRetSite records a block that returns to the caller.
func (f *Function) AddRetSite(addr uint64) {
	f.retSites[addr] = struct{}{}
}

// Endpoints returns the addresses of blocks with no further intra-function
// transition, in ascending order. A function with any endpoint returns by
// definition.
func (f *Function) Endpoints() []uint64 {
	eps := make([]uint64, 0, len(f.retSites))
	for a := range f.retSites {
		eps = append(eps, a)
	}
	slices.Sort(eps)
	return eps
}

// TransitionGraph exposes the function's transition graph.
func (f *Function) TransitionGraph() graph.Graph[NodeRef, *GraphNode] { return f.g }

func (f *Function) ensureNode(n *GraphNode) {
	if err := f.g.AddVertex(n); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		panic(fmt.Sprintf("transition graph vertex %s: %v", n, err))
	}
}

func (f *Function) addEdge(src, dst *GraphNode, data *TransitionEdge) {
	f.ensureNode(src)
	f.ensureNode(dst)
	if err := f.g.AddEdge(src.Ref(), dst.Ref(), graph.EdgeData(data)); err != nil &&
		!errors.Is(err, graph.ErrEdgeAlreadyExists) {
		panic(fmt.Sprintf("transition graph edge %s -> %s: %v", src, dst, err))
	}
}

// Normalize shrinks member blocks so that none overlaps its successor in
// address order. Called after the CFG itself has been normalized.
func (f *Function) Normalize() {
	addrs := f.BlockAddrs()
	for i := 0; i < len(addrs)-1; i++ {
		if addrs[i]+f.blocks[addrs[i]] > addrs[i+1] {
			f.blocks[addrs[i]] = addrs[i+1] - addrs[i]
		}
	}
}

func (f *Function) String() string {
	ret := "unknown"
	if f.returning != nil {
		ret = fmt.Sprintf("%t", *f.returning)
	}
	return fmt.Sprintf("<Function %#x blocks=%d returning=%s>", f.Addr, len(f.blocks), ret)
}
