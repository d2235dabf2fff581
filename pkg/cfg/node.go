// Package cfg recovers a control flow graph and function boundaries from a
// disassembled binary: it accumulates basic blocks and edges fed in by an
// external worklist, resolves block overlaps, decides which functions return
// to their caller, and rebuilds function boundaries from the finished graph.
package cfg

import (
	"fmt"
	"slices"
)

// NodeID is the stable identity of a node inside one CFG. Replacing a node
// during normalization retires its ID and hands out a new one; edges are
// always keyed by ID, never by pointer.
type NodeID int

// CallStackKey is an opaque call-stack signature distinguishing otherwise
// identical blocks reached under different calling contexts.
type CallStackKey string

// Context is the context-sensitivity key of a node.
type Context struct {
	CallStack CallStackKey
	// Loops counts how many times the innermost loop containing the block
	// had been unrolled when this instance was created.
	Loops int
}

func (c Context) String() string {
	return fmt.Sprintf("[%s|%d]", string(c.CallStack), c.Loops)
}

// NodeKey is the graph identity of a node: two nodes are the same iff their
// address and context match.
type NodeKey struct {
	Addr uint64
	Ctx  Context
}

// Node is one basic block instance in a specific calling context.
type Node struct {
	ID   NodeID
	Addr uint64
	// Size in bytes. Zero until the block has been processed.
	Size uint64
	Ctx  Context

	// FunctionAddr is the entry address of the function the block currently
	// belongs to. Rewritten by MakeFunctions.
	FunctionAddr uint64

	IsSyscall      bool
	IsSimProcedure bool
	// HasReturn marks a block ending in a return to its caller.
	HasReturn bool
	// NoReturn marks a block known to never reach its fallthrough.
	NoReturn bool

	InstructionAddrs []uint64

	// InputState optionally saves the interpreter entry state the block was
	// first lifted with, so the block's semantic run can be reconstructed
	// lazily via CFG.BlockFromNode.
	InputState *State
}

// Key returns the node's graph identity.
func (n *Node) Key() NodeKey { return NodeKey{Addr: n.Addr, Ctx: n.Ctx} }

// EndAddr returns the first address past the block.
func (n *Node) EndAddr() uint64 { return n.Addr + n.Size }

// Contains reports whether addr falls inside [Addr, Addr+Size).
func (n *Node) Contains(addr uint64) bool {
	return n.Addr <= addr && addr < n.EndAddr()
}

func (n *Node) String() string {
	if n.IsSimProcedure {
		return fmt.Sprintf("<Node %#x%s hook>", n.Addr, n.Ctx)
	}
	return fmt.Sprintf("<Node %#x%s size=%d>", n.Addr, n.Ctx, n.Size)
}

// compareNodes orders nodes by (addr, callstack, loops) for deterministic
// iteration.
func compareNodes(a, b *Node) int {
	if a.Addr != b.Addr {
		if a.Addr < b.Addr {
			return -1
		}
		return 1
	}
	if c := compareContexts(a.Ctx, b.Ctx); c != 0 {
		return c
	}
	return int(a.ID) - int(b.ID)
}

func compareContexts(a, b Context) int {
	if a.CallStack != b.CallStack {
		if a.CallStack < b.CallStack {
			return -1
		}
		return 1
	}
	return a.Loops - b.Loops
}

func sortNodes(nodes []*Node) {
	slices.SortFunc(nodes, compareNodes)
}
