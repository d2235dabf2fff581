package knowledge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"
)

func addrHash(a uint64) uint64 { return a }

// Manager owns every recovered function and the call graph derived from
// their call edges.
type Manager struct {
	funcs     map[uint64]*Function
	callgraph graph.Graph[uint64, uint64]
}

// NewManager creates an empty function store.
func NewManager() *Manager {
	return &Manager{
		funcs:     make(map[uint64]*Function),
		callgraph: graph.New(addrHash, graph.Directed()),
	}
}

// Get returns the function at addr, or nil.
func (m *Manager) Get(addr uint64) *Function { return m.funcs[addr] }

// Has reports whether a function exists at addr.
func (m *Manager) Has(addr uint64) bool {
	_, ok := m.funcs[addr]
	return ok
}

// Ensure returns the function at addr, creating it first if needed.
func (m *Manager) Ensure(addr uint64, syscall bool) *Function {
	if f, ok := m.funcs[addr]; ok {
		return f
	}
	f := NewFunction(addr, syscall)
	m.funcs[addr] = f
	m.ensureCallNode(addr)
	return f
}

// Remove deletes the function at addr.
func (m *Manager) Remove(addr uint64) {
	delete(m.funcs, addr)
}

// Len returns the number of recovered functions.
func (m *Manager) Len() int { return len(m.funcs) }

// Addrs returns all function addresses in ascending order.
func (m *Manager) Addrs() []uint64 {
	addrs := make([]uint64, 0, len(m.funcs))
	for a := range m.funcs {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return addrs
}

// Funcs returns all functions in ascending address order.
func (m *Manager) Funcs() []*Function {
	out := make([]*Function, 0, len(m.funcs))
	for _, a := range m.Addrs() {
		out = append(out, m.funcs[a])
	}
	return out
}

// Copy returns a new manager holding the same Function objects. The call
// graph is not copied; it is rebuilt as edges are re-recorded.
func (m *Manager) Copy() *Manager {
	c := NewManager()
	for a, f := range m.funcs {
		c.funcs[a] = f
		c.ensureCallNode(a)
	}
	return c
}

// Clear drops every function and the call graph.
func (m *Manager) Clear() {
	m.funcs = make(map[uint64]*Function)
	m.callgraph = graph.New(addrHash, graph.Directed())
}

// Callers returns the addresses of functions with a recorded call to addr,
// in ascending order.
func (m *Manager) Callers(addr uint64) []uint64 {
	preds, err := m.callgraph.PredecessorMap()
	if err != nil {
		log.WithError(err).Error("call graph predecessor map")
		return nil
	}
	var out []uint64
	for p := range preds[addr] {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) ensureCallNode(addr uint64) {
	if err := m.callgraph.AddVertex(addr); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		log.WithError(err).Errorf("call graph vertex %#x", addr)
	}
}

// AddCallTo records a call from fromBlock inside the function at fromFunc to
// the function (or hooked external, when external is set) at toFunc.
func (m *Manager) AddCallTo(fromFunc, fromBlock, toFunc uint64, syscall, external bool) {
	f := m.Ensure(fromFunc, false)
	kind := FunctionRefNode
	if external {
		kind = ExternalHookNode
	}
	src := &GraphNode{Kind: BasicBlockNode, Addr: fromBlock, Size: f.BlockSize(fromBlock)}
	dst := &GraphNode{Kind: kind, Addr: toFunc}
	f.addEdge(src, dst, &TransitionEdge{Kind: CallTransition, Syscall: syscall})

	m.ensureCallNode(fromFunc)
	m.ensureCallNode(toFunc)
	if err := m.callgraph.AddEdge(fromFunc, toFunc); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		log.WithError(err).Errorf("call graph edge %#x -> %#x", fromFunc, toFunc)
	}
}

// AddReturnFrom records that retBlock inside the function at funcAddr
// returns to the caller.
func (m *Manager) AddReturnFrom(funcAddr, retBlock uint64) {
	m.Ensure(funcAddr, false).AddRetSite(retBlock)
}

// AddFakeRetTo records the post-call fallthrough from fromBlock to toAddr on
// the function at funcAddr.
func (m *Manager) AddFakeRetTo(funcAddr, fromBlock, toAddr uint64, toOutside bool) {
	f := m.Ensure(funcAddr, false)
	src := &GraphNode{Kind: BasicBlockNode, Addr: fromBlock, Size: f.BlockSize(fromBlock)}
	dst := &GraphNode{Kind: BasicBlockNode, Addr: toAddr, Size: f.BlockSize(toAddr)}
	f.addEdge(src, dst, &TransitionEdge{Kind: FakeReturn, ToOutside: toOutside, Confirmed: true})
}

// AddTransitionTo records ordinary intra-function control flow.
func (m *Manager) AddTransitionTo(funcAddr, from, to uint64) {
	f := m.Ensure(funcAddr, false)
	src := &GraphNode{Kind: BasicBlockNode, Addr: from, Size: f.BlockSize(from)}
	dst := &GraphNode{Kind: BasicBlockNode, Addr: to, Size: f.BlockSize(to)}
	f.addEdge(src, dst, &TransitionEdge{Kind: Transition})
}

// AddOutsideTransitionTo records a tail jump from a block of the function at
// funcAddr to an address claimed by a different function.
func (m *Manager) AddOutsideTransitionTo(funcAddr, from, to uint64) {
	f := m.Ensure(funcAddr, false)
	src := &GraphNode{Kind: BasicBlockNode, Addr: from, Size: f.BlockSize(from)}
	dst := &GraphNode{Kind: FunctionRefNode, Addr: to}
	f.addEdge(src, dst, &TransitionEdge{Kind: Transition, ToOutside: true})
}

func (m *Manager) String() string {
	return fmt.Sprintf("<FunctionManager %d functions>", len(m.funcs))
}
