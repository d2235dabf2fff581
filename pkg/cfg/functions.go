package cfg

import (
	"slices"
	"strings"

	"github.com/apex/log"

	"github.com/blacktop/go-cfg/pkg/knowledge"
)

// pltAlign is the boundary PLT stubs are assumed to be aligned to. A
// duplicate entry detected a few bytes into an aligned stub collapses onto
// the aligned one.
const pltAlign = 16

// irrationalSlack is how far back from a function's last block a probed tail
// jump may land and still count as part of the function.
const irrationalSlack = 0x40

// MakeFunctions revisits the finished graph and rebuilds every function
// boundary:
//   - functions created by unresolved indirect jumps landing inside another
//     function's body are merged into the enclosing function,
//   - the graph is re-partitioned by a traversal that never follows call or
//     syscall edges, so each function claims exactly its own blocks,
//   - tail jumps to other functions become outside transitions,
//   - duplicate PLT stub entries are collapsed onto their 16-aligned stub.
//
// The function store is reset and repopulated; every graph node ends up with
// its finalized function address.
func (c *CFG) MakeFunctions() error {
	known := c.kb.Copy()
	c.kb.Clear()

	blockToFunc := make(map[uint64]*knowledge.Function)

	removed := c.processIrrationalFunctions(known, blockToFunc)

	// Function entries: call targets, plus everything previously recovered.
	seedSet := make(map[NodeID]*Node)
	for _, n := range c.Nodes() {
		if known.Has(n.Addr) {
			seedSet[n.ID] = n
		}
		if _, ok := removed[n.Addr]; ok {
			seedSet[n.ID] = n
		}
		for _, se := range c.SuccessorsAndJumpKinds(n, false) {
			if se.Kind.IsCall() {
				seedSet[se.Node.ID] = se.Node
			}
		}
	}
	seeds := make([]*Node, 0, len(seedSet))
	for _, n := range seedSet {
		seeds = append(seeds, n)
	}
	// Ascending address order: rational functions get built before any
	// leftover irrational remnant tries to reuse their blocks.
	sortNodes(seeds)

	for _, seed := range seeds {
		c.graphBFS(seed, func(src, dst *Node, e *EdgeInfo) {
			c.traversalHandler(src, dst, e, blockToFunc, known)
		})
	}

	// Collapse stubs detected a few bytes after a PLT entry.
	var collapse []uint64
	for _, addr := range c.kb.Addrs() {
		aligned := addr - addr%pltAlign
		if aligned == addr {
			continue
		}
		if f := c.kb.Get(aligned); f != nil && f.IsPLT {
			collapse = append(collapse, addr)
		}
	}
	for _, addr := range collapse {
		log.Debugf("collapsing duplicate PLT stub %#x", addr)
		c.kb.Remove(addr)
	}

	for _, n := range c.Nodes() {
		if f, ok := blockToFunc[n.Addr]; ok {
			n.FunctionAddr = f.Addr
		}
	}

	return nil
}

// processIrrationalFunctions merges functions that only exist because an
// unresolved indirect jump made their entry look like a call target. Any
// function whose every block lies strictly inside the span of a function
// with an unresolved indirect jump is folded into it. Returns the merged
// function entry addresses.
func (c *CFG) processIrrationalFunctions(known *knowledge.Manager, blockToFunc map[uint64]*knowledge.Function) map[uint64]struct{} {
	mergeInto := make(map[uint64]uint64)

	for _, funcAddr := range known.Addrs() {
		if _, gone := mergeInto[funcAddr]; gone {
			continue
		}
		f := known.Get(funcAddr)

		hasUnresolved := false
		for _, blockAddr := range f.BlockAddrs() {
			if j := c.indirect.Get(blockAddr); j != nil && !j.Resolved() {
				hasUnresolved = true
				break
			}
		}
		if !hasUnresolved {
			continue
		}

		endpoints := f.Endpoints()
		if len(endpoints) == 0 {
			continue
		}
		start := f.Startpoint()
		last := endpoints[len(endpoints)-1]
		lastSize := f.BlockSize(last)
		end := last + lastSize
		if start >= end {
			continue
		}

		end = c.extendSpan(start, last, lastSize, end)

		for _, other := range known.Addrs() {
			if other == funcAddr {
				continue
			}
			if _, gone := mergeInto[other]; gone {
				continue
			}
			if other <= start || other >= end {
				continue
			}
			inside := true
			for _, b := range known.Get(other).BlockAddrs() {
				if b <= start || b >= end {
					inside = false
					break
				}
			}
			if inside {
				mergeInto[other] = funcAddr
			}
		}
	}

	removed := make(map[uint64]struct{}, len(mergeInto))
	addrs := make([]uint64, 0, len(mergeInto))
	for a := range mergeInto {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	for _, a := range addrs {
		target := c.addrToFunction(mergeInto[a], blockToFunc, known)
		for _, b := range known.Get(a).BlockAddrs() {
			blockToFunc[b] = target
		}
		log.Debugf("merged irrational function %#x into %#x", a, mergeInto[a])
		known.Remove(a)
		removed[a] = struct{}{}
	}
	return removed
}

// extendSpan probes straight-line fallthrough and unconditional-jump chains
// past a function's last block, absorbing the tail blocks that jump back
// into the function body via short forward jumps. The probe stops on any
// interpreter fault (keeping the best span found), on multiple successors,
// on a non-boring jump kind, or on a symbolic or out-of-window target.
func (c *CFG) extendSpan(start, lastBlockAddr, lastBlockSize, end uint64) uint64 {
	if c.interp == nil {
		return end
	}

	window := start
	if lastBlockAddr > irrationalSlack && lastBlockAddr-irrationalSlack > start {
		window = lastBlockAddr - irrationalSlack
	}

	probe := end
	for {
		res, err := c.interp.Run(State{Addr: probe}, Boring)
		if err != nil {
			if !IsFault(err) {
				log.WithError(err).Debugf("probe at %#x", probe)
			}
			break
		}
		if len(res.Successors) != 1 {
			break
		}
		suc := res.Successors[0]
		if suc.Kind != Boring || suc.Symbolic {
			break
		}
		if !(window <= suc.Target && suc.Target < lastBlockAddr+lastBlockSize) {
			break
		}
		end = res.Addr + res.Size
		probe = res.Addr + res.Size
	}
	return end
}

// graphBFS is a breadth-first traversal that does not follow call or syscall
// edges, so a walk from a function entry stays within the function and its
// direct continuations. visit is invoked once per edge, and once with a nil
// edge for isolated or returning nodes.
func (c *CFG) graphBFS(start *Node, visit func(src, dst *Node, e *EdgeInfo)) {
	queue := []*Node{start}
	traversed := make(map[NodeID]struct{})

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if _, ok := traversed[n.ID]; ok {
			continue
		}
		traversed[n.ID] = struct{}{}

		if n.HasReturn {
			// the block returns to its caller; whatever edges lead on from
			// here belong to other functions
			visit(n, nil, &EdgeInfo{Kind: Ret, StmtIdx: DefaultStmtIdx})
			continue
		}

		edges := c.SuccessorsAndJumpKinds(n, false)
		if len(edges) == 0 {
			visit(n, nil, nil)
			continue
		}

		for _, se := range edges {
			visit(n, se.Node, &EdgeInfo{Kind: se.Kind, StmtIdx: se.StmtIdx})
			if se.Kind.IsCall() {
				continue
			}
			if _, ok := traversed[se.Node.ID]; !ok {
				queue = append(queue, se.Node)
			}
		}
	}
}

// traversalHandler partitions blocks into functions as the restricted BFS
// reaches them, recording return sites, call and fake-return edges, and
// intra/outside transitions on the rebuilt function store.
func (c *CFG) traversalHandler(src, dst *Node, e *EdgeInfo, blockToFunc map[uint64]*knowledge.Function, known *knowledge.Manager) {
	srcFunc := c.addrToFunction(src.Addr, blockToFunc, known)
	srcFunc.AddBlock(src.Addr, src.Size)

	if e == nil {
		// isolated node; claiming it was all there was to do
		return
	}

	if e.Kind == Ret {
		c.kb.AddReturnFrom(srcFunc.Addr, src.Addr)
	}

	if dst == nil {
		return
	}

	switch e.Kind {
	case Call, Syscall:
		dstFunc := c.addrToFunction(dst.Addr, blockToFunc, known)
		c.kb.AddCallTo(srcFunc.Addr, src.Addr, dst.Addr, e.Kind == Syscall, c.hooks.Hooked(dst.Addr))

		// If the callee comes back, the fallthrough belongs to the caller
		// (unless another function already claimed it).
		if ret, decided := dstFunc.Returning(); decided && ret {
			retTo := src.Addr + src.Size
			if _, ok := blockToFunc[retTo]; !ok {
				blockToFunc[retTo] = srcFunc
			}
			toOutside := blockToFunc[retTo] != srcFunc
			c.kb.AddFakeRetTo(srcFunc.Addr, src.Addr, retTo, toOutside)
		}

	case Boring:
		if known.Has(dst.Addr) || (blockToFunc[dst.Addr] != nil && blockToFunc[dst.Addr] != srcFunc) {
			// tail jump into another function
			c.kb.AddOutsideTransitionTo(srcFunc.Addr, src.Addr, dst.Addr)
			c.addrToFunction(dst.Addr, blockToFunc, known)
		} else {
			if _, ok := blockToFunc[dst.Addr]; !ok {
				blockToFunc[dst.Addr] = srcFunc
			}
			srcFunc.AddBlock(dst.Addr, dst.Size)
			c.kb.AddTransitionTo(srcFunc.Addr, src.Addr, dst.Addr)
		}

	case FakeRet:
		if _, ok := blockToFunc[dst.Addr]; !ok {
			blockToFunc[dst.Addr] = srcFunc
		}
		toOutside := blockToFunc[dst.Addr] != srcFunc
		c.kb.AddFakeRetTo(srcFunc.Addr, src.Addr, dst.Addr, toOutside)

	case Ret:
		// already recorded above

	default:
		log.Debugf("ignored jump kind %s", e.Kind)
	}
}

// addrToFunction resolves (or creates) the function owning addr in the
// rebuilt store, carrying over what an earlier recovery already knew about
// it.
func (c *CFG) addrToFunction(addr uint64, blockToFunc map[uint64]*knowledge.Function, known *knowledge.Manager) *knowledge.Function {
	if f, ok := blockToFunc[addr]; ok {
		return f
	}

	syscall := false
	if h, ok := c.hooks[addr]; ok {
		syscall = h.IsSyscall
	}
	f := c.kb.Ensure(addr, syscall)
	blockToFunc[addr] = f

	if sec, ok := c.SectionFor(addr); ok && isPLTSection(sec.Name) {
		f.IsPLT = true
	}

	if kf := known.Get(addr); kf != nil {
		if ret, decided := kf.Returning(); decided {
			f.SetReturning(ret)
		}
		f.IsPLT = f.IsPLT || kf.IsPLT
		f.IsSyscall = f.IsSyscall || kf.IsSyscall
	}

	return f
}

func isPLTSection(name string) bool {
	return strings.HasSuffix(name, ".plt") || strings.HasSuffix(name, "__stubs")
}
