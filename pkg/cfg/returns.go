package cfg

import (
	"slices"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"

	"github.com/blacktop/go-cfg/pkg/knowledge"
)

// Changes records which functions a return-analysis pass decided, so a
// caller can re-run the pass on just the functions calling them.
type Changes struct {
	Return   []uint64
	NoReturn []uint64
}

// Decided reports whether the pass made any progress.
func (ch *Changes) Decided() bool {
	return len(ch.Return)+len(ch.NoReturn) > 0
}

// AnalyzeFunctionFeatures decides, for each candidate function with an
// unknown return status, whether it returns to its caller. A function does
// not return if every path out of it ends in a callee known not to return.
//
// Candidates are the functions marked via MarkFunctionChanged plus their
// direct callers; when nothing is marked, every function is a candidate.
// Functions whose status cannot be decided yet stay unknown and are retried
// on a later pass once more of the graph is known. A status, once set, is
// never recomputed.
func (c *CFG) AnalyzeFunctionFeatures() *Changes {
	changes := &Changes{}

	var candidates []*knowledge.Function
	if len(c.changed) > 0 {
		set := make(map[uint64]struct{}, len(c.changed))
		for addr := range c.changed {
			set[addr] = struct{}{}
			for _, caller := range c.kb.Callers(addr) {
				set[caller] = struct{}{}
			}
		}
		addrs := make([]uint64, 0, len(set))
		for addr := range set {
			addrs = append(addrs, addr)
		}
		slices.Sort(addrs)
		for _, addr := range addrs {
			if f := c.kb.Get(addr); f != nil {
				candidates = append(candidates, f)
			}
		}
		c.changed = make(map[uint64]struct{})
	} else {
		candidates = c.kb.Funcs()
	}

	for _, f := range candidates {
		if _, known := f.Returning(); known {
			continue
		}

		// Any endpoint means a path that returns.
		if len(f.Endpoints()) > 0 {
			f.SetReturning(true)
			changes.Return = append(changes.Return, f.Addr)
			continue
		}

		// A hooked external declares its own behavior.
		if h, ok := c.hooks[f.Addr]; ok {
			if h.NoRet {
				f.SetReturning(false)
				changes.NoReturn = append(changes.NoReturn, f.Addr)
			} else {
				f.SetReturning(true)
				changes.Return = append(changes.Return, f.Addr)
			}
			continue
		}

		returns, decided := c.classifyFunction(f)
		if !decided {
			continue
		}
		f.SetReturning(returns)
		if returns {
			changes.Return = append(changes.Return, f.Addr)
		} else {
			changes.NoReturn = append(changes.NoReturn, f.Addr)
		}
	}

	return changes
}

type endpointOutcome struct {
	trans   knowledge.TransitionKind
	returns bool
	known   bool
}

// classifyFunction inspects where control can still leave f once the
// fallthroughs of calls that never return are discounted.
func (c *CFG) classifyFunction(f *knowledge.Function) (returns, decided bool) {
	tg := f.TransitionGraph()

	scratch, err := tg.Clone()
	if err != nil {
		log.WithError(err).Errorf("clone transition graph of %#x", f.Addr)
		return false, false
	}

	adj, err := tg.AdjacencyMap()
	if err != nil {
		log.WithError(err).Errorf("adjacency map of %#x", f.Addr)
		return false, false
	}

	// A fake return whose call target never returns will never fire.
	edges, _ := tg.Edges()
	for _, e := range edges {
		if transEdge(e).Kind != knowledge.FakeReturn {
			continue
		}
		target, ok := callTargetOf(adj, e.Source)
		if !ok {
			// We don't know which function the call goes to; leave the
			// edge alone.
			continue
		}
		tf := c.kb.Get(target.Addr)
		if tf == nil {
			continue
		}
		if ret, known := tf.Returning(); known && !ret {
			if err := scratch.RemoveEdge(e.Source, e.Target); err != nil {
				log.WithError(err).Debugf("drop dead fake return %v -> %v", e.Source, e.Target)
			}
		}
	}

	sadj, err := scratch.AdjacencyMap()
	if err != nil {
		log.WithError(err).Errorf("scratch adjacency map of %#x", f.Addr)
		return false, false
	}
	var tmpEndpoints []knowledge.NodeRef
	for ref, outs := range sadj {
		if len(outs) == 0 {
			tmpEndpoints = append(tmpEndpoints, ref)
		}
	}
	if len(tmpEndpoints) == 0 {
		// Malformed transition graph (every node still has a way out, so
		// the graph is cyclic all the way down). Skip for this pass.
		log.Debugf("function %#x has no temporary endpoints; skipping", f.Addr)
		return false, false
	}
	sortRefs(tmpEndpoints)

	preds, err := tg.PredecessorMap()
	if err != nil {
		log.WithError(err).Errorf("predecessor map of %#x", f.Addr)
		return false, false
	}

	var outcomes []endpointOutcome
	for _, ep := range tmpEndpoints {
		trans := inEdgeKind(preds, ep)

		outs := sortedTargets(adj, ep)
		if len(outs) == 0 {
			outcomes = append(outcomes, c.classifyEndpoint(f, trans, ep))
			continue
		}
		for _, out := range outs {
			if out.kind == knowledge.FakeReturn {
				continue
			}
			outcomes = append(outcomes, c.classifyEndpoint(f, trans, out.ref))
		}
	}

	if len(outcomes) == 0 {
		return false, false
	}

	allNoRet, allRet := true, true
	for _, o := range outcomes {
		if !(o.known && !o.returns) {
			allNoRet = false
		}
		if !(o.known && o.returns && o.trans == knowledge.Transition) {
			allRet = false
		}
	}
	if allNoRet {
		return false, true
	}
	if allRet {
		return true, true
	}
	return false, false
}

// classifyEndpoint decides what reaching ref means for the enclosing
// function's return status.
func (c *CFG) classifyEndpoint(f *knowledge.Function, trans knowledge.TransitionKind, ref knowledge.NodeRef) endpointOutcome {
	o := endpointOutcome{trans: trans}
	switch ref.Kind {
	case knowledge.FunctionRefNode:
		if tf := c.kb.Get(ref.Addr); tf != nil {
			o.returns, o.known = tf.Returning()
		}
	case knowledge.ExternalHookNode:
		if h, ok := c.hooks[ref.Addr]; ok {
			o.returns, o.known = !h.NoRet, true
		}
	case knowledge.BasicBlockNode:
		// Analysis stopped at an ordinary block. If everything it can still
		// reach is known not to return, neither does this path.
		visited := make(map[knowledge.NodeRef]struct{})
		if c.blockNeverReturns(f, ref, visited) {
			o.returns, o.known = false, true
		}
	}
	return o
}

// blockNeverReturns reports whether every path out of an ordinary block ends
// in a non-returning function, hook, or no-return block. The visited set
// guards against cyclic transition graphs; a cycle on its own cannot
// produce a return.
func (c *CFG) blockNeverReturns(f *knowledge.Function, ref knowledge.NodeRef, visited map[knowledge.NodeRef]struct{}) bool {
	if _, ok := visited[ref]; ok {
		return true
	}
	visited[ref] = struct{}{}

	adj, err := f.TransitionGraph().AdjacencyMap()
	if err != nil {
		return false
	}

	outs := sortedTargets(adj, ref)
	if len(outs) == 0 {
		n := c.getAnyNodeForFunc(ref.Addr, f.IsSyscall)
		return n != nil && n.NoReturn
	}

	for _, out := range outs {
		if out.kind == knowledge.FakeReturn {
			continue
		}
		switch out.ref.Kind {
		case knowledge.FunctionRefNode:
			tf := c.kb.Get(out.ref.Addr)
			if tf == nil {
				return false
			}
			if ret, known := tf.Returning(); !known || ret {
				return false
			}
		case knowledge.ExternalHookNode:
			h, ok := c.hooks[out.ref.Addr]
			if !ok || !h.NoRet {
				return false
			}
		case knowledge.BasicBlockNode:
			if n := c.getAnyNodeForFunc(out.ref.Addr, f.IsSyscall); n != nil && n.NoReturn {
				continue
			}
			if !c.blockNeverReturns(f, out.ref, visited) {
				return false
			}
		}
	}
	return true
}

func (c *CFG) getAnyNodeForFunc(addr uint64, syscall bool) *Node {
	if syscall {
		return c.GetAnyNode(addr, SyscallOnly())
	}
	return c.GetAnyNode(addr, NoSyscall())
}

type targetEdge struct {
	ref  knowledge.NodeRef
	kind knowledge.TransitionKind
}

func sortedTargets(adj map[knowledge.NodeRef]map[knowledge.NodeRef]graph.Edge[knowledge.NodeRef], src knowledge.NodeRef) []targetEdge {
	var out []targetEdge
	for ref, e := range adj[src] {
		out = append(out, targetEdge{ref: ref, kind: transEdge(e).Kind})
	}
	slices.SortFunc(out, func(a, b targetEdge) int { return compareRefs(a.ref, b.ref) })
	return out
}

// callTargetOf finds the callee reached from src, identifying which call a
// fake-return edge belongs to.
func callTargetOf(adj map[knowledge.NodeRef]map[knowledge.NodeRef]graph.Edge[knowledge.NodeRef], src knowledge.NodeRef) (knowledge.NodeRef, bool) {
	for _, out := range sortedTargets(adj, src) {
		if out.kind == knowledge.CallTransition {
			return out.ref, true
		}
	}
	return knowledge.NodeRef{}, false
}

func inEdgeKind(preds map[knowledge.NodeRef]map[knowledge.NodeRef]graph.Edge[knowledge.NodeRef], ref knowledge.NodeRef) knowledge.TransitionKind {
	var kinds []targetEdge
	for src, e := range preds[ref] {
		kinds = append(kinds, targetEdge{ref: src, kind: transEdge(e).Kind})
	}
	if len(kinds) == 0 {
		return knowledge.Transition
	}
	slices.SortFunc(kinds, func(a, b targetEdge) int { return compareRefs(a.ref, b.ref) })
	return kinds[0].kind
}

func transEdge(e graph.Edge[knowledge.NodeRef]) *knowledge.TransitionEdge {
	if te, ok := e.Properties.Data.(*knowledge.TransitionEdge); ok {
		return te
	}
	return &knowledge.TransitionEdge{Kind: knowledge.Transition}
}

func sortRefs(refs []knowledge.NodeRef) {
	slices.SortFunc(refs, compareRefs)
}

func compareRefs(a, b knowledge.NodeRef) int {
	if a.Addr != b.Addr {
		if a.Addr < b.Addr {
			return -1
		}
		return 1
	}
	return int(a.Kind) - int(b.Kind)
}
