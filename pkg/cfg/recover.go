package cfg

import (
	"slices"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Recover lifts every block reachable from the given entry addresses and
// populates the graph: one pass of breadth-first block discovery driven by
// the attached interpreter. Entries are treated as function starts. Symbolic
// boring jumps are recorded in the indirect-jump registry; symbolic returns
// mark the block as returning. Hooked addresses become procedure nodes and
// are not probed.
//
// Recover only discovers; call Normalize, AnalyzeFunctionFeatures, and
// MakeFunctions afterwards to refine what it found.
func (c *CFG) Recover(entries []uint64) error {
	if c.interp == nil {
		return errors.New("no interpreter attached")
	}

	type pending struct {
		src    *Node
		target uint64
		kind   JumpKind
	}

	queue := append([]uint64(nil), entries...)
	slices.Sort(queue)
	queue = slices.Compact(queue)

	for _, e := range entries {
		c.kb.Ensure(e, false)
		c.MarkFunctionChanged(e)
	}

	var edges []pending
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]

		if c.Node(addr, Context{}) != nil {
			continue
		}
		if c.regions.TotalSize() > 0 && !c.regions.Contains(addr) {
			continue
		}

		n, res := c.liftBlock(addr)
		if n == nil || res == nil {
			continue
		}

		for _, suc := range res.Successors {
			if suc.Symbolic {
				switch suc.Kind {
				case Ret:
					n.HasReturn = true
				case Boring, Call:
					c.indirect.Record(n.Addr, lastInstructionAddr(n))
				}
				continue
			}

			edges = append(edges, pending{src: n, target: suc.Target, kind: suc.Kind})
			queue = append(queue, suc.Target)
			if suc.Kind.IsCall() {
				c.kb.Ensure(suc.Target, suc.Kind == Syscall)
				c.MarkFunctionChanged(suc.Target)
			}
		}
	}

	// Edges last: a target may have been queued before its block could be
	// lifted, and a failed lift leaves no node to connect.
	for _, e := range edges {
		dst := c.Node(e.target, Context{})
		if dst == nil {
			continue
		}
		if err := c.AddEdge(e.src, dst, e.kind, DefaultStmtIdx); err != nil {
			return err
		}
	}

	return nil
}

// liftBlock creates the node for the block at addr, running the interpreter
// unless the address is hooked. Faults are logged and skipped; discovery
// keeps going with whatever else is queued.
func (c *CFG) liftBlock(addr uint64) (*Node, *BlockResult) {
	if h, ok := c.hooks[addr]; ok {
		n := c.AddNode(&Node{
			Addr:           addr,
			IsSimProcedure: true,
			IsSyscall:      h.IsSyscall,
			NoReturn:       h.NoRet,
		})
		return n, nil
	}

	state := State{Addr: addr}
	res, err := c.interp.Run(state, Boring)
	if err != nil {
		if IsFault(err) {
			log.Debugf("lift failed at %#x: %v", addr, err)
			return nil, nil
		}
		log.WithError(err).Errorf("lift failed at %#x", addr)
		return nil, nil
	}

	n := c.AddNode(&Node{
		Addr:             addr,
		Size:             res.Size,
		InstructionAddrs: slices.Clone(res.InstructionAddrs),
		InputState:       &state,
	})
	c.blocks.Add(n.ID, res)
	return n, res
}

// lastInstructionAddr is where the block's final instruction sits, the one a
// computed jump was decoded at. Falls back to the block start when the
// interpreter reported no instruction addresses.
func lastInstructionAddr(n *Node) uint64 {
	if len(n.InstructionAddrs) > 0 {
		return n.InstructionAddrs[len(n.InstructionAddrs)-1]
	}
	return n.Addr
}
