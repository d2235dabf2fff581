package cfg

import (
	"slices"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// groupKey groups nodes that end at the same address under the same context.
type groupKey struct {
	End uint64
	Ctx Context
}

// Normalize rewrites the graph so that no two nodes sharing a context key
// overlap in address range. Overlaps arise when a jump lands in the middle
// of an already-lifted block, producing a second block whose range swallows
// the first.
//
// Nodes are grouped by (end address, context). In any group with more than
// one member the smallest member is authoritative: every larger member is
// truncated so its range stops where the smallest one starts, its incoming
// edges are rewired onto the truncated replacement, and the replacement
// falls through to the smallest member with an unconditional edge.
//
// Conflicting groups are resolved in ascending (end address, context) order
// so the result does not depend on map iteration order. Idempotent; a
// normalized graph is returned unchanged.
func (c *CFG) Normalize() error {
	groups := make(map[groupKey][]*Node)
	for _, n := range c.Nodes() {
		if n.IsSimProcedure {
			continue
		}
		k := groupKey{End: n.EndAddr(), Ctx: n.Ctx}
		groups[k] = append(groups[k], n)
	}

	for {
		k, ok := nextConflict(groups)
		if !ok {
			break
		}
		members := groups[k]
		slices.SortFunc(members, func(a, b *Node) int {
			if a.Size != b.Size {
				if a.Size < b.Size {
					return -1
				}
				return 1
			}
			return compareNodes(a, b)
		})
		smallest := members[0]

		for _, n := range members[1:] {
			if smallest.Addr <= n.Addr {
				// Same start (and therefore same size bucket); nothing to
				// chop off.
				continue
			}
			newSize := smallest.Addr - n.Addr
			newEnd := n.Addr + newSize
			tpl := groupKey{End: newEnd, Ctx: n.Ctx}

			// Reuse a node that already covers the truncated range.
			var truncated *Node
			for _, cand := range groups[tpl] {
				if cand.Addr == n.Addr {
					truncated = cand
					break
				}
			}
			fresh := truncated == nil
			if fresh {
				truncated = &Node{
					Addr:         n.Addr,
					Size:         newSize,
					Ctx:          n.Ctx,
					FunctionAddr: n.FunctionAddr,
					IsSyscall:    n.IsSyscall,
					InputState:   n.InputState,
				}
				for _, ins := range n.InstructionAddrs {
					if ins < newEnd {
						truncated.InstructionAddrs = append(truncated.InstructionAddrs, ins)
					}
				}
				groups[tpl] = append(groups[tpl], truncated)
			}

			// Rewire: the original loses its identity; incoming edges move
			// to the truncated node, the chopped tail is covered by the
			// smallest member.
			incoming := c.edgesInto(n)
			c.removeNode(n)
			if fresh {
				c.AddNode(truncated)
			}
			for _, in := range incoming {
				src := in.src
				if src == n {
					// self-loop on the replaced node
					src = truncated
				}
				if err := c.AddEdge(src, truncated, in.info.Kind, in.info.StmtIdx); err != nil {
					return err
				}
			}

			if !c.HasNode(smallest) {
				return errors.Wrapf(ErrInvariant,
					"truncated node %s has no successor at %#x", truncated, smallest.Addr)
			}
			if err := c.AddEdge(truncated, smallest, Boring, DefaultStmtIdx); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"node": truncated.String(),
				"next": smallest.String(),
			}).Debug("split overlapping block")
		}

		groups[k] = []*Node{smallest}
	}

	c.normalized = true
	return nil
}

// nextConflict picks the conflicting group with the lowest (end, context)
// key, keeping normalization deterministic.
func nextConflict(groups map[groupKey][]*Node) (groupKey, bool) {
	var best groupKey
	found := false
	for k, members := range groups {
		if len(members) < 2 {
			continue
		}
		if !found || lessGroupKey(k, best) {
			best = k
			found = true
		}
	}
	return best, found
}

func lessGroupKey(a, b groupKey) bool {
	if a.End != b.End {
		return a.End < b.End
	}
	return compareContexts(a.Ctx, b.Ctx) < 0
}

type inEdge struct {
	src  *Node
	info *EdgeInfo
}

func (c *CFG) edgesInto(n *Node) []inEdge {
	preds, err := c.g.PredecessorMap()
	if err != nil {
		log.WithError(err).Error("predecessor map")
		return nil
	}
	var out []inEdge
	for id, e := range preds[n.ID] {
		out = append(out, inEdge{src: c.nodes[id], info: edgeInfo(e)})
	}
	slices.SortFunc(out, func(a, b inEdge) int { return compareNodes(a.src, b.src) })
	return out
}
