package cfg

import (
	"fmt"
	"slices"
)

// IndirectJump is the metadata recorded for one computed-jump site. Created
// when the indirect branch is first seen and mutated as resolution analysis
// makes progress; never deleted.
type IndirectJump struct {
	// Addr is the address of the block containing the jump.
	Addr uint64
	// InsAddr is the address of the jump instruction itself.
	InsAddr uint64

	// Jumptable is set once the jump is recognized as a jump-table dispatch.
	Jumptable bool
	// JumptableAddr is the table base address, zero when unknown.
	JumptableAddr uint64
	// JumptableEntries is the table entry count, zero when unknown.
	JumptableEntries int

	targets map[uint64]struct{}
}

// AddTarget records one resolved concrete target. Targets accumulate across
// resolution passes.
func (j *IndirectJump) AddTarget(addr uint64) {
	if j.targets == nil {
		j.targets = make(map[uint64]struct{})
	}
	j.targets[addr] = struct{}{}
}

// Resolved reports whether any concrete target is known.
func (j *IndirectJump) Resolved() bool { return len(j.targets) > 0 }

// Targets returns the resolved targets in ascending order.
func (j *IndirectJump) Targets() []uint64 {
	out := make([]uint64, 0, len(j.targets))
	for t := range j.targets {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (j *IndirectJump) String() string {
	status := ""
	if j.Jumptable {
		status = " jumptable"
		if j.JumptableAddr != 0 {
			status += fmt.Sprintf("@%#08x", j.JumptableAddr)
		}
		if j.JumptableEntries != 0 {
			status += fmt.Sprintf(" with %d entries", j.JumptableEntries)
		}
	}
	return fmt.Sprintf("<IndirectJump %#08x - ins %#08x%s>", j.Addr, j.InsAddr, status)
}

// JumpRegistry stores every indirect jump discovered during graph
// construction, keyed by the containing block's address.
type JumpRegistry struct {
	jumps map[uint64]*IndirectJump
}

// NewJumpRegistry creates an empty registry.
func NewJumpRegistry() *JumpRegistry {
	return &JumpRegistry{jumps: make(map[uint64]*IndirectJump)}
}

// Record returns the entry for the jump in the block at blockAddr, creating
// it on first sight.
func (r *JumpRegistry) Record(blockAddr, insAddr uint64) *IndirectJump {
	if j, ok := r.jumps[blockAddr]; ok {
		return j
	}
	j := &IndirectJump{Addr: blockAddr, InsAddr: insAddr}
	r.jumps[blockAddr] = j
	return j
}

// Get returns the entry for blockAddr, or nil.
func (r *JumpRegistry) Get(blockAddr uint64) *IndirectJump { return r.jumps[blockAddr] }

// Len returns the number of recorded jump sites.
func (r *JumpRegistry) Len() int { return len(r.jumps) }

// Unresolved returns every entry with no resolved target, in ascending
// block-address order.
func (r *JumpRegistry) Unresolved() []*IndirectJump {
	addrs := make([]uint64, 0, len(r.jumps))
	for a, j := range r.jumps {
		if !j.Resolved() {
			addrs = append(addrs, a)
		}
	}
	slices.Sort(addrs)
	out := make([]*IndirectJump, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, r.jumps[a])
	}
	return out
}
