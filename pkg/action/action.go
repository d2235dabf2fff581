// Package action records the fine-grained effects (control transfers and
// memory/register/temporary accesses) produced while interpreting a single
// basic block, along with the temporary-slot and register-offset dependencies
// of each effect. Dataflow analyses consume these records after the block
// interpretation that produced them hands them off.
package action

import "slices"

// RegionKind classifies which storage region a data action touches.
type RegionKind uint8

const (
	RegionTmp RegionKind = iota
	RegionReg
	RegionMem
)

func (r RegionKind) String() string {
	switch r {
	case RegionTmp:
		return "tmp"
	case RegionReg:
		return "reg"
	case RegionMem:
		return "mem"
	default:
		return "unk"
	}
}

// AccessKind distinguishes reads from writes.
type AccessKind uint8

const (
	Read AccessKind = iota
	Write
)

func (a AccessKind) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// ExitKind classifies an exit action.
type ExitKind uint8

const (
	ExitConditional ExitKind = iota
	ExitDefault
)

func (e ExitKind) String() string {
	if e == ExitDefault {
		return "default"
	}
	return "conditional"
}

// Object wraps one operand expression together with the dependency sets of
// the expression that computed it. The wrapped value itself is opaque to this
// package; only the provenance matters here.
type Object struct {
	Value   any
	TmpDeps []int
	RegDeps []uint64
}

// NewObject wraps v with the given dependency sets.
func NewObject(v any, tmpDeps []int, regDeps []uint64) *Object {
	return &Object{Value: v, TmpDeps: tmpDeps, RegDeps: regDeps}
}

// Copy returns a deep copy of the object.
func (o *Object) Copy() *Object {
	if o == nil {
		return nil
	}
	return &Object{
		Value:   o.Value,
		TmpDeps: slices.Clone(o.TmpDeps),
		RegDeps: slices.Clone(o.RegDeps),
	}
}

// Action is one recorded effect at one instruction.
type Action interface {
	// InsAddr returns the address of the instruction that produced the action.
	InsAddr() uint64
	// BlockAddr returns the address of the owning basic block.
	BlockAddr() uint64
	// StmtIdx returns the IR statement index within the block.
	StmtIdx() int
	// Procedure returns the name of the external procedure that produced the
	// action, or "" when it came from lifted code.
	Procedure() string
	// TmpDeps returns the union of temporary-slot indices the action's
	// operand expressions depend on, sorted ascending.
	TmpDeps() []int
	// RegDeps returns the union of register offsets the action's operand
	// expressions depend on, sorted ascending.
	RegDeps() []uint64
	// Copy returns a deep copy of the action.
	Copy() Action

	objects() []*Object
}

// Site identifies where an action was produced.
type Site struct {
	InsAddr   uint64
	BlockAddr uint64
	StmtIdx   int
	Procedure string
}

type common struct {
	site Site
}

func (c *common) InsAddr() uint64   { return c.site.InsAddr }
func (c *common) BlockAddr() uint64 { return c.site.BlockAddr }
func (c *common) StmtIdx() int      { return c.site.StmtIdx }
func (c *common) Procedure() string { return c.site.Procedure }

func unionTmpDeps(objs []*Object, extra []int) []int {
	var out []int
	for _, o := range objs {
		out = append(out, o.TmpDeps...)
	}
	out = append(out, extra...)
	slices.Sort(out)
	return slices.Compact(out)
}

func unionRegDeps(objs []*Object, extra []uint64) []uint64 {
	var out []uint64
	for _, o := range objs {
		out = append(out, o.RegDeps...)
	}
	out = append(out, extra...)
	slices.Sort(out)
	return slices.Compact(out)
}
