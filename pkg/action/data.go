package action

import (
	"fmt"
	"slices"
)

// Operands holds the optional operand expressions of a data action. Nil
// fields were not present on the original effect.
type Operands struct {
	// Tmp is the temporary slot touched by a tmp-region action.
	Tmp *int
	// Offset is the concrete register offset touched by a reg-region action.
	Offset *uint64
	// Addr is the address expression of a mem-region action.
	Addr      *Object
	Size      *Object
	Data      *Object
	Condition *Object
	Fallback  *Object
	FD        *Object
}

// Data records a read or write of a temporary, a register, or memory.
type Data struct {
	common

	Region RegionKind
	Access AccessKind
	Ops    Operands

	// Post-effect observables, filled in by the interpreter after the action
	// is constructed. These are the only fields that mutate after creation.
	ActualAddrs      []uint64
	ActualValue      *Object
	AddedConstraints []*Object

	tmpDep []int
	regDep []uint64
}

// NewData creates a data action. A read of a temporary slot depends on that
// slot, and a read at a concrete fixed register offset depends on that
// offset; both are folded into the dependency sets alongside whatever the
// operand expressions themselves depend on.
func NewData(site Site, region RegionKind, access AccessKind, ops Operands) *Data {
	d := &Data{
		common: common{site: site},
		Region: region,
		Access: access,
		Ops:    ops,
	}
	if access == Read {
		if ops.Tmp != nil {
			d.tmpDep = []int{*ops.Tmp}
		}
		if ops.Offset != nil {
			d.regDep = []uint64{*ops.Offset}
		}
	}
	return d
}

func (d *Data) objects() []*Object {
	var objs []*Object
	for _, o := range []*Object{d.Ops.Addr, d.Ops.Size, d.Ops.Data, d.Ops.Condition, d.Ops.Fallback, d.Ops.FD} {
		if o != nil {
			objs = append(objs, o)
		}
	}
	return objs
}

func (d *Data) TmpDeps() []int {
	return unionTmpDeps(d.objects(), d.tmpDep)
}

func (d *Data) RegDeps() []uint64 {
	return unionRegDeps(d.objects(), d.regDep)
}

// Copy returns a deep copy of the data action, post-effect observables
// included.
func (d *Data) Copy() Action {
	c := &Data{
		common: d.common,
		Region: d.Region,
		Access: d.Access,
		Ops: Operands{
			Addr:      d.Ops.Addr.Copy(),
			Size:      d.Ops.Size.Copy(),
			Data:      d.Ops.Data.Copy(),
			Condition: d.Ops.Condition.Copy(),
			Fallback:  d.Ops.Fallback.Copy(),
			FD:        d.Ops.FD.Copy(),
		},
		ActualAddrs: slices.Clone(d.ActualAddrs),
		ActualValue: d.ActualValue.Copy(),
		tmpDep:      slices.Clone(d.tmpDep),
		regDep:      slices.Clone(d.regDep),
	}
	if d.Ops.Tmp != nil {
		tmp := *d.Ops.Tmp
		c.Ops.Tmp = &tmp
	}
	if d.Ops.Offset != nil {
		off := *d.Ops.Offset
		c.Ops.Offset = &off
	}
	for _, con := range d.AddedConstraints {
		c.AddedConstraints = append(c.AddedConstraints, con.Copy())
	}
	return c
}

func (d *Data) String() string {
	if d.site.Procedure != "" {
		return fmt.Sprintf("<Data %s() %s/%s>", d.site.Procedure, d.Region, d.Access)
	}
	return fmt.Sprintf("<Data %#x:%d %s/%s>", d.site.BlockAddr, d.site.StmtIdx, d.Region, d.Access)
}
