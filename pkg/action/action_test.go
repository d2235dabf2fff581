package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataReadDependsOnItself(t *testing.T) {
	tmp := 3
	d := NewData(Site{InsAddr: 0x1000, BlockAddr: 0x1000, StmtIdx: 2}, RegionTmp, Read, Operands{Tmp: &tmp})
	assert.Equal(t, []int{3}, d.TmpDeps())
	assert.Empty(t, d.RegDeps())

	off := uint64(8)
	r := NewData(Site{InsAddr: 0x1004, BlockAddr: 0x1000, StmtIdx: 5}, RegionReg, Read, Operands{Offset: &off})
	assert.Equal(t, []uint64{8}, r.RegDeps())
	assert.Empty(t, r.TmpDeps())
}

func TestDataWriteDoesNotDependOnItself(t *testing.T) {
	off := uint64(16)
	d := NewData(Site{BlockAddr: 0x1000}, RegionReg, Write, Operands{
		Offset: &off,
		Data:   NewObject(uint64(0xdead), []int{7}, nil),
	})
	// the written register is not a dependency; the value expression is
	assert.Equal(t, []int{7}, d.TmpDeps())
	assert.Empty(t, d.RegDeps())
}

func TestDepsUnionAcrossOperands(t *testing.T) {
	tmp := 1
	d := NewData(Site{BlockAddr: 0x2000}, RegionMem, Read, Operands{
		Tmp:  &tmp,
		Addr: NewObject(uint64(0x4000), []int{2, 1}, []uint64{24}),
		Size: NewObject(8, []int{2}, []uint64{16, 24}),
	})
	assert.Equal(t, []int{1, 2}, d.TmpDeps())
	assert.Equal(t, []uint64{16, 24}, d.RegDeps())
}

func TestDataCopyIsDeep(t *testing.T) {
	tmp := 4
	d := NewData(Site{BlockAddr: 0x3000}, RegionMem, Write, Operands{
		Tmp:  &tmp,
		Addr: NewObject(uint64(0x5000), []int{9}, nil),
	})
	d.ActualAddrs = []uint64{0x5000}
	d.ActualValue = NewObject(uint64(42), nil, nil)
	d.AddedConstraints = []*Object{NewObject("c0", []int{9}, nil)}

	dup, ok := d.Copy().(*Data)
	require.True(t, ok)

	*d.Ops.Tmp = 99
	d.ActualAddrs[0] = 0
	d.Ops.Addr.TmpDeps[0] = 0
	d.AddedConstraints[0].TmpDeps[0] = 0

	assert.Equal(t, 4, *dup.Ops.Tmp)
	assert.Equal(t, []uint64{0x5000}, dup.ActualAddrs)
	assert.Equal(t, []int{9}, dup.Ops.Addr.TmpDeps)
	assert.Equal(t, []int{9}, dup.AddedConstraints[0].TmpDeps)
}

func TestExitKindClassification(t *testing.T) {
	target := NewObject(uint64(0x4000), []int{5}, []uint64{32})

	e := NewExit(Site{BlockAddr: 0x1000, StmtIdx: 12}, target, nil)
	assert.Equal(t, ExitConditional, e.Kind)

	cond := NewObject(true, []int{6}, nil)
	e = NewExit(Site{BlockAddr: 0x1000, StmtIdx: 12}, target, cond)
	assert.Equal(t, ExitDefault, e.Kind)
	assert.Equal(t, []int{5, 6}, e.TmpDeps())
	assert.Equal(t, []uint64{32}, e.RegDeps())
}

func TestExitCopy(t *testing.T) {
	e := NewExit(Site{BlockAddr: 0x1000}, NewObject(uint64(0x2000), []int{1}, nil), nil)
	dup, ok := e.Copy().(*Exit)
	require.True(t, ok)

	e.Target.TmpDeps[0] = 42
	assert.Equal(t, []int{1}, dup.Target.TmpDeps)
	assert.Nil(t, dup.Condition)
}
