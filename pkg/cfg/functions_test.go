package cfg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-cfg/pkg/cfg"
	"github.com/blacktop/go-cfg/pkg/interp"
	"github.com/blacktop/go-cfg/pkg/loader"
)

func TestMakeFunctionsPartitionsBlocks(t *testing.T) {
	c := newCFG(t)
	kb := c.Functions()

	entry := addBlock(c, 0x1000, 0x10)
	after := c.AddNode(&cfg.Node{Addr: 0x1010, Size: 4, HasReturn: true})
	callee := c.AddNode(&cfg.Node{Addr: 0x2000, Size: 0x10, HasReturn: true})
	require.NoError(t, c.AddEdge(entry, callee, cfg.Call, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(entry, after, cfg.FakeRet, cfg.DefaultStmtIdx))

	kb.Ensure(0x1000, false)

	require.NoError(t, c.MakeFunctions())

	require.True(t, kb.Has(0x1000))
	require.True(t, kb.Has(0x2000))

	f1 := kb.Get(0x1000)
	assert.Equal(t, []uint64{0x1000, 0x1010}, f1.BlockAddrs())
	assert.Equal(t, []uint64{0x1010}, f1.Endpoints())

	f2 := kb.Get(0x2000)
	assert.Equal(t, []uint64{0x2000}, f2.BlockAddrs())
	assert.Equal(t, []uint64{0x2000}, f2.Endpoints())

	// every block claimed by exactly one function
	for _, n := range c.Nodes() {
		owners := 0
		for _, f := range kb.Funcs() {
			if f.HasBlock(n.Addr) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "block %#x", n.Addr)
		// call edges always cross a function boundary
		for _, se := range c.SuccessorsAndJumpKinds(n, false) {
			if se.Kind.IsCall() {
				assert.NotEqual(t, n.FunctionAddr, se.Node.FunctionAddr)
			}
		}
		switch n.Addr {
		case 0x2000:
			assert.Equal(t, uint64(0x2000), n.FunctionAddr)
		default:
			assert.Equal(t, uint64(0x1000), n.FunctionAddr)
		}
	}
}

func TestMakeFunctionsCollapsesPLTStubs(t *testing.T) {
	img := &loader.Image{
		ImageName: "test",
		Sects: []loader.Region{
			{Name: "__stubs", Addr: 0x1000, Size: 0x100, Executable: true},
		},
	}
	c, err := cfg.New(loader.NewStatic(img), nil, nil, nil, nil)
	require.NoError(t, err)
	kb := c.Functions()

	c.AddNode(&cfg.Node{Addr: 0x1000, Size: 4, HasReturn: true})
	c.AddNode(&cfg.Node{Addr: 0x1004, Size: 4, HasReturn: true})
	kb.Ensure(0x1000, false)
	kb.Ensure(0x1004, false)

	require.NoError(t, c.MakeFunctions())

	require.True(t, kb.Has(0x1000))
	assert.True(t, kb.Get(0x1000).IsPLT)
	// the entry a few bytes into the aligned stub is a duplicate
	assert.False(t, kb.Has(0x1004))
}

func TestMakeFunctionsMergesIrrationalFunctions(t *testing.T) {
	c := newCFG(t)
	kb := c.Functions()

	outer := c.AddNode(&cfg.Node{Addr: 0x1000, Size: 0x10})
	inner := addBlock(c, 0x1010, 0x8)
	tail := c.AddNode(&cfg.Node{Addr: 0x1020, Size: 0x10, HasReturn: true})
	require.NoError(t, c.AddEdge(outer, tail, cfg.Boring, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(inner, tail, cfg.Boring, cfg.DefaultStmtIdx))

	// the outer function spans [0x1000, 0x1030) and contains an unresolved
	// indirect jump; the inner "function" only exists because that jump made
	// 0x1010 look like an entry
	f := kb.Ensure(0x1000, false)
	f.AddBlock(0x1000, 0x10)
	f.AddBlock(0x1020, 0x10)
	f.AddRetSite(0x1020)

	g := kb.Ensure(0x1010, false)
	g.AddBlock(0x1010, 0x8)

	c.IndirectJumps().Record(0x1000, 0x100e)

	require.NoError(t, c.MakeFunctions())

	assert.True(t, kb.Has(0x1000))
	assert.False(t, kb.Has(0x1010))
	assert.Equal(t, uint64(0x1000), inner.FunctionAddr)
	assert.True(t, kb.Get(0x1000).HasBlock(0x1010))
}

func TestMakeFunctionsProbesTailChains(t *testing.T) {
	tbl := interp.NewTable()
	// two straight-line blocks past the last known block, each jumping back
	// into the function body
	tbl.SetBlock(0x1010, &cfg.BlockResult{Addr: 0x1010, Size: 8, Successors: []cfg.Successor{
		{Target: 0x1008, Kind: cfg.Boring, State: &cfg.State{Addr: 0x1008}},
	}})
	tbl.SetBlock(0x1018, &cfg.BlockResult{Addr: 0x1018, Size: 8, Successors: []cfg.Successor{
		{Target: 0x1004, Kind: cfg.Boring, State: &cfg.State{Addr: 0x1004}},
	}})

	c, err := cfg.New(nil, nil, tbl, nil, nil)
	require.NoError(t, err)
	kb := c.Functions()

	c.AddNode(&cfg.Node{Addr: 0x1000, Size: 0x10, HasReturn: true})
	orphan := addBlock(c, 0x1018, 0x8)

	f := kb.Ensure(0x1000, false)
	f.AddBlock(0x1000, 0x10)
	f.AddRetSite(0x1000)
	c.IndirectJumps().Record(0x1000, 0x100c)

	g := kb.Ensure(0x1018, false)
	g.AddBlock(0x1018, 0x8)

	require.NoError(t, c.MakeFunctions())

	// probing extended the span over [0x1010, 0x1020), swallowing 0x1018
	assert.False(t, kb.Has(0x1018))
	assert.Equal(t, uint64(0x1000), orphan.FunctionAddr)
}
