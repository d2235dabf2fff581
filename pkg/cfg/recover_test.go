package cfg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-cfg/pkg/cfg"
	"github.com/blacktop/go-cfg/pkg/interp"
)

func TestRecoverDiscoversReachableBlocks(t *testing.T) {
	tbl := interp.NewTable()
	tbl.SetBlock(0x1000, &cfg.BlockResult{Addr: 0x1000, Size: 5, Successors: []cfg.Successor{
		{Target: 0x2000, Kind: cfg.Call, State: &cfg.State{Addr: 0x2000}},
		{Target: 0x1005, Kind: cfg.FakeRet, State: &cfg.State{Addr: 0x1005}},
	}})
	tbl.SetBlock(0x1005, &cfg.BlockResult{Addr: 0x1005, Size: 1, Successors: []cfg.Successor{
		{Symbolic: true, Kind: cfg.Ret},
	}})
	tbl.SetBlock(0x2000, &cfg.BlockResult{Addr: 0x2000, Size: 1, Successors: []cfg.Successor{
		{Symbolic: true, Kind: cfg.Ret},
	}})

	c, err := cfg.New(nil, nil, tbl, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Recover([]uint64{0x1000}))

	assert.Equal(t, 3, c.Len())
	entry := c.Node(0x1000, cfg.Context{})
	require.NotNil(t, entry)
	assert.Equal(t, uint64(5), entry.Size)
	assert.True(t, c.Node(0x1005, cfg.Context{}).HasReturn)
	assert.True(t, c.Node(0x2000, cfg.Context{}).HasReturn)

	sucs := c.SuccessorsAndJumpKinds(entry, false)
	require.Len(t, sucs, 2)
	assert.Equal(t, cfg.FakeRet, sucs[0].Kind)
	assert.Equal(t, cfg.Call, sucs[1].Kind)

	// the call target was registered as a function
	assert.True(t, c.Functions().Has(0x2000))
}

func TestRecoverRecordsIndirectJumps(t *testing.T) {
	tbl := interp.NewTable()
	// mov rax, [rip+x]; jmp rax
	tbl.SetBlock(0x1000, &cfg.BlockResult{Addr: 0x1000, Size: 6, InstructionAddrs: []uint64{0x1000, 0x1004}, Successors: []cfg.Successor{
		{Symbolic: true, Kind: cfg.Boring},
	}})

	c, err := cfg.New(nil, nil, tbl, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Recover([]uint64{0x1000}))

	require.Equal(t, 1, c.IndirectJumps().Len())
	j := c.IndirectJumps().Get(0x1000)
	require.NotNil(t, j)
	assert.False(t, j.Resolved())
	// the jump site is the block's last instruction, not its end
	assert.Equal(t, uint64(0x1004), j.InsAddr)
}

func TestRecoverIndirectJumpSiteFallsBackToBlockStart(t *testing.T) {
	tbl := interp.NewTable()
	tbl.SetBlock(0x2000, &cfg.BlockResult{Addr: 0x2000, Size: 2, Successors: []cfg.Successor{
		{Symbolic: true, Kind: cfg.Call},
	}})

	c, err := cfg.New(nil, nil, tbl, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Recover([]uint64{0x2000}))

	j := c.IndirectJumps().Get(0x2000)
	require.NotNil(t, j)
	assert.Equal(t, uint64(0x2000), j.InsAddr)
}

func TestRecoverStopsAtHooks(t *testing.T) {
	tbl := interp.NewTable()
	tbl.SetBlock(0x1000, &cfg.BlockResult{Addr: 0x1000, Size: 5, Successors: []cfg.Successor{
		{Target: 0x9000, Kind: cfg.Call, State: &cfg.State{Addr: 0x9000}},
	}})

	hooks := cfg.Hooks{0x9000: {Name: "abort", NoRet: true}}
	c, err := cfg.New(nil, nil, tbl, hooks, nil)
	require.NoError(t, err)
	require.NoError(t, c.Recover([]uint64{0x1000}))

	h := c.Node(0x9000, cfg.Context{})
	require.NotNil(t, h)
	assert.True(t, h.IsSimProcedure)
	assert.True(t, h.NoReturn)
}

func TestRecoverToMakeFunctionsPipeline(t *testing.T) {
	tbl := interp.NewTable()
	tbl.SetBlock(0x1000, &cfg.BlockResult{Addr: 0x1000, Size: 5, Successors: []cfg.Successor{
		{Target: 0x2000, Kind: cfg.Call, State: &cfg.State{Addr: 0x2000}},
		{Target: 0x1005, Kind: cfg.FakeRet, State: &cfg.State{Addr: 0x1005}},
	}})
	tbl.SetBlock(0x1005, &cfg.BlockResult{Addr: 0x1005, Size: 1, Successors: []cfg.Successor{
		{Symbolic: true, Kind: cfg.Ret},
	}})
	tbl.SetBlock(0x2000, &cfg.BlockResult{Addr: 0x2000, Size: 1, Successors: []cfg.Successor{
		{Symbolic: true, Kind: cfg.Ret},
	}})

	c, err := cfg.New(nil, nil, tbl, nil, nil)
	require.NoError(t, err)
	kb := c.Functions()

	require.NoError(t, c.Recover([]uint64{0x1000}))
	require.NoError(t, c.Normalize())
	require.NoError(t, c.MakeFunctions())
	for ch := c.AnalyzeFunctionFeatures(); ch.Decided(); ch = c.AnalyzeFunctionFeatures() {
	}

	f1 := kb.Get(0x1000)
	require.NotNil(t, f1)
	assert.Equal(t, []uint64{0x1000, 0x1005}, f1.BlockAddrs())
	ret, known := f1.Returning()
	assert.True(t, known)
	assert.True(t, ret)

	f2 := kb.Get(0x2000)
	require.NotNil(t, f2)
	ret, known = f2.Returning()
	assert.True(t, known)
	assert.True(t, ret)
}
