package cfg_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-cfg/pkg/cfg"
	"github.com/blacktop/go-cfg/pkg/interp"
)

func newCFG(t *testing.T) *cfg.CFG {
	t.Helper()
	c, err := cfg.New(nil, nil, nil, nil, nil)
	require.NoError(t, err)
	return c
}

func addBlock(c *cfg.CFG, addr, size uint64) *cfg.Node {
	return c.AddNode(&cfg.Node{Addr: addr, Size: size})
}

func TestNewRejectsNegativeSensitivity(t *testing.T) {
	_, err := cfg.New(nil, nil, nil, nil, &cfg.Config{ContextSensitivity: -1})
	assert.Error(t, err)
}

func TestGetAnyNode(t *testing.T) {
	c := newCFG(t)
	n := addBlock(c, 0x1000, 0x10)
	c.AddNode(&cfg.Node{Addr: 0x1000, Size: 0x10, Ctx: cfg.Context{Loops: 1}})
	sys := c.AddNode(&cfg.Node{Addr: 0x2000, Size: 4, IsSyscall: true})

	// loop-unrolled instances are never picked
	assert.Same(t, n, c.GetAnyNode(0x1000))

	assert.Nil(t, c.GetAnyNode(0x1008))
	assert.Same(t, n, c.GetAnyNode(0x1008, cfg.AnyAddress()))

	assert.Same(t, sys, c.GetAnyNode(0x2000, cfg.SyscallOnly()))
	assert.Nil(t, c.GetAnyNode(0x2000, cfg.NoSyscall()))
	assert.Nil(t, c.GetAnyNode(0x3000))
}

func TestGetAllNodes(t *testing.T) {
	c := newCFG(t)
	addBlock(c, 0x1000, 0x10)
	c.AddNode(&cfg.Node{Addr: 0x1000, Size: 0x10, Ctx: cfg.Context{CallStack: "beef"}})

	assert.Len(t, c.GetAllNodes(0x1000), 2)
	assert.Empty(t, c.GetAllNodes(0x2000))
}

func TestGetExitStmtIdx(t *testing.T) {
	c := newCFG(t)
	a := addBlock(c, 0x1000, 0x10)
	b := addBlock(c, 0x1010, 0x10)
	require.NoError(t, c.AddEdge(a, b, cfg.Boring, 7))

	idx, err := c.GetExitStmtIdx(a, b)
	require.NoError(t, err)
	assert.Equal(t, 7, idx)

	_, err = c.GetExitStmtIdx(b, a)
	assert.True(t, errors.Is(err, cfg.ErrNoEdge))
}

func TestPredecessorsExcludeFakeRet(t *testing.T) {
	c := newCFG(t)
	caller := addBlock(c, 0x1000, 0x10)
	callee := addBlock(c, 0x2000, 0x10)
	after := addBlock(c, 0x1010, 0x10)
	require.NoError(t, c.AddEdge(caller, callee, cfg.Call, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(caller, after, cfg.FakeRet, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(callee, after, cfg.Ret, cfg.DefaultStmtIdx))

	assert.Equal(t, []*cfg.Node{caller, callee}, c.Predecessors(after, false))
	assert.Equal(t, []*cfg.Node{callee}, c.Predecessors(after, true))

	assert.Equal(t, []*cfg.Node{callee}, c.Successors(caller, true))
	assert.Equal(t, []*cfg.Node{after, callee}, c.Successors(caller, false))
}

func TestBranchingNodes(t *testing.T) {
	c := newCFG(t)
	a := addBlock(c, 0x1000, 4)
	b := addBlock(c, 0x1004, 4)
	d := addBlock(c, 0x1008, 4)
	require.NoError(t, c.AddEdge(a, b, cfg.Boring, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(a, d, cfg.Boring, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(b, d, cfg.Boring, cfg.DefaultStmtIdx))

	assert.Equal(t, []*cfg.Node{a}, c.BranchingNodes())
}

func TestGetAllSuccessors(t *testing.T) {
	c := newCFG(t)
	a := addBlock(c, 0x1000, 4)
	b := addBlock(c, 0x1004, 4)
	d := addBlock(c, 0x1008, 4)
	require.NoError(t, c.AddEdge(a, b, cfg.Boring, cfg.DefaultStmtIdx))
	require.NoError(t, c.AddEdge(b, d, cfg.Boring, cfg.DefaultStmtIdx))

	assert.Equal(t, []*cfg.Node{b, d}, c.GetAllSuccessors(a))
	assert.Equal(t, []*cfg.Node{a, b}, c.GetAllPredecessors(d))
}

func TestBlockFromNodeReplaysAndCaches(t *testing.T) {
	tbl := interp.NewTable()
	tbl.SetBlock(0x1000, &cfg.BlockResult{Addr: 0x1000, Size: 8})

	c, err := cfg.New(nil, nil, tbl, nil, nil)
	require.NoError(t, err)

	n := c.AddNode(&cfg.Node{Addr: 0x1000, Size: 8, InputState: &cfg.State{Addr: 0x1000}})
	res, err := c.BlockFromNode(n)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), res.Size)

	// cached: a scripted fault at the same address no longer matters
	tbl.SetFault(0x1000, errors.New("gone"))
	res, err = c.BlockFromNode(n)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), res.Size)

	bare := c.AddNode(&cfg.Node{Addr: 0x2000, Size: 4})
	_, err = c.BlockFromNode(bare)
	assert.True(t, errors.Is(err, cfg.ErrNoInputState))
}
