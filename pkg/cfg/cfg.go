package cfg

import (
	"fmt"

	"github.com/dominikbraun/graph"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/blacktop/go-cfg/pkg/knowledge"
	"github.com/blacktop/go-cfg/pkg/loader"
)

// Config holds the construction parameters of a CFG.
type Config struct {
	// ContextSensitivity is the call-stack depth distinguishing block
	// instances. Must be >= 0.
	ContextSensitivity int
	// Binary restricts executable-region collection to one object; nil uses
	// every loaded object.
	Binary loader.Object
	// ForceSegment collects executable regions from segments instead of
	// sections.
	ForceSegment bool
	// BlockCacheSize bounds the re-lifted block cache. Defaults to 128.
	BlockCacheSize int
}

// CFG owns the recovered control flow graph and everything needed to refine
// it: the node indexes, the indirect-jump registry, the executable-region
// index, and handles to the function store and the interpreter. It is an
// explicit context object; all mutation assumes exclusive access for the
// duration of a pass.
type CFG struct {
	conf   *Config
	ldr    loader.Loader
	interp Interpreter
	hooks  Hooks
	kb     *knowledge.Manager

	g      graph.Graph[NodeID, *Node]
	nodes  map[NodeID]*Node
	byKey  map[NodeKey]NodeID
	byAddr map[uint64][]NodeID
	nextID NodeID

	normalized bool
	thumb      map[uint64]struct{}

	indirect *JumpRegistry
	regions  *RegionIndex

	// changed collects function addresses touched since the last return
	// analysis pass, so the pass can skip unaffected functions.
	changed map[uint64]struct{}

	blocks *lru.Cache[NodeID, *BlockResult]
}

func nodeIDHash(n *Node) NodeID { return n.ID }

// New creates an empty CFG over the given loader, function store, and
// interpreter. hooks may be nil when no addresses are hooked; interp may be
// nil when tail-chain probing is not wanted.
func New(ldr loader.Loader, kb *knowledge.Manager, interp Interpreter, hooks Hooks, conf *Config) (*CFG, error) {
	if conf == nil {
		conf = &Config{}
	}
	if conf.ContextSensitivity < 0 {
		return nil, fmt.Errorf("unsupported context sensitivity level %d", conf.ContextSensitivity)
	}
	if kb == nil {
		kb = knowledge.NewManager()
	}
	cacheSize := conf.BlockCacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}
	blocks, err := lru.New[NodeID, *BlockResult](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create block cache")
	}
	return &CFG{
		conf:     conf,
		ldr:      ldr,
		interp:   interp,
		hooks:    hooks,
		kb:       kb,
		g:        graph.New(nodeIDHash, graph.Directed()),
		nodes:    make(map[NodeID]*Node),
		byKey:    make(map[NodeKey]NodeID),
		byAddr:   make(map[uint64][]NodeID),
		thumb:    make(map[uint64]struct{}),
		indirect: NewJumpRegistry(),
		regions:  NewRegionIndex(ldr, conf.Binary, conf.ForceSegment),
		changed:  make(map[uint64]struct{}),
		blocks:   blocks,
	}, nil
}

// ContextSensitivity returns the configured context sensitivity level.
func (c *CFG) ContextSensitivity() int { return c.conf.ContextSensitivity }

// Functions returns the function store the CFG reads and rewrites.
func (c *CFG) Functions() *knowledge.Manager { return c.kb }

// IndirectJumps returns the indirect-jump registry.
func (c *CFG) IndirectJumps() *JumpRegistry { return c.indirect }

// ExecRegions returns the executable-region index.
func (c *CFG) ExecRegions() *RegionIndex { return c.regions }

// Normalized reports whether Normalize has completed.
func (c *CFG) Normalized() bool { return c.normalized }

// MarkThumb records that addr decodes in thumb mode.
func (c *CFG) MarkThumb(addr uint64) { c.thumb[addr] = struct{}{} }

// IsThumb reports whether addr was recorded as thumb code.
func (c *CFG) IsThumb(addr uint64) bool {
	_, ok := c.thumb[addr]
	return ok
}

// MarkFunctionChanged notes that the function at addr gained new blocks or
// edges, making it a candidate for the next return-analysis pass.
func (c *CFG) MarkFunctionChanged(addr uint64) { c.changed[addr] = struct{}{} }

// BlockFromNode reconstructs the semantic run of a node's block by replaying
// the interpreter from the node's saved input state. Results are cached.
func (c *CFG) BlockFromNode(n *Node) (*BlockResult, error) {
	if res, ok := c.blocks.Get(n.ID); ok {
		return res, nil
	}
	if n.InputState == nil {
		return nil, errors.Wrapf(ErrNoInputState, "node %s", n)
	}
	if c.interp == nil {
		return nil, errors.New("no interpreter attached")
	}
	res, err := c.interp.Run(*n.InputState, Boring)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to replay block at %#x", n.Addr)
	}
	c.blocks.Add(n.ID, res)
	return res, nil
}

// SectionFor returns the rebased section containing addr, if the loader
// knows one.
func (c *CFG) SectionFor(addr uint64) (loader.Region, bool) {
	if c.ldr == nil {
		return loader.Region{}, false
	}
	return loader.SectionFor(c.ldr, addr)
}

// SegmentFor returns the rebased segment containing addr, if the loader
// knows one.
func (c *CFG) SegmentFor(addr uint64) (loader.Region, bool) {
	if c.ldr == nil {
		return loader.Region{}, false
	}
	return loader.SegmentFor(c.ldr, addr)
}
