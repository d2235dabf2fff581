// Package interp provides concrete implementations of the block
// interpretation surface the CFG core consumes: a lightweight x86-64
// straight-line prober used to extend function spans across tail jumps, and
// a scripted interpreter for tests and replayed traces.
package interp

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-cfg/pkg/cfg"
)

// Table is a scripted interpreter: every address maps to a canned block
// result or a canned fault. Anything unmapped raises a translation fault,
// which the CFG core treats as "stop probing".
type Table struct {
	blocks map[uint64]*cfg.BlockResult
	faults map[uint64]error
}

// NewTable creates an empty scripted interpreter.
func NewTable() *Table {
	return &Table{
		blocks: make(map[uint64]*cfg.BlockResult),
		faults: make(map[uint64]error),
	}
}

// SetBlock scripts the result of interpreting the block at addr.
func (t *Table) SetBlock(addr uint64, res *cfg.BlockResult) {
	t.blocks[addr] = res
}

// SetFault scripts a failure for addr.
func (t *Table) SetFault(addr uint64, err error) {
	t.faults[addr] = err
}

// Run returns the scripted outcome for the entry state's address.
func (t *Table) Run(state cfg.State, _ cfg.JumpKind) (*cfg.BlockResult, error) {
	if err, ok := t.faults[state.Addr]; ok {
		return nil, err
	}
	if res, ok := t.blocks[state.Addr]; ok {
		return res, nil
	}
	return nil, &cfg.TranslationError{Addr: state.Addr, Err: errors.New("address not scripted")}
}
