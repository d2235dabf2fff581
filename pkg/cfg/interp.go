package cfg

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-cfg/pkg/action"
)

// State is an interpreter entry state: where to start lifting and whatever
// private context the interpreter wants to carry along.
type State struct {
	Addr uint64
	// Extra is opaque to the CFG; interpreters round-trip their own state
	// (register file, options) through it.
	Extra any
}

// Successor is one way control leaves an interpreted block.
type Successor struct {
	// Target is the concrete next address. Meaningless when Symbolic.
	Target uint64
	// Symbolic marks a successor whose next address could not be made
	// concrete (an unresolved computed jump).
	Symbolic bool
	Kind     JumpKind
	State    *State
	// Actions are the effects recorded while reaching this successor.
	Actions []action.Action
}

// BlockResult is the outcome of interpreting one block.
type BlockResult struct {
	Addr uint64
	Size uint64
	// InstructionAddrs are the addresses of the decoded instructions in
	// order. May be empty for opaque or scripted blocks.
	InstructionAddrs []uint64
	Successors       []Successor
}

// Interpreter lifts and executes a single block. force overrides the jump
// kind the entry state arrived with; pass Boring to treat the entry as plain
// control flow. Implementations signal invalid decode with TranslationError
// and invalid access with MemoryError rather than failing hard.
type Interpreter interface {
	Run(state State, force JumpKind) (*BlockResult, error)
}

// Hook describes an external procedure replacing the code at an address.
type Hook struct {
	Name      string
	NoRet     bool
	IsSyscall bool
}

// Hooks maps hooked addresses to their external procedures.
type Hooks map[uint64]Hook

// Hooked reports whether addr is replaced by an external procedure.
func (h Hooks) Hooked(addr uint64) bool {
	_, ok := h[addr]
	return ok
}

// TranslationError reports that the interpreter could not decode at an
// address.
type TranslationError struct {
	Addr uint64
	Err  error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translation failed at %#x: %v", e.Addr, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// MemoryError reports that the interpreter touched an unmapped or otherwise
// invalid address.
type MemoryError struct {
	Addr uint64
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("invalid memory access at %#x: %v", e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// IsFault reports whether err is a recoverable interpretation fault.
func IsFault(err error) bool {
	var te *TranslationError
	var me *MemoryError
	return errors.As(err, &te) || errors.As(err, &me)
}
