package interp

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/blacktop/go-cfg/pkg/cfg"
)

// maxBlockBytes bounds how far the prober will decode without hitting a
// control transfer.
const maxBlockBytes = 4096

// X86 is a minimal x86-64 block interpreter: it decodes straight-line code
// until the first control transfer and reports where control goes next. It
// carries no register or memory state, which is all the CFG core needs for
// tail-chain probing.
type X86 struct {
	base uint64
	code []byte
}

// NewX86 creates a prober over one contiguous code range mapped at base.
func NewX86(base uint64, code []byte) *X86 {
	return &X86{base: base, code: code}
}

// Run decodes the block at the entry state's address. Decode failure on the
// first instruction raises a translation fault; an address outside the
// mapped range raises a memory fault.
func (x *X86) Run(state cfg.State, _ cfg.JumpKind) (*cfg.BlockResult, error) {
	if state.Addr < x.base || state.Addr >= x.base+uint64(len(x.code)) {
		return nil, &cfg.MemoryError{Addr: state.Addr, Err: errors.New("address not mapped")}
	}

	res := &cfg.BlockResult{Addr: state.Addr}
	pc := state.Addr

	for res.Size < maxBlockBytes {
		off := pc - x.base
		if off >= uint64(len(x.code)) {
			break
		}
		inst, err := x86asm.Decode(x.code[off:], 64)
		if err != nil {
			if res.Size == 0 {
				return nil, &cfg.TranslationError{Addr: pc, Err: err}
			}
			// decoded a partial block; it ends here with no way out
			return res, nil
		}

		next := pc + uint64(inst.Len)
		res.Size += uint64(inst.Len)
		res.InstructionAddrs = append(res.InstructionAddrs, pc)

		if sucs, terminal := x.successors(inst, pc, next); terminal {
			res.Successors = sucs
			return res, nil
		}

		pc = next
	}

	// fell off the decode window without a control transfer
	res.Successors = []cfg.Successor{{Target: pc, Kind: cfg.Boring, State: &cfg.State{Addr: pc}}}
	return res, nil
}

// successors classifies a control transfer. The boolean reports whether the
// instruction ends the block.
func (x *X86) successors(inst x86asm.Inst, pc, next uint64) ([]cfg.Successor, bool) {
	switch inst.Op {
	case x86asm.RET:
		// return target depends on the stack; symbolic from here
		return []cfg.Successor{{Symbolic: true, Kind: cfg.Ret}}, true

	case x86asm.CALL:
		sucs := []cfg.Successor{x.transfer(inst, pc, next, cfg.Call)}
		sucs = append(sucs, cfg.Successor{Target: next, Kind: cfg.FakeRet, State: &cfg.State{Addr: next}})
		return sucs, true

	case x86asm.JMP:
		return []cfg.Successor{x.transfer(inst, pc, next, cfg.Boring)}, true

	case x86asm.SYSCALL, x86asm.SYSENTER:
		return []cfg.Successor{{Target: next, Kind: cfg.Syscall, State: &cfg.State{Addr: next}}}, true

	case x86asm.UD1, x86asm.UD2, x86asm.HLT:
		return nil, true
	}

	if isConditionalJump(inst.Op) {
		taken := x.transfer(inst, pc, next, cfg.Boring)
		fall := cfg.Successor{Target: next, Kind: cfg.Boring, State: &cfg.State{Addr: next}}
		return []cfg.Successor{taken, fall}, true
	}

	return nil, false
}

// transfer resolves a branch operand to a successor: PC-relative operands
// yield a concrete target, anything register- or memory-dependent stays
// symbolic.
func (x *X86) transfer(inst x86asm.Inst, pc, next uint64, kind cfg.JumpKind) cfg.Successor {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		target := next + uint64(int64(arg))
		return cfg.Successor{Target: target, Kind: kind, State: &cfg.State{Addr: target}}
	case x86asm.Mem:
		if arg.Base == 0 && arg.Index == 0 {
			target := uint64(arg.Disp)
			return cfg.Successor{Target: target, Kind: kind, State: &cfg.State{Addr: target}}
		}
	}
	return cfg.Successor{Symbolic: true, Kind: kind}
}

// isConditionalJump reports whether op is one of the Jcc family. x86asm
// gives every condition its own Op, so Op == JMP is always unconditional.
func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP:
		return false
	}
	return strings.HasPrefix(op.String(), "J")
}
