package cfg

// JumpKind classifies the semantic cause of a control-flow edge.
type JumpKind uint8

const (
	// Boring is an unconditional or conditional jump.
	Boring JumpKind = iota
	// Call is a function call.
	Call
	// Syscall is a call into the kernel.
	Syscall
	// Ret is a return to the caller.
	Ret
	// FakeRet is the post-call fallthrough: control eventually resumes here
	// if the callee returns.
	FakeRet
	// Unmodeled is any jump kind outside the recognized set. Ignored for
	// function building.
	Unmodeled
)

func (j JumpKind) String() string {
	switch j {
	case Boring:
		return "boring"
	case Call:
		return "call"
	case Syscall:
		return "syscall"
	case Ret:
		return "return"
	case FakeRet:
		return "fake_return"
	default:
		return "unmodeled"
	}
}

// IsCall reports whether the kind transfers control into a callee.
func (j JumpKind) IsCall() bool { return j == Call || j == Syscall }

// DefaultStmtIdx marks an edge created by the block's default exit rather
// than a specific exit statement.
const DefaultStmtIdx = -1

// EdgeInfo is the data attached to every CFG edge.
type EdgeInfo struct {
	Kind JumpKind
	// StmtIdx is the exit statement index the edge was produced by, or
	// DefaultStmtIdx.
	StmtIdx int
}
