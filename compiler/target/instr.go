package target

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Label is a symbolic branch target resolved by the linker.
	Label int

	// ALUOp is the operation of an ALU instruction.
	ALUOp int

	// Flag is the condition flag a conditional instruction or branch
	// tests. Flags are set by instructions with SetFlags.
	Flag int

	// AssignCond predicates an LI or ALU instruction per element.
	AssignCond struct {
		Tag  AssignCondTag
		Flag Flag
	}

	AssignCondTag int

	// BranchCond predicates a branch on the flags of all or any of
	// the 16 elements.
	BranchCond struct {
		Tag  BranchCondTag
		Flag Flag
	}

	BranchCondTag int

	// Imm is a 32-bit immediate payload of an LI instruction.
	Imm struct {
		Int   int32
		Float float32
		IsF   bool
	}

	// SmallImm is an immediate encodable in an ALU source slot.
	SmallImm struct {
		Val int32
	}

	// RegOrImm is an ALU source operand.
	RegOrImm struct {
		Reg Reg
		Imm SmallImm
		IsImm bool
	}

	// Instr is one target instruction. Op holds the tag-specific
	// payload; Header and Comment are carried into dumps.
	Instr struct {
		Op any

		Header  string
		Comment string
	}

	// LI loads a 32-bit immediate into all elements of Dest.
	LI struct {
		Cond     AssignCond
		SetFlags bool
		Dest     Reg
		Imm      Imm
	}

	// ALU computes Dest = SrcA Op SrcB.
	ALU struct {
		Cond     AssignCond
		SetFlags bool
		Dest     Reg
		SrcA     RegOrImm
		Op       ALUOp
		SrcB     RegOrImm
	}

	// BR is a branch with a resolved immediate offset.
	BR struct {
		Cond   BranchCond
		Target int32
	}

	// BRL is a branch to a symbolic label, replaced by BR at link time.
	BRL struct {
		Cond  BranchCond
		Label Label
	}

	// Lab marks a branch target, removed at link time.
	Lab struct {
		Label Label
	}

	NoOp struct{}
	End  struct{}

	// vc4 only.

	DMALoadWait  struct{}
	DMAStoreWait struct{}
	VPMStall     struct{}

	SemaInc struct{ Sema int }
	SemaDec struct{ Sema int }

	IRQ struct{}

	// v3d only.

	TMUWT struct{}

	// Recv moves the completed TMU load into Dest.
	Recv struct {
		Dest Reg
	}

	// TMU0ToAcc4 latches the TMU response into ACC4.
	TMU0ToAcc4 struct{}

	// InitBegin and InitEnd bracket the position where the back-end
	// inserts its per-QPU initialisation block.
	InitBegin struct{}
	InitEnd   struct{}
)

const (
	NOP ALUOp = iota

	// integer
	Add
	Sub
	Mul
	Min
	Max

	// float
	FAdd
	FSub
	FMul
	FMin
	FMax

	// bitwise and shifts
	Shl
	Shr
	UShr
	Ror
	BAnd
	BOr
	BXor
	BNot

	// conversions
	ItoF
	FtoI

	// vector rotate via mul pipeline
	Rotate

	// v3d intrinsics
	Tidx
	Eidx
)

const (
	Always AssignCondTag = iota
	Never
	CondFlag    // execute where Flag is set
	CondNegFlag // execute where Flag is clear
)

const (
	BrAlways BranchCondTag = iota
	BrAll
	BrAny
	BrNever
)

const (
	FlagZS Flag = iota // zero set
	FlagZC             // zero clear
	FlagNS             // negative set
	FlagNC             // negative clear
)

var (
	AlwaysCond = AssignCond{Tag: Always}
	NeverCond  = AssignCond{Tag: Never}

	BranchAlways = BranchCond{Tag: BrAlways}
)

// Cond makes an assignment condition testing f.
func Cond(f Flag) AssignCond {
	return AssignCond{Tag: CondFlag, Flag: f}
}

// NegCond makes an assignment condition testing the negation of f.
func NegCond(f Flag) AssignCond {
	return AssignCond{Tag: CondNegFlag, Flag: f}
}

// Negate flips the sense of the condition.
func (c AssignCond) Negate() AssignCond {
	switch c.Tag {
	case Always:
		return AssignCond{Tag: Never}
	case Never:
		return AssignCond{Tag: Always}
	case CondFlag:
		return AssignCond{Tag: CondNegFlag, Flag: c.Flag}
	case CondNegFlag:
		return AssignCond{Tag: CondFlag, Flag: c.Flag}
	default:
		panic(c)
	}
}

func AllCond(f Flag) BranchCond { return BranchCond{Tag: BrAll, Flag: f} }
func AnyCond(f Flag) BranchCond { return BranchCond{Tag: BrAny, Flag: f} }

// Negate inverts a branch condition. all(f) fails iff any(!f).
func (c BranchCond) Negate() BranchCond {
	switch c.Tag {
	case BrAlways:
		return BranchCond{Tag: BrNever}
	case BrNever:
		return BranchCond{Tag: BrAlways}
	case BrAll:
		return BranchCond{Tag: BrAny, Flag: negFlag(c.Flag)}
	case BrAny:
		return BranchCond{Tag: BrAll, Flag: negFlag(c.Flag)}
	default:
		panic(c)
	}
}

func negFlag(f Flag) Flag {
	switch f {
	case FlagZS:
		return FlagZC
	case FlagZC:
		return FlagZS
	case FlagNS:
		return FlagNC
	case FlagNC:
		return FlagNS
	default:
		panic(f)
	}
}

// IsFloat reports whether the operation runs on the float pipeline.
func (op ALUOp) IsFloat() bool {
	switch op {
	case FAdd, FSub, FMul, FMin, FMax, ItoF:
		return true
	}

	return false
}

// UsesMul reports whether the operation occupies the mul ALU slot.
func (op ALUOp) UsesMul() bool {
	switch op {
	case Mul, FMul, Rotate:
		return true
	}

	return false
}

func IntImm(v int32) Imm   { return Imm{Int: v} }
func FloatImm(v float32) Imm { return Imm{Float: v, IsF: true} }

func RegSrc(r Reg) RegOrImm     { return RegOrImm{Reg: r} }
func ImmSrc(v int32) RegOrImm   { return RegOrImm{Imm: SmallImm{Val: v}, IsImm: true} }

// LoadImm makes an unconditional LI.
func LoadImm(dst Reg, imm Imm) Instr {
	return Instr{Op: LI{Cond: AlwaysCond, Dest: dst, Imm: imm}}
}

// ALU2 makes an unconditional ALU instruction.
func ALU2(dst Reg, a RegOrImm, op ALUOp, b RegOrImm) Instr {
	return Instr{Op: ALU{Cond: AlwaysCond, Dest: dst, SrcA: a, Op: op, SrcB: b}}
}

// Mov makes dst = src using bor src, src.
func Mov(dst Reg, src RegOrImm) Instr {
	return ALU2(dst, src, BOr, src)
}

// Branch makes an unconditional branch to l.
func Branch(l Label) Instr {
	return Instr{Op: BRL{Cond: BranchAlways, Label: l}}
}

// BranchIf makes a conditional branch to l.
func BranchIf(c BranchCond, l Label) Instr {
	return Instr{Op: BRL{Cond: c, Label: l}}
}

// Mark makes a label definition.
func Mark(l Label) Instr {
	return Instr{Op: Lab{Label: l}}
}

// WithHeader attaches a block header shown above the instruction in dumps.
func (x Instr) WithHeader(h string) Instr {
	x.Header = h
	return x
}

// WithComment attaches a trailing comment shown in dumps.
func (x Instr) WithComment(c string) Instr {
	x.Comment = c
	return x
}

// IsLabel reports whether the instruction defines label l.
func (x Instr) IsLabel(l Label) bool {
	op, ok := x.Op.(Lab)
	return ok && op.Label == l
}

func (c AssignCond) String() string {
	switch c.Tag {
	case Always:
		return "always"
	case Never:
		return "never"
	case CondFlag:
		return fmt.Sprintf("if %v", c.Flag)
	case CondNegFlag:
		return fmt.Sprintf("if !%v", c.Flag)
	default:
		panic(c.Tag)
	}
}

func (c BranchCond) String() string {
	switch c.Tag {
	case BrAlways:
		return "always"
	case BrNever:
		return "never"
	case BrAll:
		return fmt.Sprintf("all(%v)", c.Flag)
	case BrAny:
		return fmt.Sprintf("any(%v)", c.Flag)
	default:
		panic(c.Tag)
	}
}

func (f Flag) String() string {
	switch f {
	case FlagZS:
		return "ZS"
	case FlagZC:
		return "ZC"
	case FlagNS:
		return "NS"
	case FlagNC:
		return "NC"
	default:
		return fmt.Sprintf("Flag(%d)", int(f))
	}
}

func (i Imm) String() string {
	if i.IsF {
		return fmt.Sprintf("%g", i.Float)
	}

	return fmt.Sprintf("%d", i.Int)
}

func (s RegOrImm) String() string {
	if s.IsImm {
		return fmt.Sprintf("%d", s.Imm.Val)
	}

	return s.Reg.String()
}

func (op ALUOp) String() string {
	switch op {
	case NOP:
		return "nop"
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mul:
		return "mul"
	case Min:
		return "min"
	case Max:
		return "max"
	case FAdd:
		return "fadd"
	case FSub:
		return "fsub"
	case FMul:
		return "fmul"
	case FMin:
		return "fmin"
	case FMax:
		return "fmax"
	case Shl:
		return "shl"
	case Shr:
		return "shr"
	case UShr:
		return "ushr"
	case Ror:
		return "ror"
	case BAnd:
		return "and"
	case BOr:
		return "or"
	case BXor:
		return "xor"
	case BNot:
		return "not"
	case ItoF:
		return "itof"
	case FtoI:
		return "ftoi"
	case Rotate:
		return "rotate"
	case Tidx:
		return "tidx"
	case Eidx:
		return "eidx"
	default:
		return fmt.Sprintf("ALUOp(%d)", int(op))
	}
}

func (l Label) String() string {
	return fmt.Sprintf("L%d", int(l))
}

func (x Instr) String() string {
	switch op := x.Op.(type) {
	case LI:
		s := fmt.Sprintf("li %v, %v", op.Dest, op.Imm)
		return annot(s, op.Cond, op.SetFlags)
	case ALU:
		var s string
		if op.Op == BOr && op.SrcA == op.SrcB {
			s = fmt.Sprintf("mov %v, %v", op.Dest, op.SrcA)
		} else {
			s = fmt.Sprintf("%v %v, %v, %v", op.Op, op.Dest, op.SrcA, op.SrcB)
		}
		return annot(s, op.Cond, op.SetFlags)
	case BR:
		return fmt.Sprintf("br %v, %+d", op.Cond, op.Target)
	case BRL:
		return fmt.Sprintf("br %v, %v", op.Cond, op.Label)
	case Lab:
		return fmt.Sprintf("%v:", op.Label)
	case NoOp:
		return "nop"
	case End:
		return "end"
	case DMALoadWait:
		return "dma.ld.wait"
	case DMAStoreWait:
		return "dma.st.wait"
	case VPMStall:
		return "vpm.stall"
	case SemaInc:
		return fmt.Sprintf("sema.inc %d", op.Sema)
	case SemaDec:
		return fmt.Sprintf("sema.dec %d", op.Sema)
	case IRQ:
		return "irq.host"
	case TMUWT:
		return "tmuwt"
	case Recv:
		return fmt.Sprintf("recv %v", op.Dest)
	case TMU0ToAcc4:
		return "tmu0.to.acc4"
	case InitBegin:
		return "init.begin"
	case InitEnd:
		return "init.end"
	default:
		panic(x.Op)
	}
}

func annot(s string, c AssignCond, sf bool) string {
	if c.Tag != Always {
		s += fmt.Sprintf(" (%v)", c)
	}
	if sf {
		s += " (sf)"
	}

	return s
}

func (x Instr) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, x.String())
}
