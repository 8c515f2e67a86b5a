package v3d

import (
	"context"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/target"
)

// Instruction word layout.
//
//	[63:58] signal bits
//	[57:56] kind: alu, load immediate, branch
//	alu:    op[55:48] cond[47:44] sf[43] waddr[42:36] srcA[35:29] srcB[28:22]
//	li:     cond[55:52] sf[51] waddr[50:44] imm[31:0]
//	branch: cond[55:52] offset[31:0]
//
// Addresses 0..31 are the register file, 0x40.. the accumulators and
// 0x50.. the magic functional registers.
const (
	sigShift  = 58
	kindShift = 56

	sigThrSw    = 1 << 0
	sigLdTMU    = 1 << 1
	sigSmallImm = 1 << 2

	kindALU = 0
	kindLI  = 1
	kindBR  = 2

	opShift    = 48
	condShift  = 44
	sfBit      = 43
	waddrShift = 36
	srcAShift  = 29
	srcBShift  = 22

	liCondShift  = 52
	liSfBit      = 51
	liWaddrShift = 44

	brCondShift = 52
)

// Condition codes.
const (
	condNever = 0
	condAl    = 1
	condZS    = 2
	condZC    = 3
	condNS    = 4
	condNC    = 5
)

// Register addresses.
const (
	addrAcc     = 0x40
	addrUniform = 0x48
	addrTMUD    = 0x50
	addrTMUA    = 0x51
	addrTMU0S   = 0x52
	addrSFU     = 0x53 // recip, rsqrt, exp2, log2, sin
	addrNone    = 0x5F
)

// ALU opcodes.
const (
	opNop   = 0x00
	opFAdd  = 0x01
	opFSub  = 0x02
	opFMul  = 0x03
	opFMin  = 0x04
	opFMax  = 0x05
	opAdd   = 0x10
	opSub   = 0x11
	opMul   = 0x12
	opMin   = 0x13
	opMax   = 0x14
	opShl   = 0x18
	opAsr   = 0x19
	opShr   = 0x1A
	opRor   = 0x1B
	opAnd   = 0x1C
	opOr    = 0x1D
	opXor   = 0x1E
	opNot   = 0x1F
	opItoF  = 0x20
	opFtoI  = 0x21
	opRot   = 0x22
	opTidx  = 0x30
	opEidx  = 0x31
	opTMUWT = 0x3F
)

// Encode translates a linked instruction list into 64-bit words,
// closing with the terminal thread-switch signature.
func (p *Platform) Encode(ctx context.Context, l *target.List) (_ []uint64, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "v3d encode", "instrs", l.Len())
	defer tr.Finish("err", &err)

	var code []uint64

	for i := 0; i < l.Len(); i++ {
		x := l.At(i)

		switch x.Op.(type) {
		case target.InitBegin, target.InitEnd:
			// markers only, the init block already sits between them
			continue
		}

		if _, ok := x.Op.(target.End); ok {
			code = append(code, endSignature()...)
			continue
		}

		w, err := EncodeInstr(x)
		if err != nil {
			return nil, errors.Wrap(err, "instruction %d (%v)", i, x)
		}

		code = append(code, w)
	}

	if tr.If("dump_final") {
		tr.Printw("encoded", "words", len(code))
	}

	return code, nil
}

// endSignature is the program terminator: two switching nops, three
// plain ones, one more switch and two drains.
func endSignature() []uint64 {
	thrsw := nopWord() | sigThrSw<<sigShift
	nop := nopWord()

	return []uint64{thrsw, thrsw, nop, nop, nop, thrsw, nop, nop}
}

func nopWord() uint64 {
	return uint64(kindALU)<<kindShift |
		uint64(opNop)<<opShift |
		uint64(condAl)<<condShift |
		uint64(addrNone)<<waddrShift |
		uint64(addrNone)<<srcAShift |
		uint64(addrNone)<<srcBShift
}

// EncodeInstr encodes a single instruction.
func EncodeInstr(x target.Instr) (uint64, error) {
	switch op := x.Op.(type) {
	case target.LI:
		return encodeLI(op)
	case target.ALU:
		return encodeALU(op)
	case target.BR:
		return encodeBR(op)
	case target.NoOp:
		return nopWord(), nil
	case target.TMUWT:
		w := nopWord()
		w &^= uint64(opNop) << opShift
		w |= uint64(opTMUWT) << opShift

		return w, nil
	case target.TMU0ToAcc4:
		// the response latch rides on the signal bits of a nop
		return nopWord() | (sigLdTMU|sigThrSw)<<sigShift, nil
	case target.BRL, target.Lab:
		return 0, errors.New("unlinked instruction")
	default:
		return 0, errors.New("not a v3d instruction")
	}
}

func encodeLI(op target.LI) (uint64, error) {
	wa, err := writeAddr(op.Dest)
	if err != nil {
		return 0, err
	}

	cond, err := condCode(op.Cond)
	if err != nil {
		return 0, err
	}

	imm := uint32(op.Imm.Int)
	if op.Imm.IsF {
		imm = math.Float32bits(op.Imm.Float)
	}

	w := uint64(kindLI) << kindShift
	w |= uint64(cond) << liCondShift
	w |= uint64(wa) << liWaddrShift
	w |= uint64(imm)

	if op.SetFlags {
		w |= 1 << liSfBit
	}

	return w, nil
}

func encodeALU(op target.ALU) (uint64, error) {
	// element index reads become the eidx op
	if isMov(op) && !op.SrcA.IsImm && op.SrcA.Reg == target.ElemID {
		op = target.ALU{
			Cond: op.Cond, SetFlags: op.SetFlags, Dest: op.Dest,
			SrcA: target.RegSrc(target.None),
			Op:   target.Eidx,
			SrcB: target.RegSrc(target.None),
		}
	}

	code, err := opCode(op.Op)
	if err != nil {
		return 0, err
	}

	wa, err := writeAddr(op.Dest)
	if err != nil {
		return 0, err
	}

	cond, err := condCode(op.Cond)
	if err != nil {
		return 0, err
	}

	w := uint64(kindALU) << kindShift
	w |= uint64(code) << opShift
	w |= uint64(cond) << condShift
	w |= uint64(wa) << waddrShift

	if op.SetFlags {
		w |= 1 << sfBit
	}

	a, err := readAddr(op.SrcA)
	if err != nil {
		return 0, err
	}

	w |= uint64(a) << srcAShift

	if op.SrcB.IsImm {
		v := op.SrcB.Imm.Val
		if v < -16 || v > 15 {
			return 0, errors.New("small immediate %d out of range", v)
		}

		w |= sigSmallImm << sigShift
		w |= uint64(uint32(v)&0x3F) << srcBShift

		return w, nil
	}

	b, err := readAddr(op.SrcB)
	if err != nil {
		return 0, err
	}

	w |= uint64(b) << srcBShift

	return w, nil
}

func isMov(op target.ALU) bool {
	return op.Op == target.BOr && op.SrcA == op.SrcB
}

func encodeBR(op target.BR) (uint64, error) {
	var cond int

	switch op.Cond.Tag {
	case target.BrAlways:
		cond = 15
	case target.BrAll:
		switch op.Cond.Flag {
		case target.FlagZS:
			cond = 0
		case target.FlagZC:
			cond = 1
		case target.FlagNS:
			cond = 4
		case target.FlagNC:
			cond = 5
		}
	case target.BrAny:
		switch op.Cond.Flag {
		case target.FlagZS:
			cond = 2
		case target.FlagZC:
			cond = 3
		case target.FlagNS:
			cond = 6
		case target.FlagNC:
			cond = 7
		}
	default:
		return 0, errors.New("branch condition %v", op.Cond)
	}

	w := uint64(kindBR) << kindShift
	w |= uint64(cond) << brCondShift
	w |= uint64(uint32(op.Target))

	return w, nil
}

func condCode(c target.AssignCond) (int, error) {
	switch c.Tag {
	case target.Always:
		return condAl, nil
	case target.Never:
		return condNever, nil
	case target.CondFlag:
		switch c.Flag {
		case target.FlagZS:
			return condZS, nil
		case target.FlagZC:
			return condZC, nil
		case target.FlagNS:
			return condNS, nil
		case target.FlagNC:
			return condNC, nil
		}
	case target.CondNegFlag:
		switch c.Flag {
		case target.FlagZS:
			return condZC, nil
		case target.FlagZC:
			return condZS, nil
		case target.FlagNS:
			return condNC, nil
		case target.FlagNC:
			return condNS, nil
		}
	}

	return 0, errors.New("condition %v", c)
}

func writeAddr(r target.Reg) (int, error) {
	switch r.Tag {
	case target.RegNone:
		return addrNone, nil
	case target.RegA:
		return int(r.Id), nil
	case target.Acc:
		if r.Id > 3 {
			return 0, errors.New("%v is not writable", r)
		}

		return addrAcc + int(r.Id), nil
	case target.Special:
		switch r.Id {
		case target.SpecTMUD:
			return addrTMUD, nil
		case target.SpecTMUA:
			return addrTMUA, nil
		case target.SpecTMU0S:
			return addrTMU0S, nil
		case target.SpecSFURecip:
			return addrSFU, nil
		case target.SpecSFURecipSqrt:
			return addrSFU + 1, nil
		case target.SpecSFUExp:
			return addrSFU + 2, nil
		case target.SpecSFULog:
			return addrSFU + 3, nil
		case target.SpecSFUSin:
			return addrSFU + 4, nil
		}
	}

	return 0, errors.New("%v is not writable on v3d", r)
}

func readAddr(s target.RegOrImm) (int, error) {
	r := s.Reg

	switch r.Tag {
	case target.RegNone:
		return addrNone, nil
	case target.RegA:
		return int(r.Id), nil
	case target.Acc:
		return addrAcc + int(r.Id), nil
	case target.Special:
		if r.Id == target.SpecUniform {
			return addrUniform, nil
		}
	}

	return 0, errors.New("%v is not readable on v3d", r)
}

func opCode(op target.ALUOp) (int, error) {
	switch op {
	case target.NOP:
		return opNop, nil
	case target.FAdd:
		return opFAdd, nil
	case target.FSub:
		return opFSub, nil
	case target.FMul:
		return opFMul, nil
	case target.FMin:
		return opFMin, nil
	case target.FMax:
		return opFMax, nil
	case target.Add:
		return opAdd, nil
	case target.Sub:
		return opSub, nil
	case target.Mul:
		return opMul, nil
	case target.Min:
		return opMin, nil
	case target.Max:
		return opMax, nil
	case target.Shl:
		return opShl, nil
	case target.Shr:
		return opAsr, nil
	case target.UShr:
		return opShr, nil
	case target.Ror:
		return opRor, nil
	case target.BAnd:
		return opAnd, nil
	case target.BOr:
		return opOr, nil
	case target.BXor:
		return opXor, nil
	case target.BNot:
		return opNot, nil
	case target.ItoF:
		return opItoF, nil
	case target.FtoI:
		return opFtoI, nil
	case target.Rotate:
		return opRot, nil
	case target.Tidx:
		return opTidx, nil
	case target.Eidx:
		return opEidx, nil
	default:
		return 0, errors.New("operation %v is not a v3d op", op)
	}
}
