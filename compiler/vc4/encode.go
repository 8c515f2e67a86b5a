package vc4

import (
	"context"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/target"
)

// Instruction word layout. Two ALU slots share one word; only one is
// used per instruction here, the other is a nop writing the null
// address.
const (
	sigShift     = 60
	condAddShift = 49
	condMulShift = 46
	sfBit        = 45
	wsBit        = 44
	waddrAdd     = 38
	waddrMul     = 32
	opMulShift   = 29
	opAddShift   = 24
	raddrAShift  = 18
	raddrBShift  = 12
	addAShift    = 9
	addBShift    = 6
	mulAShift    = 3
	mulBShift    = 0
)

// Signals.
const (
	sigNone     = 1
	sigProgEnd  = 3
	sigSmallImm = 13
	sigLoadImm  = 14
	sigBranch   = 15
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

// Add pipeline opcodes.
const (
	aopNop  = 0
	aopFAdd = 1
	aopFSub = 2
	aopFMin = 3
	aopFMax = 4
	aopFtoI = 7
	aopItoF = 8
	aopAdd  = 12
	aopSub  = 13
	aopShr  = 14
	aopAsr  = 15
	aopRor  = 16
	aopShl  = 17
	aopMin  = 18
	aopMax  = 19
	aopAnd  = 20
	aopOr   = 21
	aopXor  = 22
	aopNot  = 23
)

// Mul pipeline opcodes.
const (
	mopNop   = 0
	mopFMul  = 1
	mopMul24 = 2
	mopV8Min = 4
)

// Source mux values.
const (
	muxAcc0 = 0
	muxAcc4 = 4
	muxRegA = 6
	muxRegB = 7
)

// Register file addresses. 0..31 address the file proper, the rest
// are hardware functions. Some addresses resolve differently in file
// A and file B.
const (
	addrNop     = 39
	addrUniform = 32
	addrElemQPU = 38 // ELEMENT_NUMBER in A, QPU_NUMBER in B
	addrHostInt = 38 // write side
	addrVPM     = 48
	addrVPMBusy = 49 // read side; write side is the VCD setup
	addrVPMWait = 50 // read side; write side is the VCD address
	addrSFU     = 52 // recip, recipsqrt, exp2, log2
	addrTMU0S   = 56
)

// Encode translates a linked instruction list into 64-bit words. The
// last instruction carries the program-end signal followed by two
// drain nops.
func (p *Platform) Encode(ctx context.Context, l *target.List) (_ []uint64, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "vc4 encode", "instrs", l.Len())
	defer tr.Finish("err", &err)

	var code []uint64

	for i := 0; i < l.Len(); i++ {
		switch l.At(i).Op.(type) {
		case target.InitBegin, target.InitEnd:
			// markers only, the init block already sits between them
			continue
		}

		w, err := EncodeInstr(l.At(i))
		if err != nil {
			return nil, errors.Wrap(err, "instruction %d (%v)", i, l.At(i))
		}

		code = append(code, w)
	}

	code = append(code, nopWord(), nopWord())

	if tr.If("dump_final") {
		tr.Printw("encoded", "words", len(code))
	}

	return code, nil
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
	case target.SemaInc:
		return encodeSema(op.Sema, false), nil
	case target.SemaDec:
		return encodeSema(op.Sema, true), nil
	case target.IRQ:
		// any write to the host interrupt address raises the irq
		return encodeALU(target.ALU{
			Dest: target.Reg{Tag: target.Special, Id: target.SpecHostIRQ},
			SrcA: target.ImmSrc(1),
			Op:   target.BOr,
			SrcB: target.ImmSrc(1),
		})
	case target.NoOp:
		return nopWord(), nil
	case target.End:
		return nopWord()&^(uint64(sigNone)<<sigShift) | uint64(sigProgEnd)<<sigShift, nil
	case target.DMALoadWait:
		// reading the VCD wait address stalls until the load is done
		return readStall(false), nil
	case target.DMAStoreWait:
		return readStall(true), nil
	case target.VPMStall:
		w := nopWord()
		w &^= uint64(addrNop) << raddrAShift
		w |= uint64(addrVPMBusy) << raddrAShift

		return w, nil
	case target.BRL, target.Lab:
		return 0, errors.New("unlinked instruction")
	default:
		return 0, errors.New("not a vc4 instruction")
	}
}

func nopWord() uint64 {
	return uint64(sigNone)<<sigShift |
		uint64(addrNop)<<waddrAdd |
		uint64(addrNop)<<waddrMul |
		uint64(addrNop)<<raddrAShift |
		uint64(addrNop)<<raddrBShift |
		uint64(condAl)<<condAddShift |
		uint64(condAl)<<condMulShift
}

func readStall(fileB bool) uint64 {
	w := nopWord()

	if fileB {
		w &^= uint64(addrNop) << raddrBShift
		w |= uint64(addrVPMWait) << raddrBShift
	} else {
		w &^= uint64(addrNop) << raddrAShift
		w |= uint64(addrVPMWait) << raddrAShift
	}

	return w
}

func encodeLI(op target.LI) (uint64, error) {
	wa, ws, err := writeAddr(op.Dest)
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

	w := uint64(sigLoadImm) << sigShift
	w |= uint64(cond) << condAddShift
	w |= uint64(condAl) << condMulShift

	if op.SetFlags {
		w |= 1 << sfBit
	}
	if ws {
		w |= 1 << wsBit
	}

	w |= uint64(wa) << waddrAdd
	w |= uint64(addrNop) << waddrMul
	w |= uint64(imm)

	return w, nil
}

func encodeALU(op target.ALU) (uint64, error) {
	if op.Op == target.Rotate {
		return encodeRotate(op)
	}

	mul := op.Op.UsesMul()

	wa, ws, err := writeAddr(op.Dest)
	if err != nil {
		return 0, err
	}

	cond, err := condCode(op.Cond)
	if err != nil {
		return 0, err
	}

	w := uint64(sigNone) << sigShift

	raddrA := addrNop
	raddrB := addrNop

	srcMux := func(s target.RegOrImm) (int, error) {
		if s.IsImm {
			if s.Imm.Val < -16 || s.Imm.Val > 15 {
				return 0, errors.New("small immediate %d out of range", s.Imm.Val)
			}

			w = w&^(uint64(sigNone)<<sigShift) | uint64(sigSmallImm)<<sigShift
			raddrB = int(s.Imm.Val) & 0x3F

			return muxRegB, nil
		}

		switch s.Reg.Tag {
		case target.Acc:
			return muxAcc0 + int(s.Reg.Id), nil
		case target.RegA:
			if raddrA != addrNop && raddrA != int(s.Reg.Id) {
				return 0, errors.New("two reads of file A")
			}

			raddrA = int(s.Reg.Id)

			return muxRegA, nil
		case target.RegB:
			if raddrB != addrNop && raddrB != int(s.Reg.Id) {
				return 0, errors.New("two reads of file B")
			}

			raddrB = int(s.Reg.Id)

			return muxRegB, nil
		case target.Special:
			a, fileB, err := readAddr(s.Reg.Id)
			if err != nil {
				return 0, err
			}

			if fileB {
				raddrB = a
				return muxRegB, nil
			}

			raddrA = a

			return muxRegA, nil
		default:
			return 0, errors.New("unallocated register %v", s.Reg)
		}
	}

	muxA, err := srcMux(op.SrcA)
	if err != nil {
		return 0, err
	}

	muxB, err := srcMux(op.SrcB)
	if err != nil {
		return 0, err
	}

	if op.SetFlags {
		w |= 1 << sfBit
	}
	if ws != mul {
		// ws swaps which file the two write slots target
		w |= 1 << wsBit
	}

	w |= uint64(raddrA) << raddrAShift
	w |= uint64(raddrB) << raddrBShift

	if mul {
		mop, err := mulOp(op.Op)
		if err != nil {
			return 0, err
		}

		w |= uint64(condAl) << condAddShift
		w |= uint64(cond) << condMulShift
		w |= uint64(addrNop) << waddrAdd
		w |= uint64(wa) << waddrMul
		w |= uint64(mop) << opMulShift
		w |= uint64(aopNop) << opAddShift
		w |= uint64(muxA) << mulAShift
		w |= uint64(muxB) << mulBShift
	} else {
		aop, err := addOp(op.Op)
		if err != nil {
			return 0, err
		}

		w |= uint64(cond) << condAddShift
		w |= uint64(condAl) << condMulShift
		w |= uint64(wa) << waddrAdd
		w |= uint64(addrNop) << waddrMul
		w |= uint64(aop) << opAddShift
		w |= uint64(mopNop) << opMulShift
		w |= uint64(muxA) << addAShift
		w |= uint64(muxB) << addBShift
	}

	return w, nil
}

// encodeRotate encodes a full vector rotation on the mul pipeline.
// The rotation amount rides in the small immediate slot, so it must
// be a constant here.
func encodeRotate(op target.ALU) (uint64, error) {
	if !op.SrcB.IsImm {
		return 0, errors.New("rotate amount must be a constant")
	}

	wa, ws, err := writeAddr(op.Dest)
	if err != nil {
		return 0, err
	}

	cond, err := condCode(op.Cond)
	if err != nil {
		return 0, err
	}

	var muxA int

	switch op.SrcA.Reg.Tag {
	case target.Acc:
		muxA = muxAcc0 + int(op.SrcA.Reg.Id)
	case target.RegA:
		muxA = muxRegA
	default:
		return 0, errors.New("rotate source must be file A or an accumulator")
	}

	raddrA := addrNop
	if op.SrcA.Reg.Tag == target.RegA {
		raddrA = int(op.SrcA.Reg.Id)
	}

	w := uint64(sigSmallImm) << sigShift
	w |= uint64(condAl) << condAddShift
	w |= uint64(cond) << condMulShift
	w |= uint64(addrNop) << waddrAdd
	w |= uint64(wa) << waddrMul
	w |= uint64(mopV8Min) << opMulShift
	w |= uint64(raddrA) << raddrAShift
	w |= uint64(48+int(op.SrcB.Imm.Val)&0xF) << raddrBShift
	w |= uint64(muxA) << mulAShift
	w |= uint64(muxA) << mulBShift

	if !ws {
		w |= 1 << wsBit
	}

	return w, nil
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

	w := uint64(sigBranch) << sigShift
	w |= uint64(cond) << 52
	w |= 1 << 51 // relative
	w |= uint64(addrNop) << waddrAdd
	w |= uint64(addrNop) << waddrMul
	w |= uint64(uint32(op.Target * 8))

	return w, nil
}

func encodeSema(sema int, dec bool) uint64 {
	w := uint64(0x74) << 57
	w |= uint64(condAl) << condAddShift
	w |= uint64(condAl) << condMulShift
	w |= uint64(addrNop) << waddrAdd
	w |= uint64(addrNop) << waddrMul
	w |= uint64(sema) & 0xF

	if dec {
		w |= 1 << 4
	}

	return w
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
		return condCode(target.Cond(negate(c.Flag)))
	}

	return 0, errors.New("condition %v", c)
}

func negate(f target.Flag) target.Flag {
	switch f {
	case target.FlagZS:
		return target.FlagZC
	case target.FlagZC:
		return target.FlagZS
	case target.FlagNS:
		return target.FlagNC
	default:
		return target.FlagNS
	}
}

// writeAddr maps a destination register to a write address and the
// file select bit.
func writeAddr(r target.Reg) (addr int, fileB bool, err error) {
	switch r.Tag {
	case target.RegNone:
		return addrNop, false, nil
	case target.RegA:
		return int(r.Id), false, nil
	case target.RegB:
		return int(r.Id), true, nil
	case target.Acc:
		if r.Id > 3 {
			return 0, false, errors.New("%v is not writable", r)
		}

		return 32 + int(r.Id), false, nil
	case target.Special:
		switch r.Id {
		case target.SpecRdSetup:
			return addrVPMBusy, false, nil
		case target.SpecWrSetup:
			return addrVPMBusy, true, nil
		case target.SpecDMALoadAddr:
			return addrVPMWait, false, nil
		case target.SpecDMAStoreAddr:
			return addrVPMWait, true, nil
		case target.SpecVPMWrite:
			return addrVPM, false, nil
		case target.SpecHostIRQ:
			return addrHostInt, false, nil
		case target.SpecSFURecip:
			return addrSFU, false, nil
		case target.SpecSFURecipSqrt:
			return addrSFU + 1, false, nil
		case target.SpecSFUExp:
			return addrSFU + 2, false, nil
		case target.SpecSFULog:
			return addrSFU + 3, false, nil
		case target.SpecTMU0S:
			return addrTMU0S, false, nil
		}
	}

	return 0, false, errors.New("%v is not writable on vc4", r)
}

// readAddr maps a special register to a read address and its file.
func readAddr(id target.RegId) (addr int, fileB bool, err error) {
	switch id {
	case target.SpecUniform:
		return addrUniform, false, nil
	case target.SpecElemNum:
		return addrElemQPU, false, nil
	case target.SpecQPUNum:
		return addrElemQPU, true, nil
	case target.SpecVPMRead:
		return addrVPM, false, nil
	}

	return 0, false, errors.New("%v is not readable on vc4", target.Reg{Tag: target.Special, Id: id})
}

func addOp(op target.ALUOp) (int, error) {
	switch op {
	case target.NOP:
		return aopNop, nil
	case target.Add:
		return aopAdd, nil
	case target.Sub:
		return aopSub, nil
	case target.Min:
		return aopMin, nil
	case target.Max:
		return aopMax, nil
	case target.FAdd:
		return aopFAdd, nil
	case target.FSub:
		return aopFSub, nil
	case target.FMin:
		return aopFMin, nil
	case target.FMax:
		return aopFMax, nil
	case target.Shl:
		return aopShl, nil
	case target.Shr:
		return aopAsr, nil
	case target.UShr:
		return aopShr, nil
	case target.Ror:
		return aopRor, nil
	case target.BAnd:
		return aopAnd, nil
	case target.BOr:
		return aopOr, nil
	case target.BXor:
		return aopXor, nil
	case target.BNot:
		return aopNot, nil
	case target.ItoF:
		return aopItoF, nil
	case target.FtoI:
		return aopFtoI, nil
	default:
		return 0, errors.New("operation %v is not a vc4 add op", op)
	}
}

func mulOp(op target.ALUOp) (int, error) {
	switch op {
	case target.Mul:
		return mopMul24, nil
	case target.FMul:
		return mopFMul, nil
	default:
		return 0, errors.New("operation %v is not a vc4 mul op", op)
	}
}
