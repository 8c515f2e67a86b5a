package vc4

import (
	"tlog.app/go/errors"

	"github.com/qpulang/qpu/compiler/target"
)

// Decode recovers an instruction from its word. It understands the
// subset of the ISA the encoder produces.
func Decode(w uint64) (target.Instr, error) {
	switch sig := w >> sigShift; sig {
	case sigBranch:
		return decodeBR(w)
	case sigLoadImm:
		if w>>57&0x7 == 4 {
			return decodeSema(w), nil
		}

		return decodeLI(w)
	case sigNone, sigSmallImm, sigProgEnd:
		return decodeALU(w, sig)
	default:
		return target.Instr{}, errors.New("signal %d", sig)
	}
}

func decodeBR(w uint64) (target.Instr, error) {
	cond := int(w >> 52 & 0xF)

	var c target.BranchCond

	switch cond {
	case 15:
		c = target.BranchAlways
	case 0:
		c = target.AllCond(target.FlagZS)
	case 1:
		c = target.AllCond(target.FlagZC)
	case 2:
		c = target.AnyCond(target.FlagZS)
	case 3:
		c = target.AnyCond(target.FlagZC)
	case 4:
		c = target.AllCond(target.FlagNS)
	case 5:
		c = target.AllCond(target.FlagNC)
	case 6:
		c = target.AnyCond(target.FlagNS)
	case 7:
		c = target.AnyCond(target.FlagNC)
	default:
		return target.Instr{}, errors.New("branch condition %d", cond)
	}

	return target.Instr{Op: target.BR{
		Cond:   c,
		Target: int32(uint32(w)) / 8,
	}}, nil
}

func decodeSema(w uint64) target.Instr {
	sema := int(w & 0xF)

	if w&(1<<4) != 0 {
		return target.Instr{Op: target.SemaDec{Sema: sema}}
	}

	return target.Instr{Op: target.SemaInc{Sema: sema}}
}

func decodeLI(w uint64) (target.Instr, error) {
	dst, err := decodeWrite(int(w>>waddrAdd&0x3F), w&(1<<wsBit) != 0)
	if err != nil {
		return target.Instr{}, err
	}

	cond, err := decodeCond(int(w >> condAddShift & 0x7))
	if err != nil {
		return target.Instr{}, err
	}

	return target.Instr{Op: target.LI{
		Cond:     cond,
		SetFlags: w&(1<<sfBit) != 0,
		Dest:     dst,
		Imm:      target.IntImm(int32(uint32(w))),
	}}, nil
}

func decodeALU(w uint64, sig uint64) (target.Instr, error) {
	raddrA := int(w >> raddrAShift & 0x3F)
	raddrB := int(w >> raddrBShift & 0x3F)

	aop := int(w >> opAddShift & 0x1F)
	mop := int(w >> opMulShift & 0x7)

	ws := w&(1<<wsBit) != 0

	if aop == aopNop && mop == mopNop {
		switch {
		case sig == sigProgEnd:
			return target.Instr{Op: target.End{}}, nil
		case raddrA == addrVPMWait:
			return target.Instr{Op: target.DMALoadWait{}}, nil
		case raddrB == addrVPMWait:
			return target.Instr{Op: target.DMAStoreWait{}}, nil
		case raddrA == addrVPMBusy:
			return target.Instr{Op: target.VPMStall{}}, nil
		default:
			return target.Instr{Op: target.NoOp{}}, nil
		}
	}

	mul := aop == aopNop

	var op target.ALUOp
	var wa int
	var cond int
	var muxA, muxB int

	if mul {
		var err error

		op, err = decodeMulOp(mop)
		if err != nil {
			return target.Instr{}, err
		}

		wa = int(w >> waddrMul & 0x3F)
		cond = int(w >> condMulShift & 0x7)
		muxA = int(w >> mulAShift & 0x7)
		muxB = int(w >> mulBShift & 0x7)
		ws = !ws
	} else {
		var err error

		op, err = decodeAddOp(aop)
		if err != nil {
			return target.Instr{}, err
		}

		wa = int(w >> waddrAdd & 0x3F)
		cond = int(w >> condAddShift & 0x7)
		muxA = int(w >> addAShift & 0x7)
		muxB = int(w >> addBShift & 0x7)
	}

	dst, err := decodeWrite(wa, ws)
	if err != nil {
		return target.Instr{}, err
	}

	c, err := decodeCond(cond)
	if err != nil {
		return target.Instr{}, err
	}

	src := func(mux int) (target.RegOrImm, error) {
		switch {
		case mux <= muxAcc4:
			return target.RegSrc(target.Reg{Tag: target.Acc, Id: target.RegId(mux)}), nil
		case mux == muxRegB && sig == sigSmallImm:
			v := int32(raddrB)
			if v >= 32 {
				v -= 64
			}

			return target.ImmSrc(v), nil
		case mux == muxRegA:
			return decodeRead(raddrA, false)
		case mux == muxRegB:
			return decodeRead(raddrB, true)
		default:
			return target.RegOrImm{}, errors.New("source mux %d", mux)
		}
	}

	srcA, err := src(muxA)
	if err != nil {
		return target.Instr{}, err
	}

	srcB, err := src(muxB)
	if err != nil {
		return target.Instr{}, err
	}

	return target.Instr{Op: target.ALU{
		Cond:     c,
		SetFlags: w&(1<<sfBit) != 0,
		Dest:     dst,
		SrcA:     srcA,
		Op:       op,
		SrcB:     srcB,
	}}, nil
}

func decodeWrite(wa int, fileB bool) (target.Reg, error) {
	switch {
	case wa < 32:
		tag := target.RegA
		if fileB {
			tag = target.RegB
		}

		return target.Reg{Tag: tag, Id: target.RegId(wa)}, nil
	case wa <= 35:
		return target.Reg{Tag: target.Acc, Id: target.RegId(wa - 32)}, nil
	case wa == addrNop:
		return target.None, nil
	case wa == addrHostInt:
		return target.Reg{Tag: target.Special, Id: target.SpecHostIRQ}, nil
	case wa == addrVPM:
		return target.VPMWrite, nil
	case wa == addrVPMBusy && !fileB:
		return target.RdSetup, nil
	case wa == addrVPMBusy:
		return target.WrSetup, nil
	case wa == addrVPMWait && !fileB:
		return target.DMALoadAddr, nil
	case wa == addrVPMWait:
		return target.DMAStoreAddr, nil
	case wa >= addrSFU && wa < addrSFU+4:
		return target.Reg{Tag: target.Special, Id: target.SpecSFURecip + target.RegId(wa-addrSFU)}, nil
	case wa == addrTMU0S:
		return target.TMU0S, nil
	default:
		return target.None, errors.New("write address %d", wa)
	}
}

func decodeRead(ra int, fileB bool) (target.RegOrImm, error) {
	switch {
	case ra < 32:
		tag := target.RegA
		if fileB {
			tag = target.RegB
		}

		return target.RegSrc(target.Reg{Tag: tag, Id: target.RegId(ra)}), nil
	case ra == addrUniform:
		return target.RegSrc(target.Uniform), nil
	case ra == addrElemQPU && !fileB:
		return target.RegSrc(target.ElemID), nil
	case ra == addrElemQPU:
		return target.RegSrc(target.QPUID), nil
	case ra == addrVPM:
		return target.RegSrc(target.VPMRead), nil
	default:
		return target.RegOrImm{}, errors.New("read address %d", ra)
	}
}

func decodeCond(c int) (target.AssignCond, error) {
	switch c {
	case condAl:
		return target.AlwaysCond, nil
	case condNever:
		return target.NeverCond, nil
	case condZS:
		return target.Cond(target.FlagZS), nil
	case condZC:
		return target.Cond(target.FlagZC), nil
	case condNS:
		return target.Cond(target.FlagNS), nil
	case condNC:
		return target.Cond(target.FlagNC), nil
	default:
		return target.AssignCond{}, errors.New("condition %d", c)
	}
}

func decodeAddOp(op int) (target.ALUOp, error) {
	switch op {
	case aopFAdd:
		return target.FAdd, nil
	case aopFSub:
		return target.FSub, nil
	case aopFMin:
		return target.FMin, nil
	case aopFMax:
		return target.FMax, nil
	case aopFtoI:
		return target.FtoI, nil
	case aopItoF:
		return target.ItoF, nil
	case aopAdd:
		return target.Add, nil
	case aopSub:
		return target.Sub, nil
	case aopShr:
		return target.UShr, nil
	case aopAsr:
		return target.Shr, nil
	case aopRor:
		return target.Ror, nil
	case aopShl:
		return target.Shl, nil
	case aopMin:
		return target.Min, nil
	case aopMax:
		return target.Max, nil
	case aopAnd:
		return target.BAnd, nil
	case aopOr:
		return target.BOr, nil
	case aopXor:
		return target.BXor, nil
	case aopNot:
		return target.BNot, nil
	default:
		return 0, errors.New("add op %d", op)
	}
}

func decodeMulOp(op int) (target.ALUOp, error) {
	switch op {
	case mopFMul:
		return target.FMul, nil
	case mopMul24:
		return target.Mul, nil
	case mopV8Min:
		return target.Rotate, nil
	default:
		return 0, errors.New("mul op %d", op)
	}
}
