package v3d

import (
	"tlog.app/go/errors"

	"github.com/qpulang/qpu/compiler/target"
)

// Decode recovers an instruction from its word. It understands the
// subset of the ISA the encoder produces.
func Decode(w uint64) (target.Instr, error) {
	sig := int(w >> sigShift & 0x3F)

	switch kind := int(w >> kindShift & 0x3); kind {
	case kindBR:
		return decodeBR(w)
	case kindLI:
		return decodeLI(w)
	case kindALU:
		return decodeALU(w, sig)
	default:
		return target.Instr{}, errors.New("kind %d", kind)
	}
}

func decodeALU(w uint64, sig int) (target.Instr, error) {
	code := int(w >> opShift & 0xFF)

	if code == opNop {
		if sig&sigLdTMU != 0 {
			return target.Instr{Op: target.TMU0ToAcc4{}}, nil
		}

		return target.Instr{Op: target.NoOp{}}, nil
	}

	if code == opTMUWT {
		return target.Instr{Op: target.TMUWT{}}, nil
	}

	op, err := opFromCode(code)
	if err != nil {
		return target.Instr{}, err
	}

	dst, err := decodeAddr(int(w >> waddrShift & 0x7F))
	if err != nil {
		return target.Instr{}, err
	}

	cond, err := decodeCond(int(w >> condShift & 0xF))
	if err != nil {
		return target.Instr{}, err
	}

	srcA, err := decodeAddr(int(w >> srcAShift & 0x7F))
	if err != nil {
		return target.Instr{}, err
	}

	var srcB target.RegOrImm

	if sig&sigSmallImm != 0 {
		v := int32(w >> srcBShift & 0x3F)
		if v >= 32 {
			v -= 64
		}

		srcB = target.ImmSrc(v)
	} else {
		r, err := decodeAddr(int(w >> srcBShift & 0x7F))
		if err != nil {
			return target.Instr{}, err
		}

		srcB = target.RegSrc(r)
	}

	return target.Instr{Op: target.ALU{
		Cond:     cond,
		SetFlags: w&(1<<sfBit) != 0,
		Dest:     dst,
		SrcA:     target.RegSrc(srcA),
		Op:       op,
		SrcB:     srcB,
	}}, nil
}

func decodeLI(w uint64) (target.Instr, error) {
	dst, err := decodeAddr(int(w >> liWaddrShift & 0x7F))
	if err != nil {
		return target.Instr{}, err
	}

	cond, err := decodeCond(int(w >> liCondShift & 0xF))
	if err != nil {
		return target.Instr{}, err
	}

	return target.Instr{Op: target.LI{
		Cond:     cond,
		SetFlags: w&(1<<liSfBit) != 0,
		Dest:     dst,
		Imm:      target.IntImm(int32(uint32(w))),
	}}, nil
}

func decodeBR(w uint64) (target.Instr, error) {
	cond := int(w >> brCondShift & 0xF)

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
		Target: int32(uint32(w)),
	}}, nil
}

func decodeAddr(a int) (target.Reg, error) {
	switch {
	case a < 32:
		return target.Reg{Tag: target.RegA, Id: target.RegId(a)}, nil
	case a >= addrAcc && a < addrAcc+6:
		return target.Reg{Tag: target.Acc, Id: target.RegId(a - addrAcc)}, nil
	case a == addrUniform:
		return target.Uniform, nil
	case a == addrTMUD:
		return target.TMUD, nil
	case a == addrTMUA:
		return target.TMUA, nil
	case a == addrTMU0S:
		return target.TMU0S, nil
	case a >= addrSFU && a < addrSFU+5:
		return target.Reg{Tag: target.Special, Id: target.SpecSFURecip + target.RegId(a-addrSFU)}, nil
	case a == addrNone:
		return target.None, nil
	default:
		return target.None, errors.New("register address %#x", a)
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

func opFromCode(code int) (target.ALUOp, error) {
	switch code {
	case opFAdd:
		return target.FAdd, nil
	case opFSub:
		return target.FSub, nil
	case opFMul:
		return target.FMul, nil
	case opFMin:
		return target.FMin, nil
	case opFMax:
		return target.FMax, nil
	case opAdd:
		return target.Add, nil
	case opSub:
		return target.Sub, nil
	case opMul:
		return target.Mul, nil
	case opMin:
		return target.Min, nil
	case opMax:
		return target.Max, nil
	case opShl:
		return target.Shl, nil
	case opAsr:
		return target.Shr, nil
	case opShr:
		return target.UShr, nil
	case opRor:
		return target.Ror, nil
	case opAnd:
		return target.BAnd, nil
	case opOr:
		return target.BOr, nil
	case opXor:
		return target.BXor, nil
	case opNot:
		return target.BNot, nil
	case opItoF:
		return target.ItoF, nil
	case opFtoI:
		return target.FtoI, nil
	case opRot:
		return target.Rotate, nil
	case opTidx:
		return target.Tidx, nil
	case opEidx:
		return target.Eidx, nil
	default:
		return 0, errors.New("op %#x", code)
	}
}
