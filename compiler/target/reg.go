package target

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

type (
	// RegTag selects the register class. TmpA and TmpB are virtual
	// classes replaced by RegA/RegB during register allocation.
	RegTag int

	// RegId indexes a register within its file.
	RegId int

	Reg struct {
		Tag RegTag
		Id  RegId

		// UniformPtr marks uniform loads whose value is a device
		// address. The init block adds the per-QPU offset to these.
		UniformPtr bool
	}
)

const (
	RegNone RegTag = iota
	TmpA
	TmpB
	RegA
	RegB
	Acc
	Special
)

// Ids of special registers. Both platforms use the same roster; a
// back-end maps each one to its hardware address during encoding.
const (
	SpecUniform RegId = iota
	SpecElemNum
	SpecQPUNum
	SpecRdSetup
	SpecWrSetup
	SpecDMALoadAddr
	SpecDMAStoreAddr
	SpecDMALoadWait
	SpecDMAStoreWait
	SpecVPMRead
	SpecVPMWrite
	SpecHostIRQ
	SpecTMU0S
	SpecSFURecip
	SpecSFURecipSqrt
	SpecSFUExp
	SpecSFULog
	SpecSFUSin
	SpecTMUD
	SpecTMUA
)

// RegFileSize is the number of allocatable registers in one file.
const RegFileSize = 32

var (
	None = Reg{Tag: RegNone}

	ACC0 = Reg{Tag: Acc, Id: 0}
	ACC1 = Reg{Tag: Acc, Id: 1}
	ACC2 = Reg{Tag: Acc, Id: 2}
	ACC3 = Reg{Tag: Acc, Id: 3}
	ACC4 = Reg{Tag: Acc, Id: 4}

	Uniform = Reg{Tag: Special, Id: SpecUniform}
	ElemID  = Reg{Tag: Special, Id: SpecElemNum}
	QPUID   = Reg{Tag: Special, Id: SpecQPUNum}

	RdSetup      = Reg{Tag: Special, Id: SpecRdSetup}
	WrSetup      = Reg{Tag: Special, Id: SpecWrSetup}
	DMALoadAddr  = Reg{Tag: Special, Id: SpecDMALoadAddr}
	DMAStoreAddr = Reg{Tag: Special, Id: SpecDMAStoreAddr}
	DMALoadWaitReg  = Reg{Tag: Special, Id: SpecDMALoadWait}
	DMAStoreWaitReg = Reg{Tag: Special, Id: SpecDMAStoreWait}
	VPMRead      = Reg{Tag: Special, Id: SpecVPMRead}
	VPMWrite     = Reg{Tag: Special, Id: SpecVPMWrite}
	HostIRQ      = Reg{Tag: Special, Id: SpecHostIRQ}

	TMU0S = Reg{Tag: Special, Id: SpecTMU0S}

	SFURecip     = Reg{Tag: Special, Id: SpecSFURecip}
	SFURecipSqrt = Reg{Tag: Special, Id: SpecSFURecipSqrt}
	SFUExp       = Reg{Tag: Special, Id: SpecSFUExp}
	SFULog       = Reg{Tag: Special, Id: SpecSFULog}

	// v3d only, no vc4 SFU sin unit.
	SFUSin = Reg{Tag: Special, Id: SpecSFUSin}

	// v3d synonyms for the TMU write path.
	TMUD = Reg{Tag: Special, Id: SpecTMUD}
	TMUA = Reg{Tag: Special, Id: SpecTMUA}
)

// Tmp makes a virtual file-A register for variable id.
func Tmp(id int) Reg {
	return Reg{Tag: TmpA, Id: RegId(id)}
}

func (r Reg) IsTmp() bool {
	return r.Tag == TmpA || r.Tag == TmpB
}

func (t RegTag) String() string {
	switch t {
	case RegNone:
		return "_"
	case TmpA:
		return "t"
	case TmpB:
		return "u"
	case RegA:
		return "A"
	case RegB:
		return "B"
	case Acc:
		return "r"
	case Special:
		return "S"
	default:
		return fmt.Sprintf("RegTag(%d)", int(t))
	}
}

func (r Reg) String() string {
	if r.Tag == Special {
		return specName(r.Id)
	}

	return fmt.Sprintf("%v%d", r.Tag, r.Id)
}

func specName(id RegId) string {
	switch id {
	case SpecUniform:
		return "UNIFORM"
	case SpecElemNum:
		return "ELEM_ID"
	case SpecQPUNum:
		return "QPU_ID"
	case SpecRdSetup:
		return "RD_SETUP"
	case SpecWrSetup:
		return "WR_SETUP"
	case SpecDMALoadAddr:
		return "DMA_LD_ADDR"
	case SpecDMAStoreAddr:
		return "DMA_ST_ADDR"
	case SpecDMALoadWait:
		return "DMA_LD_WAIT"
	case SpecDMAStoreWait:
		return "DMA_ST_WAIT"
	case SpecVPMRead:
		return "VPM_READ"
	case SpecVPMWrite:
		return "VPM_WRITE"
	case SpecHostIRQ:
		return "HOST_IRQ"
	case SpecTMU0S:
		return "TMU0_S"
	case SpecSFURecip:
		return "SFU_RECIP"
	case SpecSFURecipSqrt:
		return "SFU_RECIPSQRT"
	case SpecSFUExp:
		return "SFU_EXP"
	case SpecSFULog:
		return "SFU_LOG"
	case SpecSFUSin:
		return "SFU_SIN"
	case SpecTMUD:
		return "TMUD"
	case SpecTMUA:
		return "TMUA"
	default:
		return fmt.Sprintf("SPECIAL(%d)", int(id))
	}
}

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, r.String())
}
