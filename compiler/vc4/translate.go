package vc4

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/source"
	"github.com/qpulang/qpu/compiler/target"
)

type (
	// Platform is the VideoCore IV back-end.
	Platform struct{}
)

// VPM and DMA setup words. Row 0 of the VPM is used by every
// processor; the wait instructions serialise access.
const (
	// 16-wide horizontal 32-bit block at row 0, stride 1.
	vpmSetupWrite = 1<<12 | 1<<11 | 2<<8
	vpmSetupRead  = 1<<20 | 1<<12 | 1<<11 | 2<<8

)

// one row of 16 words between VPM row 0 and memory.
var (
	dmaSetupStoreU uint32 = 2<<30 | 1<<23 | 16<<16 | 1<<14
	dmaSetupLoadU  uint32 = 1<<31 | 1<<28 | 16<<20 | 1<<16 | 1<<12

	dmaSetupStore = int32(dmaSetupStoreU)
	dmaSetupLoad  = int32(dmaSetupLoadU)
)

func New() *Platform {
	return &Platform{}
}

func (p *Platform) Name() string { return "vc4" }

// Stmt claims the DMA, semaphore and interrupt statements.
func (p *Platform) Stmt(l *target.List, s source.Stmt) bool {
	switch op := s.Op.(type) {
	case source.SemaIncStmt:
		l.Append(target.Instr{Op: target.SemaInc{Sema: op.Sema}})
	case source.SemaDecStmt:
		l.Append(target.Instr{Op: target.SemaDec{Sema: op.Sema}})
	case source.HostIRQStmt:
		l.Append(target.Instr{Op: target.IRQ{}})
	case source.DMALoadWaitStmt:
		l.Append(target.Instr{Op: target.DMALoadWait{}})
	case source.DMAStoreWaitStmt:
		l.Append(target.Instr{Op: target.DMAStoreWait{}})
	default:
		return false
	}

	return true
}

// DerefVarVar stores data through the VPM: write the vector into row
// 0, then start a DMA transfer to the addresses in addr.
func (p *Platform) DerefVarVar(l *target.List, addr, data target.Reg) {
	x := target.LoadImm(target.WrSetup, target.IntImm(vpmSetupWrite))

	l.Append(
		x.WithHeader("store request"),
		target.Mov(target.VPMWrite, target.RegSrc(data)),
		target.LoadImm(target.WrSetup, target.IntImm(dmaSetupStore)),
		target.Mov(target.DMAStoreAddr, target.RegSrc(addr)),
		target.Instr{Op: target.DMAStoreWait{}},
	)
}

// VarassignDerefVar loads through the VPM: DMA the memory at addr
// into row 0, then read the vector back.
func (p *Platform) VarassignDerefVar(l *target.List, dst, addr target.Reg) {
	x := target.LoadImm(target.RdSetup, target.IntImm(dmaSetupLoad))

	l.Append(
		x.WithHeader("load request"),
		target.Mov(target.DMALoadAddr, target.RegSrc(addr)),
		target.Instr{Op: target.DMALoadWait{}},
		target.LoadImm(target.RdSetup, target.IntImm(vpmSetupRead)),
		target.Mov(dst, target.RegSrc(target.VPMRead)),
	)
}

// RegAlloc assigns physical registers, trying file A then file B, and
// resolves register file conflicts afterwards.
func (p *Platform) RegAlloc(ctx context.Context, l *target.List) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "vc4 regalloc")
	defer tr.Finish("err", &err)

	g := target.BuildCFG(l)
	lv := target.BuildLiveness(ctx, l, g)
	ig := target.BuildInterference(ctx, l, g, lv)

	as, err := target.Allocate(ctx, l, ig, target.RegA, target.RegB)
	if err != nil {
		return errors.Wrap(err, "allocate")
	}

	as.Rewrite(l)

	p.peephole(l)

	return nil
}

// peephole fixes ALU instructions reading two different registers of
// the same file, which the hardware cannot issue. The second operand
// goes through an accumulator.
func (p *Platform) peephole(l *target.List) {
	for i := 0; i < l.Len(); i++ {
		op, ok := l.At(i).Op.(target.ALU)
		if !ok {
			continue
		}

		if op.SrcA.IsImm || op.SrcB.IsImm {
			continue
		}

		a, b := op.SrcA.Reg, op.SrcB.Reg

		if a.Tag != b.Tag || a.Tag != target.RegA && a.Tag != target.RegB || a.Id == b.Id {
			continue
		}

		l.Insert(i, target.Mov(target.ACC0, op.SrcB))

		x := l.At(i + 1)
		op.SrcB = target.RegSrc(target.ACC0)
		x.Op = op
		l.Replace(i+1, x)

		i++
	}
}

// AddInit fills the init block: each parameter register holding a
// device address is advanced by 4*(elem + 16*qpu) so every lane of
// every processor works on its own element.
func (p *Platform) AddInit(l *target.List) {
	begin := -1

	for i := 0; i < l.Len(); i++ {
		if _, ok := l.At(i).Op.(target.InitBegin); ok {
			begin = i
			break
		}
	}

	if begin < 0 {
		panic("no init block")
	}

	x := target.ALU2(target.ACC0, target.RegSrc(target.QPUID), target.Shl, target.ImmSrc(4))

	init := []target.Instr{
		x.WithHeader("per-processor element offset"),
		target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.Add, target.RegSrc(target.ElemID)),
		target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.Shl, target.ImmSrc(2)),
	}

	for _, r := range uniformPtrRegs(l, begin) {
		init = append(init, target.ALU2(r, target.RegSrc(r), target.Add, target.RegSrc(target.ACC0)))
	}

	l.Insert(begin+1, init...)
}

// uniformPtrRegs collects the registers loaded from the uniform tape
// before the init block that hold device addresses.
func uniformPtrRegs(l *target.List, begin int) []target.Reg {
	var regs []target.Reg

	for i := 0; i < begin; i++ {
		op, ok := l.At(i).Op.(target.ALU)
		if !ok || !op.Dest.UniformPtr {
			continue
		}

		regs = append(regs, op.Dest)
	}

	return regs
}
