package v3d

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/source"
	"github.com/qpulang/qpu/compiler/target"
)

type (
	// Platform is the VideoCore VI back-end. The processor count is
	// fixed at compile time because the init block depends on it.
	Platform struct {
		NumQPUs int
	}
)

func New(numQPUs int) *Platform {
	return &Platform{NumQPUs: numQPUs}
}

func (p *Platform) Name() string { return "v3d" }

// Stmt claims nothing: the DMA and semaphore statements exist only on
// vc4.
func (p *Platform) Stmt(l *target.List, s source.Stmt) bool {
	return false
}

// DerefVarVar stores data through the TMU write path.
func (p *Platform) DerefVarVar(l *target.List, addr, data target.Reg) {
	x := target.Mov(target.TMUD, target.RegSrc(data))

	l.Append(
		x.WithHeader("store request"),
		target.Mov(target.TMUA, target.RegSrc(addr)),
		target.Instr{Op: target.TMUWT{}},
	)
}

// VarassignDerefVar issues a TMU read. The two nops cover the TMU
// latency before the response is latched into the accumulator; do not
// remove them.
func (p *Platform) VarassignDerefVar(l *target.List, dst, addr target.Reg) {
	x := target.Mov(target.TMU0S, target.RegSrc(addr))

	l.Append(
		x.WithHeader("load request"),
		target.Instr{Op: target.NoOp{}},
		target.Instr{Op: target.NoOp{}},
		target.Instr{Op: target.TMU0ToAcc4{}},
		target.Mov(dst, target.RegSrc(target.ACC4)),
	)
}

// RegAlloc assigns physical registers from file A only. There is no
// second file and no spilling, so high pressure fails the compile.
func (p *Platform) RegAlloc(ctx context.Context, l *target.List) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "v3d regalloc")
	defer tr.Finish("err", &err)

	g := target.BuildCFG(l)
	lv := target.BuildLiveness(ctx, l, g)
	ig := target.BuildInterference(ctx, l, g, lv)

	as, err := target.Allocate(ctx, l, ig, target.RegA)
	if err != nil {
		return errors.Wrap(err, "allocate")
	}

	as.Rewrite(l)

	return nil
}

// AddInit fills the init block. With 8 processors the id comes out of
// the thread index; with one it is zero. Each parameter register
// holding a device address is advanced by 4*(elem + 16*id).
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

	var init []target.Instr

	if p.NumQPUs == 8 {
		x := target.ALU2(target.ACC0, target.RegSrc(target.None), target.Tidx, target.RegSrc(target.None))

		init = append(init,
			x.WithHeader("processor id from thread index"),
			target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.UShr, target.ImmSrc(2)),
			target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.BAnd, target.ImmSrc(15)),
		)
	} else {
		x := target.LoadImm(target.ACC0, target.IntImm(0))
		init = append(init, x.WithHeader("single processor"))
	}

	init = append(init,
		target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.Shl, target.ImmSrc(4)),
		target.ALU2(target.ACC1, target.RegSrc(target.None), target.Eidx, target.RegSrc(target.None)),
		target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.Add, target.RegSrc(target.ACC1)),
		target.ALU2(target.ACC0, target.RegSrc(target.ACC0), target.Shl, target.ImmSrc(2)),
	)

	for _, r := range uniformPtrRegs(l, begin) {
		init = append(init, target.ALU2(r, target.RegSrc(r), target.Add, target.RegSrc(target.ACC0)))
	}

	l.Insert(begin+1, init...)
}

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
