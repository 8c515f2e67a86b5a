package qpu

import (
	"context"
	"math"
	"time"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/target"
)

type (
	// Emulator interprets the target listing of a kernel over a flat
	// memory arena. It implements Driver, so host code runs unchanged
	// against it.
	Emulator struct {
		mem  []byte
		next int

		sema [16]int
	}

	// vec is the state of one register across the 16 elements.
	vec [NumLanes]uint32

	// qpuState is the execution state of one processor.
	qpuState struct {
		em  *Emulator
		qpu int

		regA [target.RegFileSize]vec
		regB [target.RegFileSize]vec
		acc  [6]vec

		zero [NumLanes]bool
		neg  [NumLanes]bool

		tape []uint32

		tmuResp  vec
		tmuReady bool
		tmuData  vec

		vpm vec
	}
)

// NumLanes is the vector width of a processor.
const NumLanes = 16

// emuMemBase keeps address zero unmapped so a null pointer faults.
const emuMemBase = 16

// emuMaxSteps bounds one processor run, standing in for the hardware
// watchdog.
const emuMaxSteps = 1 << 22

// NewEmulator makes an emulator with size bytes of shared memory.
func NewEmulator(size int) *Emulator {
	return &Emulator{
		mem:  make([]byte, emuMemBase+size),
		next: emuMemBase,
	}
}

// Alloc reserves size bytes, 16-byte aligned.
func (em *Emulator) Alloc(size int) (uint32, []byte, error) {
	em.next = (em.next + 15) &^ 15

	if em.next+size > len(em.mem) {
		return 0, nil, errors.New("out of emulator memory (%d of %d bytes left, %d requested)", len(em.mem)-em.next, len(em.mem)-emuMemBase, size)
	}

	addr := uint32(em.next)
	mem := em.mem[em.next : em.next+size : em.next+size]
	em.next += size

	return addr, mem, nil
}

// Run interprets the kernel once per uniform tape, processors in
// order. The timeout applies to each processor separately.
func (em *Emulator) Run(ctx context.Context, k *Kernel, uniforms [][]uint32, timeout time.Duration) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "emulate kernel", "platform", k.Platform.Name(), "num_qpus", len(uniforms))
	defer tr.Finish("err", &err)

	if k.TIL == nil {
		return errors.New("kernel has no listing")
	}

	for q, tape := range uniforms {
		ctx := ctx

		if timeout != 0 {
			var cancel func()

			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err = em.runQPU(ctx, k.TIL, q, tape)
		if err != nil {
			return errors.Wrap(err, "qpu %d", q)
		}
	}

	return nil
}

func (em *Emulator) runQPU(ctx context.Context, l *target.List, q int, tape []uint32) error {
	st := &qpuState{
		em:   em,
		qpu:  q,
		tape: tape,
	}

	pc := 0

	for steps := 0; ; steps++ {
		if steps >= emuMaxSteps {
			return errors.New("step limit exceeded at instruction %d", pc)
		}

		if steps&0x3ff == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if pc >= l.Len() {
			return errors.New("fell off the end of the program")
		}

		x := l.At(pc)

		switch op := x.Op.(type) {
		case target.End:
			return nil
		case target.Lab, target.NoOp, target.InitBegin, target.InitEnd:
			pc++
		case target.LI:
			st.li(op)
			pc++
		case target.ALU:
			err := st.alu(op)
			if err != nil {
				return errors.Wrap(err, "instruction %d (%v)", pc, x)
			}

			pc++
		case target.BRL:
			if !st.branchTaken(op.Cond) {
				pc++
				break
			}

			i := l.LabelIndex(op.Label)
			if i < 0 {
				return errors.New("instruction %d (%v): undefined label", pc, x)
			}

			pc = i
		case target.TMU0ToAcc4:
			if !st.tmuReady {
				return errors.New("instruction %d (%v): no load in flight", pc, x)
			}

			st.acc[4] = st.tmuResp
			st.tmuReady = false
			pc++
		case target.Recv:
			if !st.tmuReady {
				return errors.New("instruction %d (%v): no load in flight", pc, x)
			}

			err := st.write(op.Dest, st.tmuResp, target.AlwaysCond, false)
			if err != nil {
				return errors.Wrap(err, "instruction %d (%v)", pc, x)
			}

			st.tmuReady = false
			pc++
		case target.TMUWT, target.DMALoadWait, target.DMAStoreWait, target.VPMStall, target.IRQ:
			// transfers complete synchronously here, waits are free.
			pc++
		case target.SemaInc:
			em.sema[op.Sema]++
			pc++
		case target.SemaDec:
			em.sema[op.Sema]--
			pc++
		default:
			return errors.New("instruction %d (%v): not executable", pc, x)
		}
	}
}

func (st *qpuState) li(op target.LI) {
	w := uint32(op.Imm.Int)
	if op.Imm.IsF {
		w = math.Float32bits(op.Imm.Float)
	}

	var v vec

	for i := range v {
		v[i] = w
	}

	_ = st.write(op.Dest, v, op.Cond, op.SetFlags)
}

func (st *qpuState) alu(op target.ALU) error {
	a, err := st.src(op.SrcA)
	if err != nil {
		return err
	}

	var b vec

	switch {
	case op.SrcB.IsImm:
		for i := range b {
			b[i] = uint32(op.SrcB.Imm.Val)
		}
	case !op.SrcA.IsImm && op.SrcB.Reg == op.SrcA.Reg:
		// one read per instruction, uniform and vpm pops included.
		b = a
	default:
		b, err = st.src(op.SrcB)
		if err != nil {
			return err
		}
	}

	var v vec

	if op.Op == target.Rotate {
		if !op.SrcB.IsImm {
			return errors.New("rotate amount must be a constant")
		}

		n := int(op.SrcB.Imm.Val)

		for i := range v {
			v[(i+n)%NumLanes] = a[i]
		}
	} else {
		for i := range v {
			v[i] = st.aluLane(op.Op, a[i], b[i], i)
		}
	}

	return st.write(op.Dest, v, op.Cond, op.SetFlags)
}

func (st *qpuState) aluLane(op target.ALUOp, a, b uint32, lane int) uint32 {
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	ia, ib := int32(a), int32(b)

	switch op {
	case target.Add:
		return uint32(ia + ib)
	case target.Sub:
		return uint32(ia - ib)
	case target.Mul:
		return uint32(ia * ib)
	case target.Min:
		return uint32(min(ia, ib))
	case target.Max:
		return uint32(max(ia, ib))
	case target.FAdd:
		return math.Float32bits(fa + fb)
	case target.FSub:
		return math.Float32bits(fa - fb)
	case target.FMul:
		return math.Float32bits(fa * fb)
	case target.FMin:
		return math.Float32bits(min(fa, fb))
	case target.FMax:
		return math.Float32bits(max(fa, fb))
	case target.Shl:
		return a << (b & 31)
	case target.Shr:
		return uint32(ia >> (b & 31))
	case target.UShr:
		return a >> (b & 31)
	case target.Ror:
		n := b & 31
		return a>>n | a<<(32-n)
	case target.BAnd:
		return a & b
	case target.BOr:
		return a | b
	case target.BXor:
		return a ^ b
	case target.BNot:
		return ^a
	case target.ItoF:
		return math.Float32bits(float32(ia))
	case target.FtoI:
		return uint32(int32(fa))
	case target.Tidx:
		return uint32(st.qpu << 2)
	case target.Eidx:
		return uint32(lane)
	default:
		panic(op)
	}
}

func (st *qpuState) branchTaken(c target.BranchCond) bool {
	switch c.Tag {
	case target.BrAlways:
		return true
	case target.BrNever:
		return false
	case target.BrAll:
		for i := 0; i < NumLanes; i++ {
			if !st.flag(c.Flag, i) {
				return false
			}
		}

		return true
	case target.BrAny:
		for i := 0; i < NumLanes; i++ {
			if st.flag(c.Flag, i) {
				return true
			}
		}

		return false
	default:
		panic(c)
	}
}

func (st *qpuState) flag(f target.Flag, lane int) bool {
	switch f {
	case target.FlagZS:
		return st.zero[lane]
	case target.FlagZC:
		return !st.zero[lane]
	case target.FlagNS:
		return st.neg[lane]
	case target.FlagNC:
		return !st.neg[lane]
	default:
		panic(f)
	}
}

func (st *qpuState) enabled(c target.AssignCond, lane int) bool {
	switch c.Tag {
	case target.Always:
		return true
	case target.Never:
		return false
	case target.CondFlag:
		return st.flag(c.Flag, lane)
	case target.CondNegFlag:
		return !st.flag(c.Flag, lane)
	default:
		panic(c)
	}
}

func (st *qpuState) src(s target.RegOrImm) (vec, error) {
	var v vec

	if s.IsImm {
		for i := range v {
			v[i] = uint32(s.Imm.Val)
		}

		return v, nil
	}

	r := s.Reg

	switch r.Tag {
	case target.RegA:
		return st.regA[r.Id], nil
	case target.RegB:
		return st.regB[r.Id], nil
	case target.Acc:
		return st.acc[r.Id], nil
	case target.RegNone:
		return v, nil
	case target.Special:
	default:
		return v, errors.New("read of %v", r)
	}

	switch r.Id {
	case target.SpecUniform:
		if len(st.tape) == 0 {
			return v, errors.New("uniform tape exhausted")
		}

		for i := range v {
			v[i] = st.tape[0]
		}

		st.tape = st.tape[1:]

		return v, nil
	case target.SpecElemNum:
		for i := range v {
			v[i] = uint32(i)
		}

		return v, nil
	case target.SpecQPUNum:
		for i := range v {
			v[i] = uint32(st.qpu)
		}

		return v, nil
	case target.SpecVPMRead:
		return st.vpm, nil
	default:
		return v, errors.New("read of %v", r)
	}
}

func (st *qpuState) write(r target.Reg, v vec, c target.AssignCond, sf bool) error {
	switch r.Tag {
	case target.RegNone:
		st.setFlags(v, c, sf)
		return nil
	case target.RegA:
		st.masked(&st.regA[r.Id], v, c)
		st.setFlags(v, c, sf)

		return nil
	case target.RegB:
		st.masked(&st.regB[r.Id], v, c)
		st.setFlags(v, c, sf)

		return nil
	case target.Acc:
		st.masked(&st.acc[r.Id], v, c)
		st.setFlags(v, c, sf)

		return nil
	case target.Special:
	default:
		return errors.New("write to %v", r)
	}

	switch r.Id {
	case target.SpecTMU0S:
		return st.tmuGather(v)
	case target.SpecTMUD:
		st.tmuData = v
		return nil
	case target.SpecTMUA:
		return st.tmuScatter(v)
	case target.SpecSFURecip, target.SpecSFURecipSqrt, target.SpecSFUExp, target.SpecSFULog, target.SpecSFUSin:
		st.sfu(r.Id, v)
		return nil
	case target.SpecRdSetup, target.SpecWrSetup:
		// a single row 0 configuration is modelled, the value is
		// accepted and ignored.
		return nil
	case target.SpecVPMWrite:
		st.vpm = v
		return nil
	case target.SpecDMALoadAddr:
		return st.dmaLoad(v[0])
	case target.SpecDMAStoreAddr:
		return st.dmaStore(v[0])
	case target.SpecHostIRQ:
		return nil
	default:
		return errors.New("write to %v", r)
	}
}

func (st *qpuState) masked(dst *vec, v vec, c target.AssignCond) {
	for i := range v {
		if st.enabled(c, i) {
			dst[i] = v[i]
		}
	}
}

func (st *qpuState) setFlags(v vec, c target.AssignCond, sf bool) {
	if !sf {
		return
	}

	for i := range v {
		if !st.enabled(c, i) {
			continue
		}

		st.zero[i] = v[i] == 0
		st.neg[i] = int32(v[i]) < 0
	}
}

func (st *qpuState) sfu(unit target.RegId, v vec) {
	var r vec

	for i := range v {
		x := math.Float32frombits(v[i])

		var y float32

		switch unit {
		case target.SpecSFURecip:
			y = 1 / x
		case target.SpecSFURecipSqrt:
			y = float32(1 / math.Sqrt(float64(x)))
		case target.SpecSFUExp:
			y = float32(math.Exp2(float64(x)))
		case target.SpecSFULog:
			y = float32(math.Log2(float64(x)))
		case target.SpecSFUSin:
			y = float32(math.Sin(float64(x)))
		default:
			panic(unit)
		}

		r[i] = math.Float32bits(y)
	}

	st.acc[4] = r
}

func (st *qpuState) tmuGather(addr vec) error {
	var v vec

	for i, a := range addr {
		w, err := st.em.load(a)
		if err != nil {
			return errors.Wrap(err, "element %d", i)
		}

		v[i] = w
	}

	st.tmuResp = v
	st.tmuReady = true

	return nil
}

func (st *qpuState) tmuScatter(addr vec) error {
	for i, a := range addr {
		err := st.em.store(a, st.tmuData[i])
		if err != nil {
			return errors.Wrap(err, "element %d", i)
		}
	}

	return nil
}

// dmaLoad fills VPM row 0 with 16 consecutive words starting at base.
func (st *qpuState) dmaLoad(base uint32) error {
	for i := range st.vpm {
		w, err := st.em.load(base + 4*uint32(i))
		if err != nil {
			return errors.Wrap(err, "element %d", i)
		}

		st.vpm[i] = w
	}

	return nil
}

// dmaStore writes VPM row 0 to 16 consecutive words starting at base.
func (st *qpuState) dmaStore(base uint32) error {
	for i, w := range st.vpm {
		err := st.em.store(base+4*uint32(i), w)
		if err != nil {
			return errors.Wrap(err, "element %d", i)
		}
	}

	return nil
}

func (em *Emulator) load(addr uint32) (uint32, error) {
	if addr < emuMemBase || int(addr)+4 > len(em.mem) || addr&3 != 0 {
		return 0, errors.New("load from %#x", addr)
	}

	return uint32(em.mem[addr]) | uint32(em.mem[addr+1])<<8 | uint32(em.mem[addr+2])<<16 | uint32(em.mem[addr+3])<<24, nil
}

func (em *Emulator) store(addr, w uint32) error {
	if addr < emuMemBase || int(addr)+4 > len(em.mem) || addr&3 != 0 {
		return errors.New("store to %#x", addr)
	}

	em.mem[addr] = byte(w)
	em.mem[addr+1] = byte(w >> 8)
	em.mem[addr+2] = byte(w >> 16)
	em.mem[addr+3] = byte(w >> 24)

	return nil
}
