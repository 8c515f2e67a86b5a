package v3d

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpulang/qpu/compiler/target"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a0 := target.Reg{Tag: target.RegA, Id: 0}
	a1 := target.Reg{Tag: target.RegA, Id: 1}
	a3 := target.Reg{Tag: target.RegA, Id: 3}

	for _, x := range []target.Instr{
		target.LoadImm(a0, target.IntImm(100)),
		target.LoadImm(a1, target.IntImm(-1)),
		{Op: target.LI{Cond: target.Cond(target.FlagNS), Dest: a0, Imm: target.IntImm(-1)}},
		{Op: target.LI{Cond: target.AlwaysCond, SetFlags: true, Dest: target.ACC2, Imm: target.IntImm(0)}},

		target.ALU2(a0, target.RegSrc(a3), target.Add, target.RegSrc(a1)),
		target.ALU2(a1, target.RegSrc(a3), target.Sub, target.ImmSrc(-16)),
		target.ALU2(target.ACC1, target.RegSrc(target.ACC0), target.Shl, target.ImmSrc(4)),
		target.ALU2(a0, target.RegSrc(a0), target.FAdd, target.RegSrc(target.ACC3)),
		target.ALU2(a0, target.RegSrc(target.ACC0), target.Mul, target.RegSrc(target.ACC1)),
		target.ALU2(target.ACC0, target.RegSrc(target.ACC1), target.FMul, target.RegSrc(target.ACC2)),
		target.ALU2(target.ACC0, target.RegSrc(target.None), target.Tidx, target.RegSrc(target.None)),
		target.ALU2(target.ACC0, target.RegSrc(target.None), target.Eidx, target.RegSrc(target.None)),
		target.Mov(a0, target.RegSrc(target.Uniform)),
		target.Mov(target.TMUD, target.RegSrc(a0)),
		target.Mov(target.TMUA, target.RegSrc(a0)),
		target.Mov(target.TMU0S, target.RegSrc(a0)),
		target.Mov(target.SFURecip, target.RegSrc(target.ACC0)),
		target.Mov(target.SFUSin, target.RegSrc(target.ACC0)),
		{Op: target.ALU{Cond: target.AlwaysCond, SetFlags: true, Dest: target.None, SrcA: target.RegSrc(a0), Op: target.BOr, SrcB: target.RegSrc(a0)}},

		{Op: target.BR{Cond: target.BranchAlways, Target: 4}},
		{Op: target.BR{Cond: target.AllCond(target.FlagZS), Target: -4}},
		{Op: target.BR{Cond: target.AnyCond(target.FlagNC), Target: 0}},

		{Op: target.NoOp{}},
		{Op: target.TMUWT{}},
		{Op: target.TMU0ToAcc4{}},
	} {
		w, err := EncodeInstr(x)
		require.NoError(t, err, "encode %v", x)

		y, err := Decode(w)
		require.NoError(t, err, "decode %v (%016x)", x, w)

		assert.Equal(t, x.Op, y.Op, "%v -> %016x -> %v", x, w, y)
	}
}

// A read of the element number has no register address; the encoder
// turns the mov into the eidx operation.
func TestEncodeElemIDMov(t *testing.T) {
	a0 := target.Reg{Tag: target.RegA, Id: 0}

	w, err := EncodeInstr(target.Mov(a0, target.RegSrc(target.ElemID)))
	require.NoError(t, err)

	y, err := Decode(w)
	require.NoError(t, err)

	op, ok := y.Op.(target.ALU)
	require.True(t, ok)
	assert.Equal(t, target.Eidx, op.Op)
	assert.Equal(t, a0, op.Dest)
}

func TestEncodeErrors(t *testing.T) {
	a0 := target.Reg{Tag: target.RegA, Id: 0}

	for _, x := range []target.Instr{
		target.ALU2(target.ACC0, target.RegSrc(a0), target.Add, target.ImmSrc(100)),
		target.Mov(target.ACC4, target.RegSrc(target.ACC0)),
		target.Mov(target.VPMWrite, target.RegSrc(a0)),
		target.Mov(target.DMAStoreAddr, target.RegSrc(a0)),
		target.Mov(a0, target.RegSrc(target.QPUID)),
		target.Mov(a0, target.RegSrc(target.VPMRead)),
		{Op: target.SemaInc{Sema: 0}},
		{Op: target.SemaDec{Sema: 0}},
		{Op: target.IRQ{}},
		{Op: target.DMALoadWait{}},
		{Op: target.DMAStoreWait{}},
		{Op: target.VPMStall{}},
		target.Branch(target.Label(0)),
		target.Mark(target.Label(0)),
	} {
		_, err := EncodeInstr(x)
		assert.Error(t, err, "%v", x)
	}
}

func TestEncodeAppendsEndSignature(t *testing.T) {
	ctx := context.Background()

	l := &target.List{}
	l.Append(target.Instr{Op: target.NoOp{}})
	l.Append(target.Instr{Op: target.End{}})

	code, err := New(1).Encode(ctx, l)
	require.NoError(t, err)

	require.Len(t, code, 1+8)

	// thread switches at the head and one more before the drain
	for i, sw := range map[int]bool{1: true, 2: true, 3: false, 4: false, 5: false, 6: true, 7: false, 8: false} {
		got := code[i]>>sigShift&sigThrSw != 0
		assert.Equal(t, sw, got, "word %d (%016x)", i, code[i])
	}
}

// One register file and no spilling: what overflows on v3d still fits
// on vc4 with its second file.
func TestRegAllocPressure(t *testing.T) {
	ctx := context.Background()

	const n = target.RegFileSize + 1

	l := &target.List{}

	for i := 0; i < n; i++ {
		l.Append(target.LoadImm(target.Tmp(i), target.IntImm(int32(i))))
	}

	for i := 0; i < n; i++ {
		l.Append(target.Instr{Op: target.ALU{SetFlags: true, Dest: target.None, SrcA: target.RegSrc(target.Tmp(i)), Op: target.BOr, SrcB: target.RegSrc(target.Tmp(i))}})
	}

	l.Append(target.Instr{Op: target.End{}})

	err := New(1).RegAlloc(ctx, l)
	assert.ErrorContains(t, err, "out of registers")
}

func TestRegAllocEncodable(t *testing.T) {
	ctx := context.Background()

	l := &target.List{}

	l.Append(target.LoadImm(target.Tmp(0), target.IntImm(1)))
	l.Append(target.LoadImm(target.Tmp(1), target.IntImm(2)))
	l.Append(target.ALU2(target.Tmp(2), target.RegSrc(target.Tmp(0)), target.Add, target.RegSrc(target.Tmp(1))))
	l.Append(target.Instr{Op: target.ALU{SetFlags: true, Dest: target.None, SrcA: target.RegSrc(target.Tmp(2)), Op: target.BOr, SrcB: target.RegSrc(target.Tmp(2))}})
	l.Append(target.Instr{Op: target.End{}})

	err := New(1).RegAlloc(ctx, l)
	require.NoError(t, err)

	for i := 0; i < l.Len(); i++ {
		x := l.At(i)

		if _, ok := x.Op.(target.End); ok {
			continue
		}

		_, err := EncodeInstr(x)
		assert.NoError(t, err, "instruction %d (%v)", i, x)
	}
}
