package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpulang/qpu/compiler/target"
)

type (
	// testPlatform lowers memory access through the TMU and claims no
	// platform statements.
	testPlatform struct{}
)

func (testPlatform) Stmt(l *target.List, s Stmt) bool { return false }

func (testPlatform) DerefVarVar(l *target.List, addr, data target.Reg) {
	l.Append(
		target.Mov(target.TMUD, target.RegSrc(data)),
		target.Mov(target.TMUA, target.RegSrc(addr)),
	)
}

func (testPlatform) VarassignDerefVar(l *target.List, dst, addr target.Reg) {
	l.Append(
		target.Mov(target.TMU0S, target.RegSrc(addr)),
		target.Instr{Op: target.TMU0ToAcc4{}},
		target.Mov(dst, target.RegSrc(target.ACC4)),
	)
}

func lower(t *testing.T, kf func(b *Builder)) (*target.List, error) {
	t.Helper()

	b := NewBuilder()
	kf(b)

	return Lower(context.Background(), b, testPlatform{})
}

func TestLowerSmoke(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		x := b.IntPtr()
		y := b.IntPtr()

		v := b.Int(0)
		v.Set(x.Deref())
		y.Store(v.Mul(v))
	})
	require.NoError(t, err)

	t.Logf("lowered:\n%s", l.Dump())

	_, ok := l.At(l.Len() - 1).Op.(target.End)
	assert.True(t, ok, "listing must end with end")
}

func TestLowerPrologue(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		p := b.IntPtr()
		n := b.UniformInt()

		v := b.Int(0)
		v.Set(n)
		p.Store(v)
	})
	require.NoError(t, err)

	// one uniform read per parameter, pointer params flagged
	op, ok := l.At(0).Op.(target.ALU)
	require.True(t, ok)
	assert.Equal(t, target.Uniform, op.SrcA.Reg)
	assert.True(t, op.Dest.UniformPtr)

	op, ok = l.At(1).Op.(target.ALU)
	require.True(t, ok)
	assert.Equal(t, target.Uniform, op.SrcA.Reg)
	assert.False(t, op.Dest.UniformPtr)

	_, ok = l.At(2).Op.(target.InitBegin)
	assert.True(t, ok)

	_, ok = l.At(3).Op.(target.InitEnd)
	assert.True(t, ok)
}

func TestLowerWhereMasksAssign(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		v := b.Int(0)

		b.Where(v.Lt(b.I(10)), func() {
			v.Set(v.Add(b.I(1)))
		})
	})
	require.NoError(t, err)

	cond := 0

	for _, x := range l.Instrs {
		op, ok := x.Op.(target.ALU)
		if ok && op.Cond == target.Cond(target.FlagNS) {
			cond++
		}
	}

	assert.Equal(t, 1, cond, "one predicated write per masked assign:\n%s", l.Dump())
}

func TestLowerWhereElse(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		v := b.Int(0)

		b.WhereElse(v.Lt(b.I(10)), func() {
			v.Set(b.I(1))
		}, func() {
			v.Set(b.I(2))
		})
	})
	require.NoError(t, err)

	not := 0

	for _, x := range l.Instrs {
		op, ok := x.Op.(target.ALU)
		if ok && op.Op == target.BNot {
			not++
		}
	}

	assert.Equal(t, 1, not, "else branch negates the mask once:\n%s", l.Dump())
}

func TestLowerWhereStore(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		p := b.IntPtr()

		b.Where(b.Index().Lt(b.I(8)), func() {
			p.Store(b.Index())
		})
	})
	require.NoError(t, err)

	loads := 0
	stores := 0
	cond := 0

	for _, x := range l.Instrs {
		op, ok := x.Op.(target.ALU)
		if !ok {
			continue
		}

		switch {
		case op.Dest == target.TMU0S:
			loads++
			assert.Zero(t, stores, "the row is read back before it goes out:\n%s", l.Dump())
		case op.Dest == target.TMUA:
			stores++
		case op.Cond == target.Cond(target.FlagNS):
			cond++
		}
	}

	assert.Equal(t, 1, loads, "masked store reads the row back:\n%s", l.Dump())
	assert.Equal(t, 1, stores)
	assert.Equal(t, 1, cond, "one predicated merge")
}

func TestLowerIfInsideWhere(t *testing.T) {
	_, err := lower(t, func(b *Builder) {
		v := b.Int(0)

		b.Where(v.Lt(b.I(10)), func() {
			b.If(b.Any(v.Eq(b.I(0))), func() {
				v.Set(b.I(1))
			})
		})
	})
	assert.ErrorContains(t, err, "If inside Where")
}

func TestLowerWhileInsideWhere(t *testing.T) {
	_, err := lower(t, func(b *Builder) {
		v := b.Int(0)

		b.Where(v.Lt(b.I(10)), func() {
			b.While(b.Any(v.Eq(b.I(0))), func() {
				v.Set(b.I(1))
			})
		})
	})
	assert.ErrorContains(t, err, "While inside Where")
}

func TestLowerWhileShape(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		v := b.Int(10)

		b.While(b.Any(v.Gt(b.I(0))), func() {
			v.Set(v.Sub(b.I(1)))
		})
	})
	require.NoError(t, err)

	branches := 0
	labels := 0

	for _, x := range l.Instrs {
		switch x.Op.(type) {
		case target.BRL:
			branches++
		case target.Lab:
			labels++
		}
	}

	assert.Equal(t, 2, branches, "loop exit and back edge:\n%s", l.Dump())
	assert.Equal(t, 2, labels)
}

func TestLowerSmallImmFolding(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		v := b.Int(0)
		v.Set(v.Add(b.I(7)))
	})
	require.NoError(t, err)

	folded := false

	for _, x := range l.Instrs {
		op, ok := x.Op.(target.ALU)
		if ok && op.Op == target.Add && op.SrcB.IsImm && op.SrcB.Imm.Val == 7 {
			folded = true
		}
	}

	assert.True(t, folded, "small literal must fold into the source slot:\n%s", l.Dump())
}

func TestLowerSFU(t *testing.T) {
	l, err := lower(t, func(b *Builder) {
		p := b.FloatPtr()

		v := b.Float(2)
		v.Set(v.Recip())
		p.Store(v)
	})
	require.NoError(t, err)

	unit := false

	for i, x := range l.Instrs {
		op, ok := x.Op.(target.ALU)
		if !ok || op.Dest != target.SFURecip {
			continue
		}

		unit = true

		_, nop1 := l.At(i + 1).Op.(target.NoOp)
		_, nop2 := l.At(i + 2).Op.(target.NoOp)
		assert.True(t, nop1 && nop2, "two delay slots after the unit write")

		res, ok := l.At(i + 3).Op.(target.ALU)
		require.True(t, ok)
		assert.Equal(t, target.ACC4, res.SrcA.Reg)
	}

	assert.True(t, unit, "recip writes the function unit:\n%s", l.Dump())
}

func TestLowerCmpFlags(t *testing.T) {
	for _, tc := range []struct {
		name string
		cmp  func(x, y Int) Bool
		flag target.Flag
		swap bool
	}{
		{"eq", Int.Eq, target.FlagZS, false},
		{"ne", Int.Ne, target.FlagZC, false},
		{"lt", Int.Lt, target.FlagNS, false},
		{"ge", Int.Ge, target.FlagNC, false},
		{"gt", Int.Gt, target.FlagNS, true},
		{"le", Int.Le, target.FlagNC, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l, err := lower(t, func(b *Builder) {
				x := b.Int(1)
				y := b.Int(2)

				b.Where(tc.cmp(x, y), func() {
					x.Set(b.I(0))
				})
			})
			require.NoError(t, err)

			found := false

			for _, ins := range l.Instrs {
				op, ok := ins.Op.(target.LI)
				if ok && op.Cond == target.Cond(tc.flag) {
					found = true
				}
			}

			assert.True(t, found, "mask set under %v:\n%s", tc.flag, l.Dump())
		})
	}
}

func TestLowerTypeErrors(t *testing.T) {
	_, err := lower(t, func(b *Builder) {
		x := b.I(1)
		x.Set(b.I(2))
	})
	assert.ErrorContains(t, err, "non-variable")
}

func TestLowerHiddenUniforms(t *testing.T) {
	b := NewBuilder()

	p := b.IntPtr()
	p.Store(b.Me().Add(b.NumQPUs()))

	_ = b.Me() // declared once

	require.Len(t, b.Params, 3)
	assert.Equal(t, ParamUser, b.Params[0].Kind)
	assert.Equal(t, ParamMe, b.Params[1].Kind)
	assert.Equal(t, ParamNumQPUs, b.Params[2].Kind)

	_, err := Lower(context.Background(), b, testPlatform{})
	require.NoError(t, err)
}

func TestLowerVarLimit(t *testing.T) {
	b := NewBuilder()

	for i := 0; i < MaxVRegs+1; i++ {
		b.Int(0)
	}

	err := b.Err()
	assert.ErrorContains(t, err, "out of kernel variables")
}
