package target

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCFGStraightLine(t *testing.T) {
	l := &List{}

	l.Append(LoadImm(Tmp(0), IntImm(1)))
	l.Append(LoadImm(Tmp(1), IntImm(2)))
	l.Append(Instr{Op: End{}})

	g := BuildCFG(l)

	assert.True(t, g.Succ[0].IsSet(1))
	assert.Equal(t, 1, g.Succ[0].Size())
	assert.True(t, g.Succ[1].IsSet(2))
	assert.Equal(t, 0, g.Succ[2].Size())
}

func TestCFGConditionalBranch(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(BranchIf(AnyCond(FlagNS), L)) // 0
	l.Append(Instr{Op: NoOp{}})            // 1
	l.Append(Mark(L))                      // 2
	l.Append(Instr{Op: End{}})             // 3

	g := BuildCFG(l)

	assert.True(t, g.Succ[0].IsSet(1), "fallthrough")
	assert.True(t, g.Succ[0].IsSet(2), "branch target")
	assert.Equal(t, 2, g.Succ[0].Size())
}

func TestCFGUnconditionalBranch(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(Branch(L))        // 0
	l.Append(Instr{Op: NoOp{}}) // 1 unreachable
	l.Append(Mark(L))           // 2
	l.Append(Instr{Op: End{}})  // 3

	g := BuildCFG(l)

	assert.False(t, g.Succ[0].IsSet(1))
	assert.True(t, g.Succ[0].IsSet(2))
	assert.Equal(t, 1, g.Succ[0].Size())
}

func TestCFGLinkedBranchInverse(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(Branch(L))
	l.Append(Instr{Op: NoOp{}})
	l.Append(Instr{Op: NoOp{}})
	l.Append(Mark(L))
	l.Append(Instr{Op: End{}})

	linked, err := Link(l)
	require.NoError(t, err)

	g := BuildCFG(linked)

	// the linked branch must lead to the same instruction the label marked
	assert.True(t, g.Succ[0].IsSet(3))
	assert.Equal(t, 1, g.Succ[0].Size())
}

// v1 = 1; v2 = 2; v3 = v1 + v2; use v3.
func TestLivenessStraightLine(t *testing.T) {
	ctx := context.Background()

	l := &List{}

	l.Append(LoadImm(Tmp(0), IntImm(1)))
	l.Append(LoadImm(Tmp(1), IntImm(2)))
	l.Append(ALU2(Tmp(2), RegSrc(Tmp(0)), Add, RegSrc(Tmp(1))))
	l.Append(Instr{Op: ALU{SetFlags: true, Dest: None, SrcA: RegSrc(Tmp(2)), Op: BOr, SrcB: RegSrc(Tmp(2))}})
	l.Append(Instr{Op: End{}})

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)

	assert.Equal(t, 0, lv.LiveIn[0].Size())

	assert.True(t, lv.LiveIn[1].IsSet(0))
	assert.Equal(t, 1, lv.LiveIn[1].Size())

	assert.True(t, lv.LiveIn[2].IsSet(0))
	assert.True(t, lv.LiveIn[2].IsSet(1))
	assert.Equal(t, 2, lv.LiveIn[2].Size())

	assert.True(t, lv.LiveIn[3].IsSet(2))
	assert.Equal(t, 1, lv.LiveIn[3].Size())

	assert.Equal(t, 0, lv.LiveIn[4].Size())
}

// A loop keeps its counter live around the back edge.
func TestLivenessLoop(t *testing.T) {
	ctx := context.Background()

	const L = Label(0)

	l := &List{}

	l.Append(LoadImm(Tmp(0), IntImm(10)))                                                             // 0
	l.Append(Mark(L))                                                                                 // 1
	l.Append(Instr{Op: ALU{SetFlags: true, Dest: Tmp(0), SrcA: RegSrc(Tmp(0)), Op: Sub, SrcB: ImmSrc(1)}}) // 2
	l.Append(BranchIf(AnyCond(FlagNC), L))                                                            // 3
	l.Append(Instr{Op: End{}})                                                                        // 4

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)

	for i := 1; i <= 3; i++ {
		assert.True(t, lv.LiveIn[i].IsSet(0), "instruction %d", i)
	}
}

// A predicated write reads its destination: untouched lanes survive.
func TestLivenessPredicatedWrite(t *testing.T) {
	ctx := context.Background()

	l := &List{}

	l.Append(LoadImm(Tmp(0), IntImm(0)))                           // 0
	l.Append(Instr{Op: LI{Cond: Cond(FlagNS), Dest: Tmp(0), Imm: IntImm(-1)}}) // 1
	l.Append(Instr{Op: ALU{SetFlags: true, Dest: None, SrcA: RegSrc(Tmp(0)), Op: BOr, SrcB: RegSrc(Tmp(0))}}) // 2
	l.Append(Instr{Op: End{}})

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)

	assert.True(t, lv.LiveIn[1].IsSet(0))
}

func TestInterferenceSymmetric(t *testing.T) {
	ctx := context.Background()

	l := testProgram()

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	n := NumVRegs(l)

	for a := 0; a < n; a++ {
		assert.False(t, ig.Interfere(a, a), "self edge on t%d", a)

		for b := 0; b < n; b++ {
			assert.Equal(t, ig.Interfere(a, b), ig.Interfere(b, a), "t%d vs t%d", a, b)
		}
	}

	assert.True(t, ig.Interfere(0, 1))
}

func TestAllocateDisjoint(t *testing.T) {
	ctx := context.Background()

	l := testProgram()

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	as, err := Allocate(ctx, l, ig, RegA)
	require.NoError(t, err)

	n := NumVRegs(l)

	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			if ig.Interfere(a, b) {
				assert.NotEqual(t, as.Regs[a], as.Regs[b], "t%d and t%d interfere", a, b)
			}
		}
	}
}

func TestAllocateDeterministic(t *testing.T) {
	ctx := context.Background()

	l := testProgram()

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	as1, err := Allocate(ctx, l, ig, RegA, RegB)
	require.NoError(t, err)

	as2, err := Allocate(ctx, l, ig, RegA, RegB)
	require.NoError(t, err)

	assert.Equal(t, as1.Regs, as2.Regs)
}

// Rewritten code has no virtual registers left, so allocating it
// again assigns nothing and changes nothing.
func TestAllocateIdempotent(t *testing.T) {
	ctx := context.Background()

	l := testProgram()

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	as, err := Allocate(ctx, l, ig, RegA, RegB)
	require.NoError(t, err)

	as.Rewrite(l)

	before := append([]Instr{}, l.Instrs...)

	g = BuildCFG(l)
	lv = BuildLiveness(ctx, l, g)
	ig = BuildInterference(ctx, l, g, lv)

	as, err = Allocate(ctx, l, ig, RegA, RegB)
	require.NoError(t, err)

	as.Rewrite(l)

	assert.Equal(t, before, l.Instrs)
}

// 33 simultaneously live registers overflow one file of 32 but fit in two.
func TestAllocatePressure(t *testing.T) {
	ctx := context.Background()

	const n = RegFileSize + 1

	l := &List{}

	for i := 0; i < n; i++ {
		l.Append(LoadImm(Tmp(i), IntImm(int32(i))))
	}

	for i := 0; i < n; i++ {
		l.Append(Instr{Op: ALU{SetFlags: true, Dest: None, SrcA: RegSrc(Tmp(i)), Op: BOr, SrcB: RegSrc(Tmp(i))}})
	}

	l.Append(Instr{Op: End{}})

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	_, err := Allocate(ctx, l, ig, RegA)
	assert.ErrorContains(t, err, "out of registers")

	as, err := Allocate(ctx, l, ig, RegA, RegB)
	require.NoError(t, err)

	overflow := false

	for _, r := range as.Regs {
		if r.Tag == RegB {
			overflow = true
		}
	}

	assert.True(t, overflow, "file B must take the spill-over")
}

func TestRewrite(t *testing.T) {
	ctx := context.Background()

	l := testProgram()

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	as, err := Allocate(ctx, l, ig, RegA)
	require.NoError(t, err)

	as.Rewrite(l)

	for i, x := range l.Instrs {
		u, d := UseDef(x)
		assert.Empty(t, u, "instruction %d", i)
		assert.Empty(t, d, "instruction %d", i)
	}
}

func TestRewriteKeepsUniformPtr(t *testing.T) {
	ctx := context.Background()

	l := &List{}

	dst := Tmp(0)
	dst.UniformPtr = true

	l.Append(Mov(dst, RegSrc(Uniform)))
	l.Append(Instr{Op: ALU{SetFlags: true, Dest: None, SrcA: RegSrc(Tmp(0)), Op: BOr, SrcB: RegSrc(Tmp(0))}})
	l.Append(Instr{Op: End{}})

	g := BuildCFG(l)
	lv := BuildLiveness(ctx, l, g)
	ig := BuildInterference(ctx, l, g, lv)

	as, err := Allocate(ctx, l, ig, RegA)
	require.NoError(t, err)

	as.Rewrite(l)

	op, ok := l.At(0).Op.(ALU)
	require.True(t, ok)
	assert.True(t, op.Dest.UniformPtr)
	assert.Equal(t, RegA, op.Dest.Tag)
}

// testProgram is a small loop with overlapping live ranges.
func testProgram() *List {
	const L = Label(0)

	l := &List{}

	l.Append(LoadImm(Tmp(0), IntImm(1)))
	l.Append(LoadImm(Tmp(1), IntImm(100)))
	l.Append(Mark(L))
	l.Append(ALU2(Tmp(2), RegSrc(Tmp(0)), Add, RegSrc(Tmp(1))))
	l.Append(Instr{Op: ALU{SetFlags: true, Dest: Tmp(1), SrcA: RegSrc(Tmp(1)), Op: Sub, SrcB: ImmSrc(1)}})
	l.Append(BranchIf(AnyCond(FlagNC), L))
	l.Append(Instr{Op: ALU{SetFlags: true, Dest: None, SrcA: RegSrc(Tmp(2)), Op: BOr, SrcB: RegSrc(Tmp(2))}})
	l.Append(Instr{Op: End{}})

	return l
}
