package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkForwardBranch(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(Branch(L))

	for i := 0; i < 6; i++ {
		l.Append(Instr{Op: NoOp{}})
	}

	l.Append(Mark(L))
	l.Append(Instr{Op: NoOp{}})

	r, err := Link(l)
	require.NoError(t, err)

	assert.Equal(t, l.Len()-1, r.Len())

	op, ok := r.At(0).Op.(BR)
	require.True(t, ok)

	// the target lands 7 instructions down, minus the delay slots
	assert.Equal(t, int32(7-BranchDelaySlots), op.Target)
}

func TestLinkBackwardBranch(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(Mark(L))
	l.Append(Instr{Op: NoOp{}})
	l.Append(Branch(L))

	r, err := Link(l)
	require.NoError(t, err)

	op, ok := r.At(1).Op.(BR)
	require.True(t, ok)

	assert.Equal(t, int32(0-1-BranchDelaySlots), op.Target)
}

func TestLinkLabelAtEnd(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(Instr{Op: NoOp{}})
	l.Append(Branch(L))
	l.Append(Mark(L))

	r, err := Link(l)
	require.NoError(t, err)

	op, ok := r.At(1).Op.(BR)
	require.True(t, ok)

	assert.Equal(t, int32(2-1-BranchDelaySlots), op.Target)
}

func TestLinkDuplicateLabel(t *testing.T) {
	const L = Label(3)

	l := &List{}

	l.Append(Mark(L))
	l.Append(Instr{Op: NoOp{}})
	l.Append(Mark(L))

	_, err := Link(l)
	assert.ErrorContains(t, err, "defined twice")
}

func TestLinkUndefinedLabel(t *testing.T) {
	l := &List{}

	l.Append(Branch(Label(7)))

	_, err := Link(l)
	assert.ErrorContains(t, err, "undefined label")
}

func TestLinkKeepsNonBranches(t *testing.T) {
	const L = Label(0)

	l := &List{}

	l.Append(LoadImm(Tmp(0), IntImm(5)))
	l.Append(Mark(L))
	l.Append(ALU2(Tmp(1), RegSrc(Tmp(0)), Add, ImmSrc(1)))
	l.Append(BranchIf(AnyCond(FlagNS), L))
	l.Append(Instr{Op: End{}})

	r, err := Link(l)
	require.NoError(t, err)

	require.Equal(t, 4, r.Len())

	_, ok := r.At(0).Op.(LI)
	assert.True(t, ok)

	_, ok = r.At(1).Op.(ALU)
	assert.True(t, ok)

	op, ok := r.At(2).Op.(BR)
	require.True(t, ok)
	assert.Equal(t, AnyCond(FlagNS), op.Cond)
	assert.Equal(t, int32(1-2-BranchDelaySlots), op.Target)

	_, ok = r.At(3).Op.(End)
	assert.True(t, ok)
}
