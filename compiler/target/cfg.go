package target

import (
	"github.com/qpulang/qpu/compiler/set"
)

type (
	// CFG holds the successor set of each instruction in a list.
	// Successors are instruction indices in the same list.
	CFG struct {
		Succ []set.Bitmap
	}
)

// BuildCFG computes per-instruction successors in one forward pass.
// An unconditional branch has only its target as successor; a
// conditional branch has the target and the fallthrough; every other
// instruction falls through. The last instruction has no successor.
func BuildCFG(l *List) *CFG {
	labels := map[Label]int{}

	for i, x := range l.Instrs {
		if op, ok := x.Op.(Lab); ok {
			labels[op.Label] = i
		}
	}

	g := &CFG{
		Succ: make([]set.Bitmap, l.Len()),
	}

	for i, x := range l.Instrs {
		g.Succ[i] = set.MakeBitmap(l.Len())

		switch op := x.Op.(type) {
		case BRL:
			t, ok := labels[op.Label]
			if !ok {
				panic(op.Label)
			}

			g.Succ[i].Set(t)

			if op.Cond.Tag != BrAlways {
				g.fallthru(i, l)
			}
		case BR:
			// inverse of the link formula: offset = target - source - delay slots
			g.Succ[i].Set(i + int(op.Target) + BranchDelaySlots)

			if op.Cond.Tag != BrAlways {
				g.fallthru(i, l)
			}
		default:
			g.fallthru(i, l)
		}
	}

	return g
}

func (g *CFG) fallthru(i int, l *List) {
	if i+1 < l.Len() {
		g.Succ[i].Set(i + 1)
	}
}
