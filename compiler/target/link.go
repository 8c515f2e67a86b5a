package target

import (
	"tlog.app/go/errors"
)

// BranchDelaySlots is the number of instructions issued after a branch
// before it takes effect.
const BranchDelaySlots = 3

// Link resolves symbolic branches. Each BRL becomes a BR whose
// immediate is target − source − delay slots, then label markers are
// dropped and the list reindexed.
func Link(l *List) (*List, error) {
	labels := map[Label]int{}

	// index of each instruction after labels are removed
	shift := make([]int, l.Len())
	removed := 0

	for i, x := range l.Instrs {
		shift[i] = i - removed

		if op, ok := x.Op.(Lab); ok {
			if _, dup := labels[op.Label]; dup {
				return nil, errors.New("label %v defined twice", op.Label)
			}

			labels[op.Label] = i
			removed++
		}
	}

	r := &List{}

	for i, x := range l.Instrs {
		op, ok := x.Op.(BRL)
		if !ok {
			if _, lab := x.Op.(Lab); lab {
				continue
			}

			r.Append(x)
			continue
		}

		t, ok := labels[op.Label]
		if !ok {
			return nil, errors.New("undefined label %v", op.Label)
		}

		// the label marks the instruction after it
		for t < l.Len() {
			if _, lab := l.Instrs[t].Op.(Lab); !lab {
				break
			}

			t++
		}

		target := l.Len() - removed
		if t < l.Len() {
			target = shift[t]
		}

		br := x
		br.Op = BR{
			Cond:   op.Cond,
			Target: int32(target - shift[i] - BranchDelaySlots),
		}

		r.Append(br)
	}

	return r, nil
}
