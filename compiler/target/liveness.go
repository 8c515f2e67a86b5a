package target

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/set"
)

type (
	// Liveness holds the live-in set of each instruction, indexed by
	// virtual register id.
	Liveness struct {
		LiveIn []set.Bitmap
	}
)

// UseDef returns the virtual registers read and written by x.
// Physical registers, immediates and specials do not participate.
func UseDef(x Instr) (use, def []Reg) {
	addUse := func(s RegOrImm) {
		if !s.IsImm && s.Reg.IsTmp() {
			use = append(use, s.Reg)
		}
	}
	addDef := func(r Reg) {
		if r.IsTmp() {
			def = append(def, r)
		}
	}

	switch op := x.Op.(type) {
	case LI:
		addDef(op.Dest)

		// a predicated write leaves unwritten lanes intact
		if op.Cond.Tag != Always && op.Dest.IsTmp() {
			use = append(use, op.Dest)
		}
	case ALU:
		addUse(op.SrcA)
		addUse(op.SrcB)
		addDef(op.Dest)

		if op.Cond.Tag != Always && op.Dest.IsTmp() {
			use = append(use, op.Dest)
		}
	case Recv:
		addDef(op.Dest)
	}

	return use, def
}

// BuildLiveness solves backward dataflow over g to a fixed point.
// live-in(i) = use(i) ∪ (live-out(i) \ def(i)),
// live-out(i) = ∪ live-in(succ). The worklist pops the highest
// instruction index first so information flows backward quickly.
func BuildLiveness(ctx context.Context, l *List, g *CFG) *Liveness {
	tr := tlog.SpanFromContext(ctx)

	lv := &Liveness{
		LiveIn: make([]set.Bitmap, l.Len()),
	}

	use := make([]set.Bitmap, l.Len())
	def := make([]set.Bitmap, l.Len())

	for i, x := range l.Instrs {
		lv.LiveIn[i] = set.MakeBitmap(0)
		use[i] = set.MakeBitmap(0)
		def[i] = set.MakeBitmap(0)

		u, d := UseDef(x)

		for _, r := range u {
			use[i].Set(int(r.Id))
		}
		for _, r := range d {
			def[i].Set(int(r.Id))
		}
	}

	var work heap.Heap[int]
	work.Less = func(h []int, i, j int) bool { return h[i] > h[j] }

	inWork := set.MakeBitmap(l.Len())

	for i := l.Len() - 1; i >= 0; i-- {
		work.Push(i)
		inWork.Set(i)
	}

	pred := predecessors(l, g)

	for work.Len() != 0 {
		i := work.Pop()
		inWork.Clear(i)

		out := set.MakeBitmap(0)

		g.Succ[i].Range(func(s int) bool {
			out.Or(lv.LiveIn[s])
			return true
		})

		in := out.AndNotCopy(def[i])
		in.Or(use[i])

		if in.Equal(lv.LiveIn[i]) {
			continue
		}

		lv.LiveIn[i] = in

		pred[i].Range(func(p int) bool {
			if !inWork.IsSet(p) {
				work.Push(p)
				inWork.Set(p)
			}

			return true
		})
	}

	if tr.If("dump_liveness") {
		for i := range l.Instrs {
			tr.Printw("live in", "i", i, "instr", l.Instrs[i], "regs", lv.LiveIn[i])
		}
	}

	return lv
}

// LiveOut computes the live-out set of instruction i from its
// successors' live-in sets.
func (lv *Liveness) LiveOut(g *CFG, i int) set.Bitmap {
	out := set.MakeBitmap(0)

	g.Succ[i].Range(func(s int) bool {
		out.Or(lv.LiveIn[s])
		return true
	})

	return out
}

func predecessors(l *List, g *CFG) []set.Bitmap {
	pred := make([]set.Bitmap, l.Len())

	for i := range pred {
		pred[i] = set.MakeBitmap(l.Len())
	}

	for i := range g.Succ {
		g.Succ[i].Range(func(s int) bool {
			pred[s].Set(i)
			return true
		})
	}

	return pred
}
