package target

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/set"
)

type (
	// Interference is an undirected graph over virtual register ids.
	Interference struct {
		Edges []set.Bitmap
	}

	// Assignment maps each virtual register id to a physical register.
	Assignment struct {
		Regs []Reg
	}
)

// NumVRegs returns one past the highest virtual register id used in l.
func NumVRegs(l *List) int {
	n := 0

	for _, x := range l.Instrs {
		u, d := UseDef(x)

		for _, r := range append(u, d...) {
			if int(r.Id)+1 > n {
				n = int(r.Id) + 1
			}
		}
	}

	return n
}

// BuildInterference connects every pair of registers live out of the
// same instruction, and each defined register to everything live out
// of its definition. Insertion is symmetric and idempotent.
func BuildInterference(ctx context.Context, l *List, g *CFG, lv *Liveness) *Interference {
	tr := tlog.SpanFromContext(ctx)

	n := NumVRegs(l)

	ig := &Interference{
		Edges: make([]set.Bitmap, n),
	}

	for i := range ig.Edges {
		ig.Edges[i] = set.MakeBitmap(n)
	}

	for i, x := range l.Instrs {
		out := lv.LiveOut(g, i)

		var live []int

		out.Range(func(r int) bool {
			live = append(live, r)
			return true
		})

		for a := 0; a < len(live); a++ {
			for b := a + 1; b < len(live); b++ {
				ig.Add(live[a], live[b])
			}
		}

		_, def := UseDef(x)

		for _, d := range def {
			for _, r := range live {
				if int(d.Id) != r {
					ig.Add(int(d.Id), r)
				}
			}
		}
	}

	if tr.If("dump_graph") {
		for i := range ig.Edges {
			tr.Printw("interference", "reg", i, "with", &ig.Edges[i])
		}
	}

	return ig
}

func (ig *Interference) Add(a, b int) {
	ig.Edges[a].Set(b)
	ig.Edges[b].Set(a)
}

func (ig *Interference) Interfere(a, b int) bool {
	return ig.Edges[a].IsSet(b)
}

// Allocate assigns a physical register to every virtual register in
// index order. files lists the register file tags to try in order.
// There is no spilling; running out of registers is an error naming
// the register and the instruction that defines it.
func Allocate(ctx context.Context, l *List, ig *Interference, files ...RegTag) (*Assignment, error) {
	tr := tlog.SpanFromContext(ctx)

	n := len(ig.Edges)

	as := &Assignment{
		Regs: make([]Reg, n),
	}

	for v := 0; v < n; v++ {
		taken := make(map[Reg]struct{})

		ig.Edges[v].Range(func(u int) bool {
			if u < v && as.Regs[u].Tag != RegNone {
				taken[as.Regs[u]] = struct{}{}
			}

			return true
		})

		r, ok := pickFree(taken, files)
		if !ok {
			i, x := defSite(l, v)

			return nil, errors.New("out of registers for t%d at instruction %d: %v", v, i, x)
		}

		as.Regs[v] = r
	}

	if tr.If("dump_alloc") {
		for v, r := range as.Regs {
			tr.Printw("assigned", "vreg", v, "reg", r)
		}
	}

	return as, nil
}

func pickFree(taken map[Reg]struct{}, files []RegTag) (Reg, bool) {
	for _, tag := range files {
		for id := 0; id < RegFileSize; id++ {
			r := Reg{Tag: tag, Id: RegId(id)}

			if _, ok := taken[r]; !ok {
				return r, true
			}
		}
	}

	return None, false
}

func defSite(l *List, v int) (int, Instr) {
	for i, x := range l.Instrs {
		_, def := UseDef(x)

		for _, d := range def {
			if int(d.Id) == v {
				return i, x
			}
		}
	}

	return -1, Instr{Op: NoOp{}}
}

// Rewrite substitutes assigned physical registers for virtual ones in
// every destination and source slot.
func (as *Assignment) Rewrite(l *List) {
	sub := func(r Reg) Reg {
		if !r.IsTmp() {
			return r
		}

		p := as.Regs[r.Id]
		p.UniformPtr = r.UniformPtr

		return p
	}
	subSrc := func(s RegOrImm) RegOrImm {
		if !s.IsImm {
			s.Reg = sub(s.Reg)
		}

		return s
	}

	for i, x := range l.Instrs {
		switch op := x.Op.(type) {
		case LI:
			op.Dest = sub(op.Dest)
			x.Op = op
		case ALU:
			op.Dest = sub(op.Dest)
			op.SrcA = subSrc(op.SrcA)
			op.SrcB = subSrc(op.SrcB)
			x.Op = op
		case Recv:
			op.Dest = sub(op.Dest)
			x.Op = op
		default:
			continue
		}

		l.Instrs[i] = x
	}
}
