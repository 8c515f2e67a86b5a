package target

import (
	"strings"

	"tlog.app/go/tlog/tlwire"
)

type (
	// List is a sequence of instructions with stable 0-based indices.
	List struct {
		Instrs []Instr
	}
)

func (l *List) Len() int {
	return len(l.Instrs)
}

func (l *List) At(i int) Instr {
	return l.Instrs[i]
}

func (l *List) Append(xs ...Instr) {
	l.Instrs = append(l.Instrs, xs...)
}

// Insert places xs before index i, shifting the tail up.
func (l *List) Insert(i int, xs ...Instr) {
	l.Instrs = append(l.Instrs[:i], append(append([]Instr{}, xs...), l.Instrs[i:]...)...)
}

// Replace overwrites the instruction at index i.
func (l *List) Replace(i int, x Instr) {
	l.Instrs[i] = x
}

// LabelIndex returns the index of the instruction defining l, or -1.
func (l *List) LabelIndex(lab Label) int {
	for i, x := range l.Instrs {
		if x.IsLabel(lab) {
			return i
		}
	}

	return -1
}

// Dump renders the list as a mnemonic listing with headers and comments.
func (l *List) Dump() string {
	var b strings.Builder

	for i, x := range l.Instrs {
		if x.Header != "" {
			if i != 0 {
				b.WriteByte('\n')
			}

			b.WriteString("# ")
			b.WriteString(x.Header)
			b.WriteByte('\n')
		}

		mn := x.String()

		if _, ok := x.Op.(Lab); ok {
			b.WriteString(mn)
		} else {
			b.WriteString("\t")
			b.WriteString(mn)
		}

		if x.Comment != "" {
			if n := 24 - len(mn); n > 0 {
				b.WriteString(strings.Repeat(" ", n))
			}

			b.WriteString("  ; ")
			b.WriteString(x.Comment)
		}

		b.WriteByte('\n')
	}

	return b.String()
}

func (l *List) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	b = e.AppendTag(b, tlwire.Array, l.Len())

	for _, x := range l.Instrs {
		b = x.TlogAppend(b)
	}

	return b
}
