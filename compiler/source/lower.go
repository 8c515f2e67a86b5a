package source

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/target"
)

type (
	// Translate is the platform hook set used while lowering.
	Translate interface {
		// Stmt claims a platform statement, appending its lowering.
		// It returns false for statements the platform does not own.
		Stmt(l *target.List, s Stmt) bool

		// DerefVarVar emits a store of data to the addresses in addr.
		DerefVarVar(l *target.List, addr, data target.Reg)

		// VarassignDerefVar emits a load from the addresses in addr
		// into dst.
		VarassignDerefVar(l *target.List, dst, addr target.Reg)
	}

	lowerer struct {
		b  *Builder
		l  *target.List
		pl Translate

		nextTmp   int
		nextLabel int
	}
)

// Lower translates the built kernel into target instructions with
// virtual registers and symbolic labels.
func Lower(ctx context.Context, b *Builder, pl Translate) (_ *target.List, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "lower kernel", "stmts", len(b.Stmts))
	defer tr.Finish("err", &err)

	if err = b.Err(); err != nil {
		return nil, errors.Wrap(err, "build")
	}

	w := &lowerer{
		b:         b,
		l:         &target.List{},
		pl:        pl,
		nextTmp:   b.NVars(),
		nextLabel: b.FreshLabel(),
	}

	w.prologue()

	err = w.stmts(b.Stmts, target.None)
	if err != nil {
		return nil, err
	}

	w.l.Append(target.Instr{Op: target.End{}})

	if tr.If("dump_target") {
		tr.Printw("lowered", "listing", w.l.Dump())
	}

	return w.l, nil
}

// prologue receives the uniform tape into parameter registers and
// leaves the markers the back-end init block is inserted between.
func (w *lowerer) prologue() {
	for i, p := range w.b.Params {
		dst := target.Tmp(p.Id)
		dst.UniformPtr = p.Ptr

		x := target.Mov(dst, target.RegSrc(target.Uniform))
		if i == 0 {
			x = x.WithHeader("receive parameters")
		}

		w.l.Append(x)
	}

	w.l.Append(
		target.Instr{Op: target.InitBegin{}},
		target.Instr{Op: target.InitEnd{}},
	)
}

func (w *lowerer) fresh() (target.Reg, error) {
	if w.nextTmp >= MaxVRegs {
		return target.None, errors.New("out of kernel variables (%d)", MaxVRegs)
	}

	r := target.Tmp(w.nextTmp)
	w.nextTmp++

	return r, nil
}

func (w *lowerer) label() target.Label {
	l := target.Label(w.nextLabel)
	w.nextLabel++

	return l
}

// stmts lowers a statement block. mask is the enclosing predication
// register or None outside any conditional block.
func (w *lowerer) stmts(ss []Stmt, mask target.Reg) error {
	for _, s := range ss {
		err := w.stmt(s, mask)
		if err != nil {
			return errors.Wrap(err, "at %v", s.At)
		}
	}

	return nil
}

func (w *lowerer) stmt(s Stmt, mask target.Reg) error {
	switch op := s.Op.(type) {
	case Assign:
		return w.assign(op, mask)
	case WhereStmt:
		return w.where(op, mask)
	case IfStmt:
		return w.ifStmt(op, mask)
	case WhileStmt:
		return w.while(op, mask)
	case StoreReq:
		return w.store(op, mask)
	default:
		if w.pl.Stmt(w.l, s) {
			return nil
		}

		return errors.New("statement %T is not supported on this platform", s.Op)
	}
}

func (w *lowerer) assign(op Assign, mask target.Reg) error {
	if lt, rt := op.LHS.Type, TypeOf(op.RHS); lt != rt {
		return errors.New("assignment of %v value to %v variable", rt, lt)
	}

	dst := target.Tmp(op.LHS.Id)

	if mask == target.None {
		return w.expr(op.RHS, dst)
	}

	t, err := w.fresh()
	if err != nil {
		return err
	}

	err = w.expr(op.RHS, t)
	if err != nil {
		return err
	}

	w.setMaskFlags(mask)

	x := target.Instr{Op: target.ALU{
		Cond: target.Cond(target.FlagNS),
		Dest: dst,
		SrcA: target.RegSrc(t),
		Op:   target.BOr,
		SrcB: target.RegSrc(t),
	}}
	w.l.Append(x.WithComment("masked assign"))

	return nil
}

// setMaskFlags loads the condition flags from a mask register: lanes
// holding -1 set N, lanes holding 0 set Z.
func (w *lowerer) setMaskFlags(mask target.Reg) {
	w.l.Append(target.Instr{Op: target.ALU{
		SetFlags: true,
		Dest:     target.None,
		SrcA:     target.RegSrc(mask),
		Op:       target.BOr,
		SrcB:     target.RegSrc(mask),
	}})
}

func (w *lowerer) where(op WhereStmt, mask target.Reg) error {
	m, err := w.bexpr(op.Cond)
	if err != nil {
		return err
	}

	then, err := w.combineMask(mask, m, false)
	if err != nil {
		return err
	}

	err = w.stmts(op.Then, then)
	if err != nil {
		return err
	}

	if op.Else == nil {
		return nil
	}

	els, err := w.combineMask(mask, m, true)
	if err != nil {
		return err
	}

	return w.stmts(op.Else, els)
}

// combineMask ANDs a new mask (negated if neg) with the enclosing one.
func (w *lowerer) combineMask(outer, m target.Reg, neg bool) (target.Reg, error) {
	if neg {
		t, err := w.fresh()
		if err != nil {
			return target.None, err
		}

		w.l.Append(target.ALU2(t, target.RegSrc(m), target.BNot, target.RegSrc(m)))
		m = t
	}

	if outer == target.None {
		return m, nil
	}

	t, err := w.fresh()
	if err != nil {
		return target.None, err
	}

	w.l.Append(target.ALU2(t, target.RegSrc(outer), target.BAnd, target.RegSrc(m)))

	return t, nil
}

func (w *lowerer) cond(c CondExpr) (target.BranchCond, error) {
	m, err := w.bexpr(c.Mask)
	if err != nil {
		return target.BranchCond{}, err
	}

	w.setMaskFlags(m)

	switch c.Tag {
	case CondAll:
		return target.AllCond(target.FlagNS), nil
	case CondAny:
		return target.AnyCond(target.FlagNS), nil
	default:
		panic(c.Tag)
	}
}

func (w *lowerer) ifStmt(op IfStmt, mask target.Reg) error {
	if mask != target.None {
		return errors.New("If inside Where is not allowed, use nested Where")
	}

	take, err := w.cond(op.Cond)
	if err != nil {
		return err
	}

	elseL := w.label()
	endL := elseL

	if op.Else != nil {
		endL = w.label()
	}

	w.l.Append(target.BranchIf(take.Negate(), elseL))

	err = w.stmts(op.Then, target.None)
	if err != nil {
		return err
	}

	if op.Else != nil {
		w.l.Append(target.Branch(endL))
		w.l.Append(target.Mark(elseL))

		err = w.stmts(op.Else, target.None)
		if err != nil {
			return err
		}
	}

	w.l.Append(target.Mark(endL))

	return nil
}

func (w *lowerer) while(op WhileStmt, mask target.Reg) error {
	if mask != target.None {
		return errors.New("While inside Where is not allowed")
	}

	start := w.label()
	end := w.label()

	w.l.Append(target.Mark(start))

	take, err := w.cond(op.Cond)
	if err != nil {
		return err
	}

	w.l.Append(target.BranchIf(take.Negate(), end))

	err = w.stmts(op.Body, target.None)
	if err != nil {
		return err
	}

	w.l.Append(target.Branch(start))
	w.l.Append(target.Mark(end))

	return nil
}

// store lowers a pointer store. The back-end sequences write all 16
// lanes, so under a mask the memory is read back first and only
// enabled lanes take the new data before the row goes out again.
func (w *lowerer) store(op StoreReq, mask target.Reg) error {
	addr, err := w.operandReg(op.Addr)
	if err != nil {
		return err
	}

	data, err := w.operandReg(op.Data)
	if err != nil {
		return err
	}

	if mask == target.None {
		w.pl.DerefVarVar(w.l, addr, data)

		return nil
	}

	merged, err := w.fresh()
	if err != nil {
		return err
	}

	w.pl.VarassignDerefVar(w.l, merged, addr)

	w.setMaskFlags(mask)

	x := target.Instr{Op: target.ALU{
		Cond: target.Cond(target.FlagNS),
		Dest: merged,
		SrcA: target.RegSrc(data),
		Op:   target.BOr,
		SrcB: target.RegSrc(data),
	}}
	w.l.Append(x.WithComment("masked store"))

	w.pl.DerefVarVar(w.l, addr, merged)

	return nil
}

// operandReg lowers an expression into a register, reusing variable
// registers directly.
func (w *lowerer) operandReg(e Expr) (target.Reg, error) {
	if v, ok := e.(Var); ok {
		return target.Tmp(v.Id), nil
	}

	t, err := w.fresh()
	if err != nil {
		return target.None, err
	}

	err = w.expr(e, t)
	if err != nil {
		return target.None, err
	}

	return t, nil
}

// operand lowers an expression into an ALU source slot, folding small
// immediates.
func (w *lowerer) operand(e Expr) (target.RegOrImm, error) {
	if lit, ok := e.(IntLit); ok && lit.Val >= -16 && lit.Val <= 15 {
		return target.ImmSrc(lit.Val), nil
	}

	r, err := w.operandReg(e)
	if err != nil {
		return target.RegOrImm{}, err
	}

	return target.RegSrc(r), nil
}

func (w *lowerer) expr(e Expr, dst target.Reg) error {
	switch e := e.(type) {
	case Var:
		w.l.Append(target.Mov(dst, target.RegSrc(target.Tmp(e.Id))))
		return nil
	case IntLit:
		w.l.Append(target.LoadImm(dst, target.IntImm(e.Val)))
		return nil
	case FloatLit:
		w.l.Append(target.LoadImm(dst, target.FloatImm(e.Val)))
		return nil
	case ElemNum:
		w.l.Append(target.Mov(dst, target.RegSrc(target.ElemID)))
		return nil
	case Deref:
		addr, err := w.operandReg(e.Ptr)
		if err != nil {
			return err
		}

		w.pl.VarassignDerefVar(w.l, dst, addr)

		return nil
	case Apply:
		return w.apply(e, dst)
	default:
		panic(e)
	}
}

func (w *lowerer) apply(e Apply, dst target.Reg) error {
	err := checkApply(e)
	if err != nil {
		return err
	}

	switch e.Op {
	case RECIP, RECIPSQRT, EXP, LOG, SIN:
		return w.sfu(e, dst)
	case TIDX, EIDX:
		op := target.Tidx
		if e.Op == EIDX {
			op = target.Eidx
		}

		w.l.Append(target.ALU2(dst, target.RegSrc(target.None), op, target.RegSrc(target.None)))

		return nil
	case BNOT, ItoF, FtoI:
		a, err := w.operand(e.Args[0])
		if err != nil {
			return err
		}

		w.l.Append(target.ALU2(dst, a, aluOp(e.Op, TypeOf(e.Args[0])), a))

		return nil
	}

	a, err := w.operand(e.Args[0])
	if err != nil {
		return err
	}

	b, err := w.operand(e.Args[1])
	if err != nil {
		return err
	}

	w.l.Append(target.ALU2(dst, a, aluOp(e.Op, TypeOf(e.Args[0])), b))

	return nil
}

// sfu writes the operand to a function unit register, waits two
// instructions and reads the result from ACC4.
func (w *lowerer) sfu(e Apply, dst target.Reg) error {
	a, err := w.operandReg(e.Args[0])
	if err != nil {
		return err
	}

	var unit target.Reg

	switch e.Op {
	case RECIP:
		unit = target.SFURecip
	case RECIPSQRT:
		unit = target.SFURecipSqrt
	case EXP:
		unit = target.SFUExp
	case LOG:
		unit = target.SFULog
	case SIN:
		unit = target.SFUSin
	default:
		panic(e.Op)
	}

	w.l.Append(
		target.Mov(unit, target.RegSrc(a)),
		target.Instr{Op: target.NoOp{}},
		target.Instr{Op: target.NoOp{}},
		target.Mov(dst, target.RegSrc(target.ACC4)),
	)

	return nil
}

func checkApply(e Apply) error {
	for _, a := range e.Args {
		t := TypeOf(a)

		switch {
		case e.Op.IsFloatOnly() && t != FloatType:
			return errors.New("operator %v applied to %v operand", e.Op, t)
		case e.Op.IsIntOnly() && t == FloatType:
			return errors.New("operator %v applied to float operand", e.Op)
		}
	}

	if len(e.Args) == 2 && e.Op != ROTATE && e.Op != SHL && e.Op != SHR && e.Op != USHR && e.Op != ROR {
		l, r := TypeOf(e.Args[0]), TypeOf(e.Args[1])

		if (l == FloatType) != (r == FloatType) {
			return errors.New("operator %v mixes int and float operands", e.Op)
		}
	}

	return nil
}

func aluOp(op Op, t BaseType) target.ALUOp {
	f := t == FloatType

	switch op {
	case ADD:
		return pick(f, target.FAdd, target.Add)
	case SUB:
		return pick(f, target.FSub, target.Sub)
	case MUL:
		return pick(f, target.FMul, target.Mul)
	case MIN:
		return pick(f, target.FMin, target.Min)
	case MAX:
		return pick(f, target.FMax, target.Max)
	case ROTATE:
		return target.Rotate
	case SHL:
		return target.Shl
	case SHR:
		return target.Shr
	case USHR:
		return target.UShr
	case ROR:
		return target.Ror
	case BOR:
		return target.BOr
	case BAND:
		return target.BAnd
	case BXOR:
		return target.BXor
	case BNOT:
		return target.BNot
	case ItoF:
		return target.ItoF
	case FtoI:
		return target.FtoI
	default:
		panic(op)
	}
}

func pick(f bool, a, b target.ALUOp) target.ALUOp {
	if f {
		return a
	}

	return b
}

// bexpr lowers a boolean expression into a mask register holding -1
// in true lanes and 0 in false lanes.
func (w *lowerer) bexpr(x BExpr) (target.Reg, error) {
	switch x := x.(type) {
	case Cmp:
		return w.cmpMask(x)
	case Not:
		m, err := w.bexpr(x.X)
		if err != nil {
			return target.None, err
		}

		t, err := w.fresh()
		if err != nil {
			return target.None, err
		}

		w.l.Append(target.ALU2(t, target.RegSrc(m), target.BNot, target.RegSrc(m)))

		return t, nil
	case And:
		return w.boolOp(x.L, x.R, target.BAnd)
	case Or:
		return w.boolOp(x.L, x.R, target.BOr)
	default:
		panic(x)
	}
}

func (w *lowerer) boolOp(l, r BExpr, op target.ALUOp) (target.Reg, error) {
	a, err := w.bexpr(l)
	if err != nil {
		return target.None, err
	}

	b, err := w.bexpr(r)
	if err != nil {
		return target.None, err
	}

	t, err := w.fresh()
	if err != nil {
		return target.None, err
	}

	w.l.Append(target.ALU2(t, target.RegSrc(a), op, target.RegSrc(b)))

	return t, nil
}

// cmpMask lowers l op r by subtracting and testing the flags of the
// difference. GT and LE swap the operands to reuse NS and NC.
func (w *lowerer) cmpMask(x Cmp) (target.Reg, error) {
	if lt, rt := TypeOf(x.L), TypeOf(x.R); (lt == FloatType) != (rt == FloatType) {
		return target.None, errors.New("comparison %v mixes int and float operands", x.Op)
	}

	l, r := x.L, x.R

	var flag target.Flag

	switch x.Op {
	case EQ:
		flag = target.FlagZS
	case NE:
		flag = target.FlagZC
	case LT:
		flag = target.FlagNS
	case GE:
		flag = target.FlagNC
	case GT:
		l, r = r, l
		flag = target.FlagNS
	case LE:
		l, r = r, l
		flag = target.FlagNC
	default:
		panic(x.Op)
	}

	a, err := w.operand(l)
	if err != nil {
		return target.None, err
	}

	b, err := w.operand(r)
	if err != nil {
		return target.None, err
	}

	sub := target.Sub
	if TypeOf(x.L) == FloatType {
		sub = target.FSub
	}

	w.l.Append(target.Instr{Op: target.ALU{
		SetFlags: true,
		Dest:     target.None,
		SrcA:     a,
		Op:       sub,
		SrcB:     b,
	}})

	m, err := w.fresh()
	if err != nil {
		return target.None, err
	}

	w.l.Append(
		target.LoadImm(m, target.IntImm(0)),
		target.Instr{Op: target.LI{
			Cond: target.Cond(flag),
			Dest: m,
			Imm:  target.IntImm(-1),
		}},
	)

	return m, nil
}
