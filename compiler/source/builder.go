package source

import (
	"tlog.app/go/errors"
	"tlog.app/go/loc"
)

type (
	// Builder accumulates the statements of one kernel. Each compile
	// uses its own Builder, so concurrent compilations do not share
	// counters.
	Builder struct {
		Stmts  []Stmt
		Params []Param

		nextVar   int
		nextLabel int

		meVar  int
		numVar int

		err   error
		errAt loc.PC
	}

	// Param is one slot of the uniform tape, in declaration order.
	// Hidden slots are filled by the dispatcher, not by Kernel.Load.
	Param struct {
		Id   int
		Type BaseType
		Ptr  bool
		Kind ParamKind
	}

	ParamKind int

	// Int is a 16-wide integer value.
	Int struct {
		b *Builder
		e Expr
	}

	// Float is a 16-wide float value.
	Float struct {
		b *Builder
		e Expr
	}

	// IntPtr is a vector of addresses of int32 elements.
	IntPtr struct {
		b *Builder
		e Expr
	}

	// FloatPtr is a vector of addresses of float32 elements.
	FloatPtr struct {
		b *Builder
		e Expr
	}

	// Bool is a per-lane boolean mask expression.
	Bool struct {
		b *Builder
		e BExpr
	}

	// Cond is a reduced branch condition.
	Cond struct {
		b *Builder
		e CondExpr
	}
)

const (
	ParamUser ParamKind = iota
	ParamMe
	ParamNumQPUs
)

// MaxVRegs bounds the number of kernel variables and lowering
// temporaries.
const MaxVRegs = 1 << 12

func NewBuilder() *Builder {
	return &Builder{meVar: -1, numVar: -1}
}

// Err returns the first error recorded while building, annotated with
// the host source position of the offending call.
func (b *Builder) Err() error {
	if b.err == nil {
		return nil
	}

	return errors.Wrap(b.err, "at %v", b.errAt)
}

func (b *Builder) fail(f string, args ...any) {
	if b.err != nil {
		return
	}

	b.err = errors.New(f, args...)
	b.errAt = loc.Caller(2)
}

func (b *Builder) fresh() int {
	if b.nextVar >= MaxVRegs {
		b.fail("out of kernel variables (%d)", MaxVRegs)
		return 0
	}

	id := b.nextVar
	b.nextVar++

	return id
}

// NVars returns the number of variables declared so far, the first
// fresh id for lowering temporaries.
func (b *Builder) NVars() int { return b.nextVar }

// FreshLabel returns the next unused label number.
func (b *Builder) FreshLabel() int {
	l := b.nextLabel
	b.nextLabel++

	return l
}

func (b *Builder) push(op any) {
	b.Stmts = append(b.Stmts, Stmt{Op: op, At: loc.Caller(2)})
}

func (b *Builder) block(fn func()) []Stmt {
	saved := b.Stmts
	b.Stmts = nil

	fn()

	blk := b.Stmts
	b.Stmts = saved

	return blk
}

// IntPtr declares a pointer parameter over int32 elements.
func (b *Builder) IntPtr() IntPtr {
	v := Var{Id: b.fresh(), Type: Int32}
	b.Params = append(b.Params, Param{Id: v.Id, Type: Int32, Ptr: true})

	return IntPtr{b: b, e: v}
}

// FloatPtr declares a pointer parameter over float32 elements.
func (b *Builder) FloatPtr() FloatPtr {
	v := Var{Id: b.fresh(), Type: FloatType}
	b.Params = append(b.Params, Param{Id: v.Id, Type: FloatType, Ptr: true})

	return FloatPtr{b: b, e: v}
}

// UniformInt declares a scalar integer parameter.
func (b *Builder) UniformInt() Int {
	v := Var{Id: b.fresh(), Type: Int32}
	b.Params = append(b.Params, Param{Id: v.Id, Type: Int32})

	return Int{b: b, e: v}
}

// Int declares an integer variable initialized to v.
func (b *Builder) Int(v int32) Int {
	x := Int{b: b, e: Var{Id: b.fresh(), Type: Int32}}
	b.push(Assign{LHS: x.e.(Var), RHS: IntLit{Val: v, Type: Int32}})

	return x
}

// Float declares a float variable initialized to v.
func (b *Builder) Float(v float32) Float {
	x := Float{b: b, e: Var{Id: b.fresh(), Type: FloatType}}
	b.push(Assign{LHS: x.e.(Var), RHS: FloatLit{Val: v}})

	return x
}

// I makes an integer literal value.
func (b *Builder) I(v int32) Int { return Int{b: b, e: IntLit{Val: v, Type: Int32}} }

// F makes a float literal value.
func (b *Builder) F(v float32) Float { return Float{b: b, e: FloatLit{Val: v}} }

// Index is the per-lane element index 0..15.
func (b *Builder) Index() Int { return Int{b: b, e: ElemNum{}} }

// TIdx is the hardware thread index. v3d only.
func (b *Builder) TIdx() Int { return Int{b: b, e: Apply{Op: TIDX, Type: Int32}} }

// EIdx is the hardware element index. v3d only.
func (b *Builder) EIdx() Int { return Int{b: b, e: Apply{Op: EIDX, Type: Int32}} }

// Me is the id of the executing processor, a hidden uniform filled in
// by the dispatcher.
func (b *Builder) Me() Int {
	if b.meVar < 0 {
		b.meVar = b.fresh()
		b.Params = append(b.Params, Param{Id: b.meVar, Type: Int32, Kind: ParamMe})
	}

	return Int{b: b, e: Var{Id: b.meVar, Type: Int32}}
}

// NumQPUs is the number of processors the kernel was dispatched on, a
// hidden uniform filled in by the dispatcher.
func (b *Builder) NumQPUs() Int {
	if b.numVar < 0 {
		b.numVar = b.fresh()
		b.Params = append(b.Params, Param{Id: b.numVar, Type: Int32, Kind: ParamNumQPUs})
	}

	return Int{b: b, e: Var{Id: b.numVar, Type: Int32}}
}

func (x Int) Expr() Expr   { return x.e }
func (x Float) Expr() Expr { return x.e }

func (x Int) apply(op Op, y Int) Int {
	return Int{b: x.b, e: Apply{Op: op, Type: Int32, Args: []Expr{x.e, y.e}}}
}

func (x Int) Add(y Int) Int  { return x.apply(ADD, y) }
func (x Int) Sub(y Int) Int  { return x.apply(SUB, y) }
func (x Int) Mul(y Int) Int  { return x.apply(MUL, y) }
func (x Int) Min(y Int) Int  { return x.apply(MIN, y) }
func (x Int) Max(y Int) Int  { return x.apply(MAX, y) }
func (x Int) Shl(y Int) Int  { return x.apply(SHL, y) }
func (x Int) Shr(y Int) Int  { return x.apply(SHR, y) }
func (x Int) UShr(y Int) Int { return x.apply(USHR, y) }
func (x Int) Ror(y Int) Int  { return x.apply(ROR, y) }
func (x Int) BAnd(y Int) Int { return x.apply(BAND, y) }
func (x Int) BOr(y Int) Int  { return x.apply(BOR, y) }
func (x Int) BXor(y Int) Int { return x.apply(BXOR, y) }

func (x Int) BNot() Int {
	return Int{b: x.b, e: Apply{Op: BNOT, Type: Int32, Args: []Expr{x.e}}}
}

// Rotate rotates the 16 lanes of x right by n places.
func (x Int) Rotate(n Int) Int { return x.apply(ROTATE, n) }

func (x Int) ToFloat() Float {
	return Float{b: x.b, e: Apply{Op: ItoF, Type: FloatType, Args: []Expr{x.e}}}
}

func (x Int) cmp(op CmpOp, y Int) Bool {
	return Bool{b: x.b, e: Cmp{L: x.e, Op: op, R: y.e}}
}

func (x Int) Eq(y Int) Bool { return x.cmp(EQ, y) }
func (x Int) Ne(y Int) Bool { return x.cmp(NE, y) }
func (x Int) Lt(y Int) Bool { return x.cmp(LT, y) }
func (x Int) Le(y Int) Bool { return x.cmp(LE, y) }
func (x Int) Gt(y Int) Bool { return x.cmp(GT, y) }
func (x Int) Ge(y Int) Bool { return x.cmp(GE, y) }

func (x Float) apply(op Op, y Float) Float {
	return Float{b: x.b, e: Apply{Op: op, Type: FloatType, Args: []Expr{x.e, y.e}}}
}

func (x Float) Add(y Float) Float { return x.apply(ADD, y) }
func (x Float) Sub(y Float) Float { return x.apply(SUB, y) }
func (x Float) Mul(y Float) Float { return x.apply(MUL, y) }
func (x Float) Min(y Float) Float { return x.apply(MIN, y) }
func (x Float) Max(y Float) Float { return x.apply(MAX, y) }

// Rotate rotates the 16 lanes of x right by n places.
func (x Float) Rotate(n Int) Float {
	return Float{b: x.b, e: Apply{Op: ROTATE, Type: FloatType, Args: []Expr{x.e, n.e}}}
}

func (x Float) sfu(op Op) Float {
	return Float{b: x.b, e: Apply{Op: op, Type: FloatType, Args: []Expr{x.e}}}
}

func (x Float) Recip() Float     { return x.sfu(RECIP) }
func (x Float) RecipSqrt() Float { return x.sfu(RECIPSQRT) }
func (x Float) Exp2() Float      { return x.sfu(EXP) }
func (x Float) Log2() Float      { return x.sfu(LOG) }
func (x Float) Sin() Float       { return x.sfu(SIN) }

func (x Float) ToInt() Int {
	return Int{b: x.b, e: Apply{Op: FtoI, Type: Int32, Args: []Expr{x.e}}}
}

func (x Float) cmp(op CmpOp, y Float) Bool {
	return Bool{b: x.b, e: Cmp{L: x.e, Op: op, R: y.e}}
}

func (x Float) Eq(y Float) Bool { return x.cmp(EQ, y) }
func (x Float) Ne(y Float) Bool { return x.cmp(NE, y) }
func (x Float) Lt(y Float) Bool { return x.cmp(LT, y) }
func (x Float) Le(y Float) Bool { return x.cmp(LE, y) }
func (x Float) Gt(y Float) Bool { return x.cmp(GT, y) }
func (x Float) Ge(y Float) Bool { return x.cmp(GE, y) }

// Set assigns v to x. x must be a declared variable.
func (x Int) Set(v Int) {
	lhs, ok := x.e.(Var)
	if !ok {
		x.b.fail("assignment to a non-variable")
		return
	}

	x.b.push(Assign{LHS: lhs, RHS: v.e})
}

func (x Float) Set(v Float) {
	lhs, ok := x.e.(Var)
	if !ok {
		x.b.fail("assignment to a non-variable")
		return
	}

	x.b.push(Assign{LHS: lhs, RHS: v.e})
}

// Plus advances the pointer by i elements per lane.
func (p IntPtr) Plus(i Int) IntPtr {
	off := Apply{Op: SHL, Type: Int32, Args: []Expr{i.e, IntLit{Val: 2, Type: Int32}}}

	return IntPtr{b: p.b, e: Apply{Op: ADD, Type: Int32, Args: []Expr{p.e, off}}}
}

// PlusI advances the pointer by n elements per lane.
func (p IntPtr) PlusI(n int32) IntPtr { return p.Plus(Int{b: p.b, e: IntLit{Val: n, Type: Int32}}) }

func (p IntPtr) Set(q IntPtr) {
	lhs, ok := p.e.(Var)
	if !ok {
		p.b.fail("assignment to a non-variable")
		return
	}

	p.b.push(Assign{LHS: lhs, RHS: q.e})
}

// Deref loads 16 int32 elements at the pointer.
func (p IntPtr) Deref() Int {
	return Int{b: p.b, e: Deref{Ptr: p.e, Type: Int32}}
}

// Store stores v at the pointer.
func (p IntPtr) Store(v Int) {
	p.b.push(StoreReq{Addr: p.e, Data: v.e})
}

func (p FloatPtr) Plus(i Int) FloatPtr {
	off := Apply{Op: SHL, Type: Int32, Args: []Expr{i.e, IntLit{Val: 2, Type: Int32}}}

	return FloatPtr{b: p.b, e: Apply{Op: ADD, Type: FloatType, Args: []Expr{p.e, off}}}
}

func (p FloatPtr) PlusI(n int32) FloatPtr {
	return p.Plus(Int{b: p.b, e: IntLit{Val: n, Type: Int32}})
}

func (p FloatPtr) Set(q FloatPtr) {
	lhs, ok := p.e.(Var)
	if !ok {
		p.b.fail("assignment to a non-variable")
		return
	}

	p.b.push(Assign{LHS: lhs, RHS: q.e})
}

func (p FloatPtr) Deref() Float {
	return Float{b: p.b, e: Deref{Ptr: p.e, Type: FloatType}}
}

func (p FloatPtr) Store(v Float) {
	p.b.push(StoreReq{Addr: p.e, Data: v.e})
}

func (x Bool) And(y Bool) Bool { return Bool{b: x.b, e: And{L: x.e, R: y.e}} }
func (x Bool) Or(y Bool) Bool  { return Bool{b: x.b, e: Or{L: x.e, R: y.e}} }
func (x Bool) Not() Bool       { return Bool{b: x.b, e: Not{X: x.e}} }

// Any is true if the mask is set in any lane.
func (b *Builder) Any(x Bool) Cond {
	return Cond{b: b, e: CondExpr{Tag: CondAny, Mask: x.e}}
}

// All is true if the mask is set in every lane.
func (b *Builder) All(x Bool) Cond {
	return Cond{b: b, e: CondExpr{Tag: CondAll, Mask: x.e}}
}

func (b *Builder) If(c Cond, then func()) {
	b.push(IfStmt{Cond: c.e, Then: b.block(then)})
}

func (b *Builder) IfElse(c Cond, then, els func()) {
	b.push(IfStmt{Cond: c.e, Then: b.block(then), Else: b.block(els)})
}

func (b *Builder) While(c Cond, body func()) {
	b.push(WhileStmt{Cond: c.e, Body: b.block(body)})
}

// Where predicates the assignments in fn by the mask of x. Nested
// Where blocks combine their masks with AND.
func (b *Builder) Where(x Bool, fn func()) {
	b.push(WhereStmt{Cond: x.e, Then: b.block(fn)})
}

func (b *Builder) WhereElse(x Bool, then, els func()) {
	b.push(WhereStmt{Cond: x.e, Then: b.block(then), Else: b.block(els)})
}

// For runs fn with i = 0, 1, ... n-1.
func (b *Builder) For(n Int, fn func(i Int)) {
	i := b.Int(0)

	b.While(b.Any(i.Lt(n)), func() {
		fn(i)
		i.Set(i.Add(b.I(1)))
	})
}

// vc4 intrinsics.

func (b *Builder) SemaInc(s int) { b.push(SemaIncStmt{Sema: s}) }
func (b *Builder) SemaDec(s int) { b.push(SemaDecStmt{Sema: s}) }
func (b *Builder) HostIRQ()      { b.push(HostIRQStmt{}) }
func (b *Builder) DMALoadWait()  { b.push(DMALoadWaitStmt{}) }
func (b *Builder) DMAStoreWait() { b.push(DMAStoreWaitStmt{}) }
