package qpu

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/source"
	"github.com/qpulang/qpu/compiler/target"
)

type (
	// Platform is one machine back-end.
	Platform interface {
		source.Translate

		Name() string
		RegAlloc(ctx context.Context, l *target.List) error
		AddInit(l *target.List)
		Encode(ctx context.Context, l *target.List) ([]uint64, error)
	}

	// KernelFunc builds the kernel body. Parameters declared on the
	// builder are bound to buffers by Kernel.Load in the same order.
	KernelFunc func(b *source.Builder)
)

// Compile runs the whole pipeline: build, lower, allocate registers,
// insert the init block, link and encode. On error no partial kernel
// is returned.
func Compile(ctx context.Context, pl Platform, kf KernelFunc) (_ *Kernel, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile kernel", "platform", pl.Name())
	defer tr.Finish("err", &err)

	b := source.NewBuilder()

	kf(b)

	l, err := source.Lower(ctx, b, pl)
	if err != nil {
		return nil, errors.Wrap(err, "lower")
	}

	err = pl.RegAlloc(ctx, l)
	if err != nil {
		return nil, errors.Wrap(err, "regalloc")
	}

	pl.AddInit(l)

	if tr.If("dump_target") {
		tr.Printw("target code", "listing", l.Dump())
	}

	til := &target.List{Instrs: append([]target.Instr{}, l.Instrs...)}

	linked, err := target.Link(l)
	if err != nil {
		return nil, errors.Wrap(err, "link")
	}

	code, err := pl.Encode(ctx, linked)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}

	return &Kernel{
		Platform: pl,
		Params:   b.Params,
		TIL:      til,
		Code:     code,
	}, nil
}
