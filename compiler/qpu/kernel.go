package qpu

import (
	"context"
	"time"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/source"
	"github.com/qpulang/qpu/compiler/target"
)

type (
	// Kernel is a compiled program ready to be bound to buffers and
	// dispatched.
	Kernel struct {
		Platform Platform
		Params   []source.Param

		// TIL is the final listing before label linking, kept for
		// dumps and for the emulator.
		TIL *target.List

		// Code is the encoded program.
		Code []uint64

		uniforms []uint32
		loaded   bool
	}

	// Sharable is a value bindable to one uniform slot: a shared
	// array or a scalar.
	Sharable interface {
		uniform() uint32
		pointer() bool
	}

	// UInt is a scalar kernel argument.
	UInt int32
)

func (v UInt) uniform() uint32 { return uint32(v) }
func (v UInt) pointer() bool   { return false }

// Load binds arguments to the kernel parameters in declaration order.
func (k *Kernel) Load(args ...Sharable) error {
	var user []source.Param

	for _, p := range k.Params {
		if p.Kind == source.ParamUser {
			user = append(user, p)
		}
	}

	if len(args) != len(user) {
		return errors.New("kernel takes %d arguments, got %d", len(user), len(args))
	}

	k.uniforms = k.uniforms[:0]

	for i, a := range args {
		if user[i].Ptr != a.pointer() {
			return errors.New("argument %d: pointer parameter mismatch", i)
		}

		k.uniforms = append(k.uniforms, a.uniform())
	}

	k.loaded = true

	return nil
}

// Call dispatches the kernel on numQPUs processors through d and
// waits for completion.
func (k *Kernel) Call(ctx context.Context, d Driver, numQPUs int, timeout time.Duration) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "call kernel", "platform", k.Platform.Name(), "num_qpus", numQPUs)
	defer tr.Finish("err", &err)

	if !k.loaded {
		for _, p := range k.Params {
			if p.Kind == source.ParamUser {
				return errors.New("kernel arguments are not loaded")
			}
		}
	}

	tapes := make([][]uint32, numQPUs)

	for q := range tapes {
		tape := make([]uint32, 0, len(k.Params))
		next := 0

		for _, p := range k.Params {
			switch p.Kind {
			case source.ParamUser:
				tape = append(tape, k.uniforms[next])
				next++
			case source.ParamMe:
				tape = append(tape, uint32(q))
			case source.ParamNumQPUs:
				tape = append(tape, uint32(numQPUs))
			default:
				panic(p.Kind)
			}
		}

		tapes[q] = tape
	}

	return d.Run(ctx, k, tapes, timeout)
}

// Dump returns the mnemonic listing of the compiled kernel.
func (k *Kernel) Dump() string {
	return k.TIL.Dump()
}
