package qpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpulang/qpu/compiler/source"
	"github.com/qpulang/qpu/compiler/v3d"
	"github.com/qpulang/qpu/compiler/vc4"
)

func compile(t *testing.T, pl Platform, kf KernelFunc) *Kernel {
	t.Helper()

	k, err := Compile(context.Background(), pl, kf)
	require.NoError(t, err)

	t.Logf("compiled for %v:\n%s", pl.Name(), k.Dump())

	return k
}

func call(t *testing.T, k *Kernel, em *Emulator, numQPUs int) {
	t.Helper()

	err := k.Call(context.Background(), em, numQPUs, time.Minute)
	require.NoError(t, err)
}

func platforms() map[string]Platform {
	return map[string]Platform{
		"vc4": vc4.New(),
		"v3d": v3d.New(1),
	}
}

func TestSquare(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				x := b.IntPtr()
				y := b.IntPtr()

				v := b.Int(0)
				v.Set(x.Deref())
				y.Store(v.Mul(v))
			})

			em := NewEmulator(1 << 16)

			x, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			y, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			for i := 0; i < NumLanes; i++ {
				x.Set(i, int32(i-8))
			}

			require.NoError(t, k.Load(x, y))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				v := int32(i - 8)
				assert.Equal(t, v*v, y.Get(i), "element %d", i)
			}
		})
	}
}

func TestFloatMul(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				x := b.FloatPtr()
				y := b.FloatPtr()
				out := b.FloatPtr()

				a := b.Float(0)
				a.Set(x.Deref())

				c := b.Float(0)
				c.Set(y.Deref())

				out.Store(a.Mul(c))
			})

			em := NewEmulator(1 << 16)

			x, err := NewSharedArray[float32](em, NumLanes)
			require.NoError(t, err)

			y, err := NewSharedArray[float32](em, NumLanes)
			require.NoError(t, err)

			out, err := NewSharedArray[float32](em, NumLanes)
			require.NoError(t, err)

			for i := 0; i < NumLanes; i++ {
				x.Set(i, float32(i))
				y.Set(i, 0.5)
			}

			require.NoError(t, k.Load(x, y, out))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				assert.InDelta(t, float32(i)*0.5, out.Get(i), 1e-6, "element %d", i)
			}
		})
	}
}

func TestScalarArgument(t *testing.T) {
	k := compile(t, vc4.New(), func(b *source.Builder) {
		out := b.IntPtr()
		n := b.UniformInt()

		out.Store(n.Mul(n))
	})

	em := NewEmulator(1 << 16)

	out, err := NewSharedArray[int32](em, NumLanes)
	require.NoError(t, err)

	require.NoError(t, k.Load(out, UInt(7)))
	call(t, k, em, 1)

	for i := 0; i < NumLanes; i++ {
		assert.Equal(t, int32(49), out.Get(i))
	}
}

func TestWhereElseLanes(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				out := b.IntPtr()

				v := b.Int(0)

				b.WhereElse(b.Index().Lt(b.I(8)), func() {
					v.Set(b.I(1))
				}, func() {
					v.Set(b.I(2))
				})

				out.Store(v)
			})

			em := NewEmulator(1 << 16)

			out, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			require.NoError(t, k.Load(out))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				want := int32(1)
				if i >= 8 {
					want = 2
				}

				assert.Equal(t, want, out.Get(i), "element %d", i)
			}
		})
	}
}

// A store inside Where leaves the memory of masked-out lanes alone.
func TestWhereStore(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				out := b.IntPtr()

				b.Where(b.Index().Lt(b.I(8)), func() {
					out.Store(b.Index())
				})
			})

			em := NewEmulator(1 << 16)

			out, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			for i := 0; i < NumLanes; i++ {
				out.Set(i, int32(100+i))
			}

			require.NoError(t, k.Load(out))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				want := int32(i)
				if i >= 8 {
					want = int32(100 + i)
				}

				assert.Equal(t, want, out.Get(i), "element %d", i)
			}
		})
	}
}

// Lanes diverge, each runs the subtraction loop until all converge.
func TestGCD(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				xp := b.IntPtr()
				yp := b.IntPtr()
				out := b.IntPtr()

				x := b.Int(0)
				x.Set(xp.Deref())

				y := b.Int(0)
				y.Set(yp.Deref())

				b.While(b.Any(x.Ne(y)), func() {
					b.Where(x.Gt(y), func() {
						x.Set(x.Sub(y))
					})
					b.Where(y.Gt(x), func() {
						y.Set(y.Sub(x))
					})
				})

				out.Store(x)
			})

			em := NewEmulator(1 << 16)

			x, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			y, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			out, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			for i := 0; i < NumLanes; i++ {
				x.Set(i, int32(12*(i+1)))
				y.Set(i, int32(18*(i+1)))
			}

			require.NoError(t, k.Load(x, y, out))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				assert.Equal(t, int32(6*(i+1)), out.Get(i), "element %d", i)
			}
		})
	}
}

// Each processor works on its own slice of the output and sees its own
// id through the hidden uniforms.
func TestMultipleQPUs(t *testing.T) {
	const numQPUs = 2

	k := compile(t, vc4.New(), func(b *source.Builder) {
		out := b.IntPtr()

		out.Store(b.Me().Mul(b.I(100)).Add(b.NumQPUs()))
	})

	em := NewEmulator(1 << 16)

	out, err := NewSharedArray[int32](em, numQPUs*NumLanes)
	require.NoError(t, err)

	require.NoError(t, k.Load(out))
	call(t, k, em, numQPUs)

	for i := 0; i < numQPUs*NumLanes; i++ {
		q := int32(i / NumLanes)
		assert.Equal(t, q*100+numQPUs, out.Get(i), "element %d", i)
	}
}

func TestSFU(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				rp := b.FloatPtr()
				ep := b.FloatPtr()

				v := b.Float(2)
				rp.Store(v.Recip())
				ep.Store(v.Exp2())
			})

			em := NewEmulator(1 << 16)

			rp, err := NewSharedArray[float32](em, NumLanes)
			require.NoError(t, err)

			ep, err := NewSharedArray[float32](em, NumLanes)
			require.NoError(t, err)

			require.NoError(t, k.Load(rp, ep))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				assert.InDelta(t, 0.5, rp.Get(i), 1e-6, "recip, element %d", i)
				assert.InDelta(t, 4, ep.Get(i), 1e-6, "exp2, element %d", i)
			}
		})
	}
}

func TestRotate(t *testing.T) {
	for name, pl := range platforms() {
		t.Run(name, func(t *testing.T) {
			k := compile(t, pl, func(b *source.Builder) {
				out := b.IntPtr()

				v := b.Int(0)
				v.Set(b.Index())

				out.Store(v.Rotate(b.I(1)))
			})

			em := NewEmulator(1 << 16)

			out, err := NewSharedArray[int32](em, NumLanes)
			require.NoError(t, err)

			require.NoError(t, k.Load(out))
			call(t, k, em, 1)

			for i := 0; i < NumLanes; i++ {
				assert.Equal(t, int32((i+NumLanes-1)%NumLanes), out.Get(i), "element %d", i)
			}
		})
	}
}

// A kernel too wide for one register file compiles on vc4, which has
// two, and fails on v3d.
func TestRegisterPressure(t *testing.T) {
	kf := func(b *source.Builder) {
		out := b.IntPtr()

		var vars []source.Int

		for i := 0; i < 33; i++ {
			vars = append(vars, b.Int(int32(i)))
		}

		acc := b.Int(0)

		for _, v := range vars {
			acc.Set(acc.Add(v))
		}

		out.Store(acc)
	}

	ctx := context.Background()

	k, err := Compile(ctx, vc4.New(), kf)
	require.NoError(t, err)

	_, err = Compile(ctx, v3d.New(1), kf)
	assert.ErrorContains(t, err, "out of registers")

	em := NewEmulator(1 << 16)

	out, err := NewSharedArray[int32](em, NumLanes)
	require.NoError(t, err)

	require.NoError(t, k.Load(out))
	call(t, k, em, 1)

	assert.Equal(t, int32(33*32/2), out.Get(0))
}

func TestLoadErrors(t *testing.T) {
	k := compile(t, vc4.New(), func(b *source.Builder) {
		x := b.IntPtr()
		y := b.IntPtr()

		y.Store(x.Deref())
	})

	em := NewEmulator(1 << 16)

	err := k.Call(context.Background(), em, 1, time.Minute)
	assert.ErrorContains(t, err, "not loaded")

	err = k.Load()
	assert.ErrorContains(t, err, "takes 2 arguments")

	err = k.Load(UInt(1), UInt(2))
	assert.ErrorContains(t, err, "pointer parameter mismatch")
}

func TestCallTimeout(t *testing.T) {
	k := compile(t, vc4.New(), func(b *source.Builder) {
		v := b.Int(1)

		b.While(b.Any(v.Gt(b.I(0))), func() {})
	})

	em := NewEmulator(1 << 16)

	err := k.Call(context.Background(), em, 1, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestEmulatorAlloc(t *testing.T) {
	em := NewEmulator(64)

	a, err := NewSharedArray[int32](em, 4)
	require.NoError(t, err)
	assert.NotZero(t, a.Addr, "address zero stays unmapped")
	assert.Zero(t, a.Addr&15, "allocations are aligned")

	_, err = NewSharedArray[int32](em, 100)
	assert.ErrorContains(t, err, "out of emulator memory")
}

func TestSharedArrayFloat(t *testing.T) {
	em := NewEmulator(1 << 10)

	a, err := NewSharedArray[float32](em, 4)
	require.NoError(t, err)

	assert.Equal(t, 4, a.Len())

	a.Set(2, 1.5)
	assert.Equal(t, float32(1.5), a.Get(2))
	assert.Equal(t, float32(0), a.Get(1))
}
