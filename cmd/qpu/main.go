package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/qpulang/qpu/compiler/qpu"
	"github.com/qpulang/qpu/compiler/source"
	"github.com/qpulang/qpu/compiler/v3d"
	"github.com/qpulang/qpu/compiler/vc4"
)

type (
	example struct {
		Descr string
		Run   func(ctx context.Context, c *cli.Command) error
	}
)

var examples = map[string]example{
	"square":   {Descr: "y[i] = x[i] * x[i] over one full vector", Run: squareAct},
	"dot":      {Descr: "per-lane partial products of two float vectors", Run: dotAct},
	"gcd":      {Descr: "lane-wise gcd of two integer vectors", Run: gcdAct},
	"triangle": {Descr: "y[i] = sum of 0..i via Where masking", Run: triangleAct},
}

func main() {
	listCmd := &cli.Command{
		Name:        "list",
		Description: "list built-in kernels",
		Action:      listAct,
		Args:        cli.Args{},
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "compile a built-in kernel and print its listing and code",
		Action:      dumpAct,
		Args:        cli.Args{},
	}

	runCmd := &cli.Command{
		Name:        "run",
		Description: "compile a built-in kernel and execute it",
		Action:      runAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "qpu",
		Description: "qpu compiles and runs data-parallel kernels for VideoCore processors",
		Flags: []*cli.Flag{
			cli.NewFlag("platform", "vc4", "machine back-end (vc4, v3d)"),
			cli.NewFlag("num-qpus", 1, "processors to dispatch on"),
			cli.NewFlag("run", "emulator", "execution driver (emulator, qpu)"),
			cli.NewFlag("dump-target", false, "print the compiled listing before running"),
			cli.NewFlag("timeout", 10*time.Second, "kernel execution timeout"),
		},
		Commands: []*cli.Command{
			listCmd,
			dumpCmd,
			runCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func listAct(c *cli.Command) error {
	names := make([]string, 0, len(examples))

	for name := range examples {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%-10s  %s\n", name, examples[name].Descr)
	}

	return nil
}

func dumpAct(c *cli.Command) error {
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	for _, a := range c.Args {
		if _, ok := examples[a]; !ok {
			return errors.New("unknown kernel %v", a)
		}

		k, err := compileExample(ctx, c, a)
		if err != nil {
			return errors.Wrap(err, "compile %v", a)
		}

		fmt.Printf("%s", k.Dump())

		for i, w := range k.Code {
			fmt.Printf("%4d: %016x\n", i, w)
		}
	}

	return nil
}

func runAct(c *cli.Command) error {
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	for _, a := range c.Args {
		ex, ok := examples[a]
		if !ok {
			return errors.New("unknown kernel %v", a)
		}

		err := ex.Run(ctx, c)
		if err != nil {
			return errors.Wrap(err, "run %v", a)
		}
	}

	return nil
}

func platform(c *cli.Command) (qpu.Platform, error) {
	switch p := c.String("platform"); p {
	case "vc4":
		return vc4.New(), nil
	case "v3d":
		return v3d.New(c.Int("num-qpus")), nil
	default:
		return nil, errors.New("unknown platform %v", p)
	}
}

func driver(c *cli.Command) (qpu.Driver, error) {
	switch d := c.String("run"); d {
	case "emulator":
		return qpu.NewEmulator(1 << 20), nil
	case "qpu":
		return &qpu.DeviceDriver{}, nil
	default:
		return nil, errors.New("unknown driver %v", d)
	}
}

func compileExample(ctx context.Context, c *cli.Command, name string) (*qpu.Kernel, error) {
	pl, err := platform(c)
	if err != nil {
		return nil, err
	}

	var kf qpu.KernelFunc

	switch name {
	case "square":
		kf = squareKernel
	case "dot":
		kf = dotKernel
	case "gcd":
		kf = gcdKernel
	case "triangle":
		kf = triangleKernel
	default:
		return nil, errors.New("unknown kernel %v", name)
	}

	k, err := qpu.Compile(ctx, pl, kf)
	if err != nil {
		return nil, err
	}

	if c.Bool("dump-target") {
		fmt.Printf("%s", k.Dump())
	}

	return k, nil
}

func squareKernel(b *source.Builder) {
	x := b.IntPtr()
	y := b.IntPtr()

	v := b.Int(0)
	v.Set(x.Deref())
	y.Store(v.Mul(v))
}

func dotKernel(b *source.Builder) {
	x := b.FloatPtr()
	y := b.FloatPtr()
	out := b.FloatPtr()

	a := b.Float(0)
	a.Set(x.Deref())

	c := b.Float(0)
	c.Set(y.Deref())

	out.Store(a.Mul(c))
}

func gcdKernel(b *source.Builder) {
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
}

func triangleKernel(b *source.Builder) {
	out := b.IntPtr()

	acc := b.Int(0)
	i := b.Int(0)

	b.While(b.Any(i.Le(b.Index())), func() {
		b.Where(i.Le(b.Index()), func() {
			acc.Set(acc.Add(i))
		})
		i.Set(i.Add(b.I(1)))
	})

	out.Store(acc)
}

func squareAct(ctx context.Context, c *cli.Command) error {
	k, err := compileExample(ctx, c, "square")
	if err != nil {
		return err
	}

	d, err := driver(c)
	if err != nil {
		return err
	}

	n := c.Int("num-qpus") * qpu.NumLanes

	x, err := qpu.NewSharedArray[int32](d, n)
	if err != nil {
		return err
	}

	y, err := qpu.NewSharedArray[int32](d, n)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		x.Set(i, int32(i))
	}

	err = k.Load(x, y)
	if err != nil {
		return err
	}

	err = k.Call(ctx, d, c.Int("num-qpus"), c.Duration("timeout"))
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		fmt.Printf("%d*%d = %d\n", x.Get(i), x.Get(i), y.Get(i))
	}

	return nil
}

func dotAct(ctx context.Context, c *cli.Command) error {
	k, err := compileExample(ctx, c, "dot")
	if err != nil {
		return err
	}

	d, err := driver(c)
	if err != nil {
		return err
	}

	n := c.Int("num-qpus") * qpu.NumLanes

	x, err := qpu.NewSharedArray[float32](d, n)
	if err != nil {
		return err
	}

	y, err := qpu.NewSharedArray[float32](d, n)
	if err != nil {
		return err
	}

	out, err := qpu.NewSharedArray[float32](d, n)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		x.Set(i, float32(i))
		y.Set(i, 0.5)
	}

	err = k.Load(x, y, out)
	if err != nil {
		return err
	}

	err = k.Call(ctx, d, c.Int("num-qpus"), c.Duration("timeout"))
	if err != nil {
		return err
	}

	var sum float32

	for i := 0; i < n; i++ {
		sum += out.Get(i)
	}

	fmt.Printf("dot = %g\n", sum)

	return nil
}

func gcdAct(ctx context.Context, c *cli.Command) error {
	k, err := compileExample(ctx, c, "gcd")
	if err != nil {
		return err
	}

	d, err := driver(c)
	if err != nil {
		return err
	}

	n := c.Int("num-qpus") * qpu.NumLanes

	x, err := qpu.NewSharedArray[int32](d, n)
	if err != nil {
		return err
	}

	y, err := qpu.NewSharedArray[int32](d, n)
	if err != nil {
		return err
	}

	out, err := qpu.NewSharedArray[int32](d, n)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		x.Set(i, int32(12*(i+1)))
		y.Set(i, int32(18*(i+1)))
	}

	err = k.Load(x, y, out)
	if err != nil {
		return err
	}

	err = k.Call(ctx, d, c.Int("num-qpus"), c.Duration("timeout"))
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		fmt.Printf("gcd(%d, %d) = %d\n", x.Get(i), y.Get(i), out.Get(i))
	}

	return nil
}

func triangleAct(ctx context.Context, c *cli.Command) error {
	k, err := compileExample(ctx, c, "triangle")
	if err != nil {
		return err
	}

	d, err := driver(c)
	if err != nil {
		return err
	}

	n := c.Int("num-qpus") * qpu.NumLanes

	out, err := qpu.NewSharedArray[int32](d, n)
	if err != nil {
		return err
	}

	err = k.Load(out)
	if err != nil {
		return err
	}

	err = k.Call(ctx, d, c.Int("num-qpus"), c.Duration("timeout"))
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		fmt.Printf("tri(%d) = %d\n", i%qpu.NumLanes, out.Get(i))
	}

	return nil
}
