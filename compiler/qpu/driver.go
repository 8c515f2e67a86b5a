package qpu

import (
	"context"
	"time"

	"tlog.app/go/errors"
)

type (
	// Driver owns device memory and runs compiled kernels. The
	// emulator implements it in-process; on a real board it fronts
	// the GPU device.
	Driver interface {
		// Alloc reserves size bytes of shared memory and returns its
		// bus address and a host view of it.
		Alloc(size int) (uint32, []byte, error)

		// Run executes the kernel with one uniform tape per
		// processor.
		Run(ctx context.Context, k *Kernel, uniforms [][]uint32, timeout time.Duration) error
	}

	// Device is the board-specific mailbox surface a DeviceDriver
	// dispatches through.
	Device interface {
		Alloc(size int) (uint32, []byte, error)
		Exec(ctx context.Context, code []uint64, uniforms [][]uint32, timeout time.Duration) error
	}

	// DeviceDriver dispatches to GPU hardware. Device errors are
	// returned to the caller as is.
	DeviceDriver struct {
		Dev Device
	}
)

func (d *DeviceDriver) Alloc(size int) (uint32, []byte, error) {
	if d.Dev == nil {
		return 0, nil, errors.New("no device")
	}

	return d.Dev.Alloc(size)
}

func (d *DeviceDriver) Run(ctx context.Context, k *Kernel, uniforms [][]uint32, timeout time.Duration) error {
	if d.Dev == nil {
		return errors.New("no device")
	}

	return d.Dev.Exec(ctx, k.Code, uniforms, timeout)
}
