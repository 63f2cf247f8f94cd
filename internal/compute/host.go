package compute

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrShapeMismatch is returned when operand lengths do not match the
// declared dimensions.
var ErrShapeMismatch = errors.New("operand shape mismatch")

// HostDevice backs device buffers with host memory. It stands in for a
// native accelerator binding and reports the availability decided by
// accelerator discovery.
type HostDevice struct {
	name      string
	available bool
	live      atomic.Int64
}

// NewHostDevice builds a host-memory device.
func NewHostDevice(name string, available bool) *HostDevice {
	return &HostDevice{name: name, available: available}
}

// Name implements Device.
func (d *HostDevice) Name() string { return d.name }

// Available implements Device.
func (d *HostDevice) Available() bool { return d.available }

// Live returns the number of buffers not yet released.
func (d *HostDevice) Live() int64 { return d.live.Load() }

// Allocate implements Device.
func (d *HostDevice) Allocate(elements int) (DeviceBuffer, error) {
	if !d.available {
		return nil, ErrAcceleratorUnavailable
	}
	if elements < 0 {
		return nil, fmt.Errorf("allocate %d elements: negative size", elements)
	}
	d.live.Add(1)
	return &hostBuffer{dev: d, data: make([]float32, elements)}, nil
}

type hostBuffer struct {
	dev      *HostDevice
	data     []float32
	released atomic.Bool
}

func (b *hostBuffer) Capacity() int       { return cap(b.data) }
func (b *hostBuffer) Float32s() []float32 { return b.data[:cap(b.data)] }

func (b *hostBuffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.dev.live.Add(-1)
	}
}

const warmUpDim = 8

// Accelerator runs tensor operations on the inference lane using pooled
// device buffers.
type Accelerator struct {
	pool    *Pool
	buffers *BufferPool
}

// NewAccelerator combines a lane pool and a buffer pool.
func NewAccelerator(pool *Pool, buffers *BufferPool) *Accelerator {
	return &Accelerator{pool: pool, buffers: buffers}
}

// Buffers returns the underlying buffer pool.
func (a *Accelerator) Buffers() *BufferPool { return a.buffers }

// WarmUp runs one small multiplication through the device so the first
// real request finds operand buffers pooled. It fails with
// ErrAcceleratorUnavailable when there is no device.
func (a *Accelerator) WarmUp(ctx context.Context) error {
	const dim = warmUpDim
	identity := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		identity[i*dim+i] = 1
	}
	out, err := a.MatMul(ctx, identity, identity, dim, dim, dim)
	if err != nil {
		return err
	}
	for i, v := range out {
		if v != identity[i] {
			return fmt.Errorf("accelerator warm-up produced %v at %d, want %v", v, i, identity[i])
		}
	}
	return nil
}

// MatMul multiplies the row-major m×k matrix x by the k×n matrix y. The
// call waits for the result, but the work runs on an inference-lane worker.
func (a *Accelerator) MatMul(ctx context.Context, x, y []float32, m, k, n int) ([]float32, error) {
	if !a.buffers.Available() {
		return nil, ErrAcceleratorUnavailable
	}
	if m <= 0 || k <= 0 || n <= 0 || len(x) != m*k || len(y) != k*n {
		return nil, fmt.Errorf("%w: %dx%d by %dx%d with %d and %d values", ErrShapeMismatch, m, k, k, n, len(x), len(y))
	}

	return Submit(ctx, a.pool, PriorityInference, func(context.Context) ([]float32, error) {
		bx, err := a.buffers.Acquire(len(x))
		if err != nil {
			return nil, err
		}
		defer a.buffers.Release(bx)
		by, err := a.buffers.Acquire(len(y))
		if err != nil {
			return nil, err
		}
		defer a.buffers.Release(by)
		bo, err := a.buffers.Acquire(m * n)
		if err != nil {
			return nil, err
		}
		defer a.buffers.Release(bo)

		xs, ys, out := bx.Float32s(), by.Float32s(), bo.Float32s()
		copy(xs, x)
		copy(ys, y)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for p := 0; p < k; p++ {
					sum += xs[i*k+p] * ys[p*n+j]
				}
				out[i*n+j] = sum
			}
		}

		result := make([]float32, m*n)
		copy(result, out)
		return result, nil
	})
}
