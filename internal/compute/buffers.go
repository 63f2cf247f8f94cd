package compute

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrAcceleratorUnavailable is returned by every accelerator path when no
// device was found at startup.
var ErrAcceleratorUnavailable = errors.New("accelerator not available")

// Device allocates accelerator memory.
type Device interface {
	Name() string
	Available() bool
	Allocate(elements int) (DeviceBuffer, error)
}

// DeviceBuffer is a handle on accelerator memory.
type DeviceBuffer interface {
	Capacity() int
	Float32s() []float32
	Release()
}

// PoolStats is a point-in-time view of the buffer pool.
type PoolStats struct {
	Device      string `json:"device"`
	Available   bool   `json:"available"`
	Pooled      int    `json:"pooled"`
	Outstanding int    `json:"outstanding"`
	Allocated   uint64 `json:"allocated"`
	Reused      uint64 `json:"reused"`
	Clears      uint64 `json:"clears"`
}

// BufferPool keeps a bounded free list of device buffers. Buffers are reused
// first-fit by capacity. Once maxPooled buffers are tracked by the pool,
// further allocations are overflow: handed out normally but released on
// return instead of being kept.
type BufferPool struct {
	dev       Device
	available bool
	maxPooled int
	logger    *slog.Logger

	mu          sync.Mutex
	free        []DeviceBuffer
	outstanding map[DeviceBuffer]bool // value: returns to the free list
	allocated   uint64
	reused      uint64
	clears      uint64
}

// NewBufferPool builds a pool over dev. Availability is checked once here.
func NewBufferPool(dev Device, maxPooled int, logger *slog.Logger) *BufferPool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxPooled < 0 {
		maxPooled = 0
	}
	p := &BufferPool{
		dev:         dev,
		available:   dev != nil && dev.Available(),
		maxPooled:   maxPooled,
		logger:      logger.With("component", "buffer_pool"),
		outstanding: make(map[DeviceBuffer]bool),
	}
	if !p.available {
		p.logger.Info("accelerator unavailable, buffer pool disabled")
	}
	return p
}

// Available reports whether a device was found.
func (p *BufferPool) Available() bool { return p.available }

// Acquire checks out a buffer holding at least elements values.
func (p *BufferPool) Acquire(elements int) (DeviceBuffer, error) {
	if !p.available {
		return nil, ErrAcceleratorUnavailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, buf := range p.free {
		if buf.Capacity() >= elements {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.outstanding[buf] = true
			p.reused++
			return buf, nil
		}
	}

	buf, err := p.dev.Allocate(elements)
	if err != nil {
		return nil, err
	}
	p.allocated++
	p.outstanding[buf] = p.trackedLocked() < p.maxPooled
	return buf, nil
}

// trackedLocked counts buffers that belong to the pool.
func (p *BufferPool) trackedLocked() int {
	n := len(p.free)
	for _, pooled := range p.outstanding {
		if pooled {
			n++
		}
	}
	return n
}

// Release returns buf. Overflow buffers and buffers unknown to the pool,
// for example ones checked out before a clear, are released to the device.
func (p *BufferPool) Release(buf DeviceBuffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	pooled, tracked := p.outstanding[buf]
	if tracked {
		delete(p.outstanding, buf)
	}
	if tracked && pooled {
		p.free = append(p.free, buf)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if tracked {
		buf.Release()
	}
}

// ClearMemoryPool releases every pooled and outstanding buffer.
func (p *BufferPool) ClearMemoryPool() {
	p.mu.Lock()
	free := p.free
	outstanding := p.outstanding
	p.free = nil
	p.outstanding = make(map[DeviceBuffer]bool)
	p.clears++
	p.mu.Unlock()

	for _, buf := range free {
		buf.Release()
	}
	for buf := range outstanding {
		buf.Release()
	}
	if n := len(free) + len(outstanding); n > 0 {
		p.logger.Info("buffer pool cleared", "released", n)
	}
}

// Stats returns pool counters.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := ""
	if p.dev != nil {
		name = p.dev.Name()
	}
	return PoolStats{
		Device:      name,
		Available:   p.available,
		Pooled:      len(p.free),
		Outstanding: len(p.outstanding),
		Allocated:   p.allocated,
		Reused:      p.reused,
		Clears:      p.clears,
	}
}
