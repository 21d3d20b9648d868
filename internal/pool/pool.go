// Package pool provides fixed-size, pre-allocated packet pools. Unlike
// a sync.Pool (whose buffers the garbage collector may reclaim at any
// time and whose size floats with demand), an acquisition or DSP pool
// here holds exactly the buffer count it was built with for the life
// of the running pipeline, and a blocking acquire() can be used by a
// stage willing to wait rather than drop data.
package pool

import (
	"context"
	"fmt"

	"firestige.xyz/eegpipe/internal/core"
)

// Class identifies the {packet variant, capacity} combination a Pool
// serves. Stages request buffers from the pool matching their output
// variant and the batch/channel shape they produce.
type Class struct {
	Variant      core.Variant
	Channels     int
	BatchSize    int
	SpectrumBins int // only meaningful for core.VariantSpectrum
}

// Pool hands out *core.Packet values drawn from a fixed, pre-allocated
// free list and takes them back on release. It is a process-wide
// resource with the lifetime of a running pipeline.
type Pool struct {
	class Class
	free  chan *core.Packet
	size  int
}

// New builds a Pool of the given class with count pre-allocated
// packets, each sized to hold class.Channels x class.BatchSize samples
// (or, for a Spectrum class, class.Channels x class.SpectrumBins).
func New(class Class, count int) *Pool {
	p := &Pool{
		class: class,
		free:  make(chan *core.Packet, count),
		size:  count,
	}
	for i := 0; i < count; i++ {
		p.free <- p.allocate()
	}
	return p
}

func (p *Pool) allocate() *core.Packet {
	pkt := core.NewPacket(p.class.Variant, p)
	n := p.class.Channels * p.class.BatchSize
	switch p.class.Variant {
	case core.VariantRawI32:
		pkt.Raw = make([]int32, 0, n)
	case core.VariantVoltage:
		pkt.Voltage = make([]float32, 0, n)
	case core.VariantRawAndVoltage:
		pkt.Raw = make([]int32, 0, n)
		pkt.Voltage = make([]float32, 0, n)
	case core.VariantSpectrum:
		pkt.Spectrum.Bands = make([]core.SpectrumBand, p.class.Channels)
		for i := range pkt.Spectrum.Bands {
			pkt.Spectrum.Bands[i].PSD = make([]float32, 0, p.class.SpectrumBins)
		}
	}
	return pkt
}

// TryAcquire returns a packet immediately, or (nil, false) if the pool
// is currently exhausted. Non-blocking: callers on a hot path use this
// and treat a miss as a PoolExhausted back-pressure signal.
func (p *Pool) TryAcquire() (*core.Packet, bool) {
	select {
	case pkt := <-p.free:
		pkt.PrepareForAcquire()
		return pkt, true
	default:
		return nil, false
	}
}

// Acquire blocks until a packet is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*core.Packet, error) {
	select {
	case pkt := <-p.free:
		pkt.PrepareForAcquire()
		return pkt, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("pool: acquire canceled: %w", ctx.Err())
	}
}

// ReleasePacket implements core.Releaser: it is called once a packet's
// reference count drops to zero, and returns the buffer to this pool's
// free list for reuse.
func (p *Pool) ReleasePacket(pkt *core.Packet) {
	select {
	case p.free <- pkt:
	default:
		// The free list should never be fuller than it started; a
		// default case here only guards against a double-release bug
		// rather than being a real code path.
	}
}

// Len reports how many buffers are currently available.
func (p *Pool) Len() int { return len(p.free) }

// Cap reports the pool's fixed buffer count.
func (p *Pool) Cap() int { return p.size }
