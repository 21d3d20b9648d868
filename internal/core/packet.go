package core

import "sync/atomic"

// Variant identifies which payload a Packet carries. The set is a
// closed, extensible tagged union: stages switch on Variant rather than
// using type assertions, so a new variant only needs a new case.
type Variant uint8

const (
	VariantRawI32 Variant = iota
	VariantVoltage
	VariantRawAndVoltage
	VariantSpectrum
)

func (v Variant) String() string {
	switch v {
	case VariantRawI32:
		return "raw_i32"
	case VariantVoltage:
		return "voltage"
	case VariantRawAndVoltage:
		return "raw_and_voltage"
	case VariantSpectrum:
		return "spectrum"
	default:
		return "unknown"
	}
}

// SpectrumBand is one channel's power spectral density, in uV^2/Hz.
type SpectrumBand struct {
	PSD []float32 // length FFTSize/2 + 1, always non-negative
}

// SpectrumPayload is the payload of a Spectrum packet: one PSD vector
// per channel plus the bin metadata needed to interpret it.
type SpectrumPayload struct {
	Bands      []SpectrumBand
	FFTSize    int
	Window     string
	HopSamples int
}

// Releaser returns a packet's backing buffers to whatever pool handed
// them out. Defined here (rather than imported from internal/pool) to
// avoid a dependency cycle between core and pool.
type Releaser interface {
	ReleasePacket(p *Packet)
}

// Packet is the reference-counted, pool-backed unit of data flowing
// across an Edge. It is never deep-cloned; sharing is by reference
// count, and its buffers must not be observed by any holder once the
// last reference is released back to the pool.
type Packet struct {
	Header  PacketHeader
	Variant Variant

	// Raw holds a row-major [channels x batch_size] sample matrix,
	// valid when Variant is RawI32 or RawAndVoltage.
	Raw []int32
	// Voltage holds a row-major [channels x batch_size] volts matrix,
	// valid when Variant is Voltage or RawAndVoltage.
	Voltage []float32
	// Spectrum holds per-channel PSD data, valid when Variant is Spectrum.
	Spectrum SpectrumPayload

	refcount atomic.Int32
	pool     Releaser
}

// NewPacket constructs an empty Packet of the given variant, bound to
// pool for release when its reference count reaches zero. Pool
// implementations call this once per pre-allocated buffer.
func NewPacket(variant Variant, pool Releaser) *Packet {
	return &Packet{Variant: variant, pool: pool}
}

// Channels returns the channel count implied by this packet's meta, or
// zero if no meta is attached.
func (p *Packet) Channels() int {
	return p.Header.Meta.NumChannels()
}

// SamplesPerChannel returns the batch size recorded in the header.
func (p *Packet) SamplesPerChannel() int {
	return int(p.Header.BatchSize)
}

// Retain increments the reference count and returns the same packet,
// for a stage that hands the packet to more than one downstream edge.
func (p *Packet) Retain() *Packet {
	p.refcount.Add(1)
	return p
}

// Release decrements the reference count. When it reaches zero the
// packet's buffers are returned to their owning pool and must not be
// touched again by this holder.
func (p *Packet) Release() {
	if p.refcount.Add(-1) == 0 && p.pool != nil {
		p.pool.ReleasePacket(p)
	}
}

// ResetForReuse clears payload content without releasing the slice
// capacity, so a pool can hand the same backing arrays to a new
// acquisition without reallocating.
func (p *Packet) ResetForReuse() {
	p.Header = PacketHeader{}
	p.Raw = p.Raw[:0]
	p.Voltage = p.Voltage[:0]
	for i := range p.Spectrum.Bands {
		p.Spectrum.Bands[i].PSD = p.Spectrum.Bands[i].PSD[:0]
	}
	p.refcount.Store(0)
}

// PrepareForAcquire resets a packet drawn from a free list and marks it
// as having exactly one live reference, ready to hand to a caller.
func (p *Packet) PrepareForAcquire() {
	p.ResetForReuse()
	p.refcount.Store(1)
}
