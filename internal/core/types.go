// Package core defines the packet and metadata types shared by every
// stage, with zero external dependencies.
package core

// SourceType identifies what produced a SensorMeta.
type SourceType uint8

const (
	SourceUnknown SourceType = iota
	SourceADS1299
	SourceMock
	SourceExternal
)

func (s SourceType) String() string {
	switch s {
	case SourceADS1299:
		return "ADS1299"
	case SourceMock:
		return "Mock"
	case SourceExternal:
		return "External"
	default:
		return "Unknown"
	}
}

// SensorMeta is an immutable value shared by pointer across every packet
// produced under the same hardware configuration. A new SensorMeta is
// created by the acquisition stage whenever that configuration changes;
// it is never mutated after publication, and is freed (by the garbage
// collector) once the last referring packet is dropped. Stages detect a
// configuration change by comparing pointer identity, not field values.
type SensorMeta struct {
	SchemaVersion uint8
	SensorID      string
	MetaRevision  uint32
	SourceType    SourceType
	SampleRateHz  uint32
	VRefVolts     float32
	ADCBits       uint8
	Gain          float32
	ChannelNames  []string
	ExtraTags     map[string]any
}

// NumChannels returns the channel count this meta describes.
func (m *SensorMeta) NumChannels() int {
	if m == nil {
		return 0
	}
	return len(m.ChannelNames)
}

// FullScaleCode is the largest magnitude ADC code for this meta's bit
// depth, i.e. 2^(adc_bits-1) - 1.
func (m *SensorMeta) FullScaleCode() float32 {
	if m == nil || m.ADCBits == 0 {
		return 0
	}
	return float32((int64(1) << (m.ADCBits - 1)) - 1)
}

// PacketHeader carries per-batch framing metadata common to every
// packet variant.
type PacketHeader struct {
	TimestampNs  uint64 // monotonic, of the first sample in the batch
	FrameID      uint64 // strictly increasing per source; gaps are flagged
	BatchSize    uint32 // samples per channel in this packet
	SampleRateHz uint32 // authoritative for this packet
	Meta         *SensorMeta
}
